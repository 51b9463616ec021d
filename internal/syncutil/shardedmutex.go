// Package syncutil holds small concurrency helpers shared across packages.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex is a fixed pool of mutexes addressed by string key. Memory
// stays bounded no matter how many keys show up; the tradeoff is that two
// keys hashing to the same shard serialize against each other.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
