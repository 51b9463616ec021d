package lifecycle

import "sync"

// waiters is a close-broadcast registry for long-poll result waits. Every
// waiter on a task shares one channel; wake closes it, which releases all
// of them at once. Waiters that keep waiting re-register and get a fresh
// channel.
type waiters struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newWaiters() *waiters {
	return &waiters{chans: make(map[string]chan struct{})}
}

// await returns the shared channel for a task, creating it on first use.
func (w *waiters) await(taskID string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch, ok := w.chans[taskID]
	if !ok {
		ch = make(chan struct{})
		w.chans[taskID] = ch
	}
	return ch
}

// wake releases everyone waiting on the task. A task with no waiters is a
// no-op.
func (w *waiters) wake(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ch, ok := w.chans[taskID]; ok {
		close(ch)
		delete(w.chans, taskID)
	}
}
