// Package idgen provides cryptographically random ID generation.
//
// Every persisted entity carries a short prefixed ID (ag- for agents,
// tk- for tasks, le- for ledger entries, ...) so an ID is recognizable
// on its own in logs and API payloads.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const (
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	idLength = 12
)

// WithPrefix generates prefix + 12 random alphanumeric characters.
func WithPrefix(prefix string) string {
	b := make([]byte, idLength)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return prefix + string(b)
}

// Agent returns a new agent ID (ag-...).
func Agent() string { return WithPrefix("ag-") }

// Task returns a new task ID (tk-...).
func Task() string { return WithPrefix("tk-") }

// Ledger returns a new ledger entry ID (le-...).
func Ledger() string { return WithPrefix("le-") }

// Match returns a new task match ID (mt-...).
func Match() string { return WithPrefix("mt-") }

// Report returns a new report ID (rp-...).
func Report() string { return WithPrefix("rp-") }

// Question returns a new task question ID (qa-...).
func Question() string { return WithPrefix("qa-") }

// Message returns a new task message ID (msg-...).
func Message() string { return WithPrefix("msg-") }

// APIKey returns a new raw API key (pwk- + 32 url-safe random bytes).
// The raw key is shown once at registration; only its digest is stored.
func APIKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return "pwk-" + base64.RawURLEncoding.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// DigestKey returns the hex SHA-256 digest of an API key. Keys are stored
// and looked up only in digest form.
func DigestKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
