// Package keylock provides per-key read-write locks without a global mutex
// on the lock path: keys hash onto a fixed shard set with xxhash, and each
// shard tracks only the keys currently held.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// KeyLock serializes writers and admits concurrent readers per key. Entries
// are reference counted and removed once the last holder releases, so memory
// stays proportional to the number of keys locked right now.
type KeyLock struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.RWMutex
	refs int
}

func New() *KeyLock {
	kl := &KeyLock{}
	for i := range kl.shards {
		kl.shards[i].entries = make(map[string]*entry)
	}
	return kl
}

func (kl *KeyLock) shard(key string) *shard {
	return &kl.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *shard) acquire(key string) *entry {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()
	return e
}

func (s *shard) release(key string) *entry {
	s.mu.Lock()
	e := s.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	return e
}

// Lock takes the exclusive lock for key.
func (kl *KeyLock) Lock(key string) {
	kl.shard(key).acquire(key).mu.Lock()
}

// Unlock releases the exclusive lock for key.
func (kl *KeyLock) Unlock(key string) {
	kl.shard(key).release(key).mu.Unlock()
}

// RLock takes a shared lock for key; any number of readers may hold it.
func (kl *KeyLock) RLock(key string) {
	kl.shard(key).acquire(key).mu.RLock()
}

// RUnlock releases a shared lock for key.
func (kl *KeyLock) RUnlock(key string) {
	kl.shard(key).release(key).mu.RUnlock()
}
