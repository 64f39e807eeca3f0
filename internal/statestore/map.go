// Package statestore holds the per-process keyed state consulted by the
// enforcement hooks: identity, trust, verdict and entitlement maps keyed by
// pid, plus the tool registry keyed by tool-id hash.
//
// Every map is individually atomic per key. There are no cross-map
// transactions; callers tolerate brief inconsistency between maps.
package statestore

import (
	"sync"
	"sync/atomic"
)

// UpdateFlag mirrors the BPF map update flags.
type UpdateFlag uint8

const (
	// UpdateAny creates or replaces the entry.
	UpdateAny UpdateFlag = iota
	// UpdateNoExist creates the entry only if it is absent.
	UpdateNoExist
	// UpdateExist replaces the entry only if it is present.
	UpdateExist
)

// Key is the set of key types used by the store.
type Key interface {
	~uint32 | ~uint64
}

// Map is a fixed-capacity associative map with per-key atomic operations.
// Both the in-memory HashMap and the kernel-backed KernelMap satisfy it.
type Map[K Key, V any] interface {
	// Lookup returns a copy of the value and whether it was present.
	Lookup(key K) (V, bool)
	// Update stores value under key according to flag.
	Update(key K, value V, flag UpdateFlag) error
	// Delete removes key. It returns ErrKeyNotExist when key is absent.
	Delete(key K) error
}

const shardCount = 64

type shard[K Key, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// HashMap is the in-memory Map. Storage is sized at construction and the
// entry count never exceeds capacity.
type HashMap[K Key, V any] struct {
	shards   [shardCount]shard[K, V]
	capacity int64
	size     atomic.Int64
}

// NewHashMap returns a map that holds at most capacity entries.
func NewHashMap[K Key, V any](capacity int) *HashMap[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	hm := &HashMap[K, V]{capacity: int64(capacity)}
	hint := capacity/shardCount + 1
	for i := range hm.shards {
		hm.shards[i].m = make(map[K]V, hint)
	}
	return hm
}

func (hm *HashMap[K, V]) shardFor(key K) *shard[K, V] {
	// Fibonacci hashing spreads sequential pids across shards.
	h := uint64(key) * 0x9E3779B97F4A7C15
	return &hm.shards[h>>58]
}

func (hm *HashMap[K, V]) Lookup(key K) (V, bool) {
	s := hm.shardFor(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

func (hm *HashMap[K, V]) Update(key K, value V, flag UpdateFlag) error {
	s := hm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.m[key]
	switch {
	case flag == UpdateNoExist && exists:
		return ErrKeyExist
	case flag == UpdateExist && !exists:
		return ErrKeyNotExist
	}

	if !exists {
		if hm.size.Add(1) > hm.capacity {
			hm.size.Add(-1)
			return ErrMapFull
		}
	}
	s.m[key] = value
	return nil
}

func (hm *HashMap[K, V]) Delete(key K) error {
	s := hm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[key]; !ok {
		return ErrKeyNotExist
	}
	delete(s.m, key)
	hm.size.Add(-1)
	return nil
}

// Len returns the current number of entries.
func (hm *HashMap[K, V]) Len() int {
	return int(hm.size.Load())
}

// Capacity returns the fixed maximum number of entries.
func (hm *HashMap[K, V]) Capacity() int {
	return int(hm.capacity)
}
