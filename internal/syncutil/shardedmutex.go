// Package syncutil provides small concurrency helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// The in-memory stores use it to serialize state transitions per escrow
// or wallet without unbounded per-key lock maps; keys that hash to the
// same shard occasionally contend, which is acceptable for this use.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// NewShardedMutex returns a ready-to-use lock pool. The zero value is
// also valid.
func NewShardedMutex() *ShardedMutex {
	return &ShardedMutex{}
}

// Lock acquires the mutex for the given key and returns an unlock function.
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
