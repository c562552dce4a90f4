package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tfoster/palisade/internal/models"
)

const shardCount = 64

type storeShard struct {
	mu      sync.Mutex
	windows map[string]*models.RateWindow
}

// MemoryStore keeps rate windows in process memory with lock striping so
// concurrent requests for different keys rarely contend while increments for
// the same key stay linearizable.
type MemoryStore struct {
	shards [shardCount]*storeShard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &storeShard{windows: make(map[string]*models.RateWindow)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *storeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func windowKey(identityKey, endpointKey string) string {
	return identityKey + "|" + endpointKey
}

// Increment creates or bumps the window for the key under the shard lock.
func (s *MemoryStore) Increment(ctx context.Context, identityKey, endpointKey string, window time.Duration) (*models.RateWindow, error) {
	key := windowKey(identityKey, endpointKey)
	now := time.Now()

	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, ok := shard.windows[key]
	if !ok || !now.Before(w.WindowEnd) {
		w = &models.RateWindow{
			IdentityKey: identityKey,
			EndpointKey: endpointKey,
			Counter:     1,
			WindowStart: now,
			WindowEnd:   now.Add(window),
		}
		shard.windows[key] = w
	} else {
		w.Counter++
	}

	snapshot := *w
	return &snapshot, nil
}

// Sweep removes expired windows and returns how many were dropped. Called
// periodically by the cleanup manager; expiry is also handled lazily on the
// next Increment, so missing a sweep only costs memory, not correctness.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, w := range shard.windows {
			if !now.Before(w.WindowEnd) {
				delete(shard.windows, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len reports the number of live windows across all shards.
func (s *MemoryStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		n += len(shard.windows)
		shard.mu.Unlock()
	}
	return n
}
