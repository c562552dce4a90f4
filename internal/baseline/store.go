package baseline

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tfoster/palisade/internal/models"
)

// UpdateFunc receives the current baseline (nil when none exists) and
// returns the replacement. Implementations of Store apply it under a
// per-user lock or compare-and-swap so concurrent events from the same user
// never lose updates.
type UpdateFunc func(current *models.UserBaseline) *models.UserBaseline

// Store holds per-user behavioral baselines. Implementations exist for
// in-process memory and Redis (shared cache for multi-instance deployments).
type Store interface {
	// Get returns a copy of the user's baseline, or models.ErrNotFound.
	Get(ctx context.Context, userID string) (*models.UserBaseline, error)
	// Update applies fn atomically for the user and returns the stored result.
	Update(ctx context.Context, userID string, fn UpdateFunc) (*models.UserBaseline, error)
}

const memoryShards = 32

type memoryShard struct {
	mu        sync.Mutex
	baselines map[string]*models.UserBaseline
}

// MemoryStore is the single-instance Store, striped per user key.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{baselines: make(map[string]*models.UserBaseline)}
	}
	return s
}

func (s *MemoryStore) shard(userID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*models.UserBaseline, error) {
	shard := s.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b, ok := shard.baselines[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return b.Clone(), nil
}

// All returns a copy of every stored baseline, used for periodic snapshots.
func (s *MemoryStore) All() []*models.UserBaseline {
	all := make([]*models.UserBaseline, 0)
	for _, shard := range s.shards {
		shard.mu.Lock()
		for _, b := range shard.baselines {
			all = append(all, b.Clone())
		}
		shard.mu.Unlock()
	}
	return all
}

// Seed inserts a baseline only when the user has none yet, so restored
// snapshots never clobber state learned since startup.
func (s *MemoryStore) Seed(b *models.UserBaseline) {
	shard := s.shard(b.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.baselines[b.UserID]; !ok {
		shard.baselines[b.UserID] = b.Clone()
	}
}

func (s *MemoryStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*models.UserBaseline, error) {
	shard := s.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	current := shard.baselines[userID]
	next := fn(current.Clone())
	if next == nil {
		delete(shard.baselines, userID)
		return nil, nil
	}
	next.LastUpdated = time.Now()
	shard.baselines[userID] = next
	return next.Clone(), nil
}
