package store

import (
	"context"
	"sync"
	"time"

	"guard-service/internal/bucketing"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// MemoryStore keeps records in process, spread over shards picked by murmur3.
type MemoryStore struct {
	shards  []*memoryShard
	buckets *bucketing.BucketingManager
	now     func() time.Time
}

func NewMemoryStore(buckets *bucketing.BucketingManager) *MemoryStore {
	if buckets == nil {
		buckets = bucketing.New(16, 1)
	}
	s := &MemoryStore{
		shards:  make([]*memoryShard, buckets.GetStoreShards()),
		buckets: buckets,
		now:     time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	return s
}

// WithClock overrides the clock used for TTL expiry.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[s.buckets.GetStoreShard(key)]
}

// lookup must be called with the shard lock held.
func (s *MemoryStore) lookup(sh *memoryShard, key string) ([]byte, bool) {
	e, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(sh.entries, key)
		return nil, false
	}
	return e.value, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := s.lookup(sh, key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.entries[key] = s.entry(value, ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, found := s.lookup(sh, key)
	if found {
		current = append([]byte(nil), current...)
	}
	next, write, err := fn(current, found)
	if err != nil || !write {
		return err
	}
	sh.entries[key] = s.entry(next, ttl)
	return nil
}

// Len reports the number of live records. Expired entries are purged on the way.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.entries {
			if _, ok := s.lookup(sh, k); ok {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) entry(value []byte, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	return e
}
