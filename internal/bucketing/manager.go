package bucketing

import (
	"hash"
	"sync"
	"time"

	"guard-service/internal/config"

	"github.com/spaolacci/murmur3"
)

type BucketingManager struct {
	storeShards  int
	eventBuckets int
	hasherPool   sync.Pool
}

type BucketAssignment struct {
	StoreShard  int    `json:"store_shard"`
	EventBucket int    `json:"event_bucket"`
	TimeBucket  int64  `json:"time_bucket"`
	DateBucket  string `json:"date_bucket"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return New(cfg.Bucketing.StoreShards, cfg.Bucketing.EventBuckets)
}

// New builds a manager with explicit bucket counts. Non-positive counts become 1.
func New(storeShards, eventBuckets int) *BucketingManager {
	if storeShards <= 0 {
		storeShards = 1
	}
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	bm := &BucketingManager{
		storeShards:  storeShards,
		eventBuckets: eventBuckets,
	}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetStoreShard returns the in-memory store shard for a record key.
func (bm *BucketingManager) GetStoreShard(key string) int {
	return bm.getBucket(key, bm.storeShards)
}

// GetEventBucket returns the partition bucket for an actor's security events.
func (bm *BucketingManager) GetEventBucket(actorID string) int {
	return bm.getBucket(actorID, bm.eventBuckets)
}

// GetTimeBucket aligns t to the start of its window.
func (bm *BucketingManager) GetTimeBucket(t time.Time, window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return t.Unix()
	}
	return t.Unix() / secs * secs
}

// GetDateBucket returns the UTC day of t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// GetBucketAssignment returns every bucket an event from actorID at t maps to.
func (bm *BucketingManager) GetBucketAssignment(actorID string, t time.Time) *BucketAssignment {
	return &BucketAssignment{
		StoreShard:  bm.GetStoreShard(actorID),
		EventBucket: bm.GetEventBucket(actorID),
		TimeBucket:  bm.GetTimeBucket(t, 5*time.Minute),
		DateBucket:  bm.GetDateBucket(t),
	}
}

func (bm *BucketingManager) GetStoreShards() int {
	return bm.storeShards
}

// GetEventBuckets returns the number of event buckets
func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	// Reset hasher for reuse
	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
