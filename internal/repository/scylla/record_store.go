package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"guard-service/internal/store"
	"guard-service/internal/util"
)

const maxCASRetries = 8

// RecordStore keeps records in a single Scylla table and serializes
// updates with lightweight transactions.
type RecordStore struct {
	client *ScyllaClient
	now    func() time.Time
}

var _ store.Store = (*RecordStore)(nil)

func NewRecordStore(client *ScyllaClient) *RecordStore {
	return &RecordStore{client: client, now: time.Now}
}

func ttlSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	secs := int((ttl + time.Second - 1) / time.Second)
	return secs
}

func (s *RecordStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	q := s.client.Query(ctx, s.client.Statements.GetRecord, key)
	if err := s.client.ScanWithRetry(q, &value); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		util.Error("Failed to get record", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return value, nil
}

func (s *RecordStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	q := s.client.Query(ctx, s.client.Statements.Upsert, key, value, s.now().UTC(), ttlSeconds(ttl))
	if err := s.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("Failed to set record", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to set record: %w", err)
	}
	return nil
}

func (s *RecordStore) Delete(ctx context.Context, key string) error {
	q := s.client.Query(ctx, s.client.Statements.DeleteRecord, key)
	if err := s.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("Failed to delete record", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *RecordStore) Update(ctx context.Context, key string, ttl time.Duration, fn store.UpdateFunc) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := s.Get(ctx, key)
		found := true
		if errors.Is(err, store.ErrNotFound) {
			found = false
		} else if err != nil {
			return err
		}

		next, write, err := fn(current, found)
		if err != nil || !write {
			return err
		}

		applied, err := s.compareAndSet(ctx, key, current, found, next, ttl)
		if err != nil {
			util.Error("Failed to update record", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("failed to update record: %w", err)
		}
		if applied {
			return nil
		}
		util.Debug("Record update raced, retrying", zap.String("key", key), zap.Int("attempt", attempt+1))
	}

	util.Warn("Record update gave up after retries", zap.String("key", key))
	return store.ErrConflict
}

func (s *RecordStore) compareAndSet(ctx context.Context, key string, current []byte, found bool, next []byte, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	var q *gocql.Query
	if found {
		q = s.client.Query(ctx, s.client.Statements.CompareAndSet, ttlSeconds(ttl), next, now, key, current)
	} else {
		q = s.client.Query(ctx, s.client.Statements.InsertIfAbsent, key, next, now, ttlSeconds(ttl))
	}

	return q.MapScanCAS(make(map[string]interface{}))
}

// Close is a no-op; the factory owns the Scylla session.
func (s *RecordStore) Close() error {
	return nil
}
