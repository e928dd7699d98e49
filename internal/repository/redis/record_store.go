package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"guard-service/internal/client"
	"guard-service/internal/store"
	"guard-service/internal/util"
)

const (
	recordPrefix     = "guard:"
	maxWatchRetries  = 8
	defaultOpTimeout = 5 * time.Second
)

// RecordStore persists rate-limit and snapshot records in Redis.
// Updates use WATCH/MULTI so concurrent checks for one key serialize.
type RecordStore struct {
	client *client.RedisClient
}

var _ store.Store = (*RecordStore)(nil)

func NewRecordStore(client *client.RedisClient) *RecordStore {
	return &RecordStore{client: client}
}

func recordKey(key string) string {
	return recordPrefix + key
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, defaultOpTimeout)
}

func (s *RecordStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	val, err := s.client.GetBytes(ctx, recordKey(key))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, store.ErrNotFound
		}
		util.Error("Failed to get record", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return val, nil
}

func (s *RecordStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, recordKey(key), value, ttl); err != nil {
		util.Error("Failed to set record", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return fmt.Errorf("failed to set record: %w", err)
	}
	return nil
}

func (s *RecordStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, recordKey(key)); err != nil {
		util.Error("Failed to delete record", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to delete record: %w", err)
	}
	util.Debug("Record deleted", zap.String("key", key))
	return nil
}

func (s *RecordStore) Update(ctx context.Context, key string, ttl time.Duration, fn store.UpdateFunc) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rk := recordKey(key)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, rk).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			found = false
		} else if err != nil {
			return err
		}

		next, write, err := fn(current, found)
		if err != nil {
			return &updateError{err: err}
		}
		if !write {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, next, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, rk)
		if err == nil {
			return nil
		}
		var ue *updateError
		if errors.As(err, &ue) {
			return ue.err
		}
		if errors.Is(err, redis.TxFailedErr) {
			util.Debug("Record update raced, retrying", zap.String("key", key), zap.Int("attempt", attempt+1))
			continue
		}
		util.Error("Failed to update record", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to update record: %w", err)
	}

	util.Warn("Record update gave up after retries", zap.String("key", key))
	return store.ErrConflict
}

// Close is a no-op; the factory owns the Redis client lifecycle.
func (s *RecordStore) Close() error {
	return nil
}

// updateError marks errors produced by the caller's UpdateFunc so they
// are returned unwrapped instead of being treated as transport failures.
type updateError struct {
	err error
}

func (e *updateError) Error() string { return e.err.Error() }
func (e *updateError) Unwrap() error { return e.err }
