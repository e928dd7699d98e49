package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic update keeps losing races.
	ErrConflict = errors.New("record update conflict")
)

// UpdateFunc receives the current value (found=false when absent) and
// returns the value to persist. write=false leaves the record untouched.
type UpdateFunc func(current []byte, found bool) (next []byte, write bool, err error)

// Store is the persistence contract shared by the rate limiter and the
// integrity monitor. Update must apply fn atomically per key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Close() error
}
