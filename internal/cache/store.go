// Package cache implements the persistent cache store for read responses.
//
// A Store maps normalized resource keys to the last successful response body
// and the time it was stored. Stores never filter by age on reads; freshness
// policy belongs to the caller, and only SweepOlderThan removes old entries.
package cache

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/models"
)

var (
	// ErrNotFound is returned by Get when no entry exists for the key.
	ErrNotFound = apperrors.New(apperrors.ErrCacheMiss, "cache entry not found")
	// ErrQuotaExceeded is returned by Put when the configured byte budget or
	// the underlying storage is full. The entry is not stored.
	ErrQuotaExceeded = apperrors.New(apperrors.ErrCacheQuotaExceeded, "cache quota exceeded")
)

// Store is a durable key to (value, storedAt) mapping.
// Every mutation is durable before the method returns.
type Store interface {
	// Put stores value under key, replacing any previous entry atomically.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the entry for key regardless of age, or ErrNotFound.
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	// DeleteByKeyPrefix removes every entry whose key starts with prefix.
	DeleteByKeyPrefix(ctx context.Context, prefix string) (int, error)
	// SweepOlderThan removes entries stored more than maxAge ago, except keys
	// starting with one of the exempt prefixes.
	SweepOlderThan(ctx context.Context, maxAge time.Duration, exempt ...string) (int, error)
	// Keys lists all keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
	// Clear removes all entries.
	Clear(ctx context.Context) (int, error)
	// Size reports the bytes used by stored values.
	Size(ctx context.Context) (int64, error)
	Close() error
}

// Option configures a Store backend.
type Option func(*options)

type options struct {
	now      func() time.Time
	maxBytes int64
}

func defaultOptions() options {
	return options{now: time.Now}
}

// WithClock overrides the clock used to stamp and sweep entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxBytes caps the bytes of stored values. Zero means unlimited.
func WithMaxBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBytes = n
		}
	}
}

// Invalidate deletes every entry under each prefix. All prefixes are attempted
// even if one fails; the returned error joins the failures.
func Invalidate(ctx context.Context, s Store, prefixes []string) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, prefix := range prefixes {
		n, err := s.DeleteByKeyPrefix(ctx, prefix)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// hasAnyPrefix reports whether key starts with one of prefixes.
func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && len(key) >= len(p) && key[:len(p)] == p {
			return true
		}
	}
	return false
}
