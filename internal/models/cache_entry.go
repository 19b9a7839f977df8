// Package models provides the row types persisted by the offline layer.
package models

import "time"

// CacheEntry is a cached read response keyed by its normalized resource key.
type CacheEntry struct {
	Key      string `db:"key" json:"key"`
	Value    []byte `db:"value" json:"value"`
	StoredAt int64  `db:"stored_at" json:"stored_at"` // ms since epoch
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// StoredAtTime returns StoredAt as time.Time.
func (e *CacheEntry) StoredAtTime() time.Time {
	return time.UnixMilli(e.StoredAt)
}

// Age returns how long ago the entry was stored, relative to now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAtTime())
}
