// Package models tests for data model definitions.
package models

import (
	"testing"
	"time"
)

// =====================================================
// CacheEntry Tests
// =====================================================

// TestCacheEntry_TableName verifies table name.
func TestCacheEntry_TableName(t *testing.T) {
	if got := (CacheEntry{}).TableName(); got != "cache_entries" {
		t.Errorf("TableName() = %q, want 'cache_entries'", got)
	}
}

// TestCacheEntry_StoredAtTime verifies millisecond conversion.
func TestCacheEntry_StoredAtTime(t *testing.T) {
	e := CacheEntry{StoredAt: 1609459200123}
	want := time.Unix(1609459200, 123*int64(time.Millisecond))
	if got := e.StoredAtTime(); !got.Equal(want) {
		t.Errorf("StoredAtTime() = %v, want %v", got, want)
	}
}

// TestCacheEntry_Age verifies age relative to a reference time.
func TestCacheEntry_Age(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	e := CacheEntry{StoredAt: now.Add(-90 * time.Minute).UnixMilli()}
	if got := e.Age(now); got != 90*time.Minute {
		t.Errorf("Age() = %v, want 90m", got)
	}
}

// =====================================================
// PendingOperation Tests
// =====================================================

// TestMethodFromHTTP verifies verb mapping.
func TestMethodFromHTTP(t *testing.T) {
	tests := []struct {
		verb   string
		want   Method
		wantOK bool
	}{
		{"POST", MethodCreate, true},
		{"post", MethodCreate, true},
		{"PUT", MethodUpdate, true},
		{"PATCH", MethodUpdate, true},
		{"DELETE", MethodDelete, true},
		{"GET", "", false},
		{"HEAD", "", false},
		{"OPTIONS", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.verb, func(t *testing.T) {
			got, ok := MethodFromHTTP(tt.verb)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("MethodFromHTTP(%q) = %q, %v; want %q, %v", tt.verb, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// TestPendingOperation_TableName verifies table name.
func TestPendingOperation_TableName(t *testing.T) {
	if got := (PendingOperation{}).TableName(); got != "pending_operations" {
		t.Errorf("TableName() = %q, want 'pending_operations'", got)
	}
}

// TestPendingOperation_times verifies timestamp helpers.
func TestPendingOperation_times(t *testing.T) {
	op := PendingOperation{EnqueuedAt: 1609459200000}
	if got := op.EnqueuedAtTime(); !got.Equal(time.Unix(1609459200, 0)) {
		t.Errorf("EnqueuedAtTime() = %v", got)
	}
	if !op.LastAttemptTime().IsZero() {
		t.Error("LastAttemptTime() should be zero before any attempt")
	}

	op.LastAttemptAt = 1609459260000
	if got := op.LastAttemptTime(); !got.Equal(time.Unix(1609459260, 0)) {
		t.Errorf("LastAttemptTime() = %v", got)
	}
}

// TestDeadLetter_TableName verifies table name and embedded fields.
func TestDeadLetter_TableName(t *testing.T) {
	d := DeadLetter{PendingOperation: PendingOperation{ID: "op-1"}, Reason: "422"}
	if d.TableName() != "dead_letters" {
		t.Errorf("TableName() = %q, want 'dead_letters'", d.TableName())
	}
	if d.ID != "op-1" {
		t.Errorf("embedded ID = %q, want 'op-1'", d.ID)
	}
}
