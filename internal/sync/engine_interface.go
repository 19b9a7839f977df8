package sync

import (
	"context"
	"time"
)

// SyncEngine is the surface the runtime and the desktop gateway use. It
// allows for mocking in tests.
type SyncEngine interface {
	// Trigger starts or coalesces a pass without waiting.
	Trigger() <-chan struct{}

	// SyncNow runs a pass and returns its summary.
	SyncNow(ctx context.Context) (*PassResult, error)

	// Subscribe registers an observer for sync events.
	Subscribe(obs Observer) *Subscription

	Status() SyncStatus
	LastSync() *time.Time
	LastResult() *PassResult

	// PendingChanges returns the number of operations waiting for replay.
	PendingChanges() int

	LastError() error
	Close() error
}

var _ SyncEngine = (*Engine)(nil)
