package sync

import (
	"github.com/mipyme/offline/internal/models"
)

// Disposition says what happened to an operation after a failed replay.
type Disposition string

const (
	// DispositionRetry keeps the operation queued for the next pass.
	DispositionRetry Disposition = "retry"
	// DispositionDeadLetter moved the operation out of the replay path.
	DispositionDeadLetter Disposition = "dead_letter"
)

// SyncSuccess describes one confirmed replay.
type SyncSuccess struct {
	Operation  *models.PendingOperation `json:"operation"`
	StatusCode int                      `json:"status_code"`
	// Invalidated lists the cache families dropped after the replay.
	Invalidated []string `json:"invalidated,omitempty"`
}

// SyncFailure describes one failed replay.
type SyncFailure struct {
	Operation *models.PendingOperation `json:"operation"`
	// StatusCode is 0 when the backend was not reached.
	StatusCode  int         `json:"status_code,omitempty"`
	Err         error       `json:"-"`
	Reason      string      `json:"reason"`
	RetryCount  int         `json:"retry_count"`
	Disposition Disposition `json:"disposition"`
}

// Observer receives sync events. Callbacks run on the sync goroutine and
// should return quickly.
type Observer interface {
	OnSyncSuccess(SyncSuccess)
	OnSyncFailure(SyncFailure)
	OnPendingCountChange(count int)
}

// PassObserver is optionally implemented by observers that want a summary
// at the end of every pass.
type PassObserver interface {
	OnSyncPass(PassResult)
}

// ObserverFuncs adapts plain functions to Observer and PassObserver. Nil
// fields are skipped.
type ObserverFuncs struct {
	Success      func(SyncSuccess)
	Failure      func(SyncFailure)
	PendingCount func(count int)
	Pass         func(PassResult)
}

func (f ObserverFuncs) OnSyncSuccess(e SyncSuccess) {
	if f.Success != nil {
		f.Success(e)
	}
}

func (f ObserverFuncs) OnSyncFailure(e SyncFailure) {
	if f.Failure != nil {
		f.Failure(e)
	}
}

func (f ObserverFuncs) OnPendingCountChange(count int) {
	if f.PendingCount != nil {
		f.PendingCount(count)
	}
}

func (f ObserverFuncs) OnSyncPass(r PassResult) {
	if f.Pass != nil {
		f.Pass(r)
	}
}

// Subscription is returned by Subscribe.
type Subscription struct {
	cancel func()
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}
