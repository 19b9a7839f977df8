// Package sync replays queued write operations against the backend.
//
// A pass walks the pending-operation queue oldest first. Each entry is
// removed only after the backend confirms it; a connectivity-class failure
// ends the pass so later operations never overtake an earlier one.
package sync

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	gosync "sync"
	"time"

	"github.com/mipyme/offline/internal/cache"
	"github.com/mipyme/offline/internal/connectivity"
	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/interceptor"
	"github.com/mipyme/offline/internal/logging"
	"github.com/mipyme/offline/internal/models"
)

// DefaultMaxRetries is how many definitive rejections an operation gets
// before it is dead-lettered.
const DefaultMaxRetries = 5

// ErrClosed is returned by SyncNow after Close.
var ErrClosed = apperrors.New(apperrors.ErrSyncFailed, "sync engine is closed")

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusFailed means the last pass stopped early or errored.
	SyncStatusFailed SyncStatus = "failed"
)

// PassResult summarizes one sync pass.
type PassResult struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Attempted    int           `json:"attempted"`
	Replayed     int           `json:"replayed"`
	Rejected     int           `json:"rejected"`
	DeadLettered int           `json:"dead_lettered"`
	Remaining    int           `json:"remaining"`
	// Stopped is set when a connectivity-class failure ended the pass.
	Stopped bool   `json:"stopped"`
	Error   string `json:"error,omitempty"`
}

// Completed reports whether the pass walked the whole queue.
func (r *PassResult) Completed() bool {
	return !r.Stopped && r.Error == ""
}

// Queue is the part of the pending-operation queue the engine drives.
type Queue interface {
	ListAll(ctx context.Context) ([]*models.PendingOperation, error)
	Remove(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) (int, error)
	MarkRejected(ctx context.Context, id, reason string) (int, error)
	DeadLetter(ctx context.Context, id, reason string) error
	Count() int
	OnCountChange(fn func(count int)) (unsubscribe func())
}

// Sender makes one bounded network attempt.
type Sender interface {
	Send(ctx context.Context, method, target string, body []byte, header http.Header, withCredentials bool) (*interceptor.Result, error)
}

// FamilyResolver maps a write target to the cache families it invalidates.
type FamilyResolver interface {
	Families(key string) []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRetries sets how many definitive rejections dead-letter an operation.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithReresolveCredentials applies current credentials at replay instead of
// relying only on the captured headers.
func WithReresolveCredentials(on bool) Option {
	return func(e *Engine) { e.reresolve = on }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// flight is one scheduled or running pass.
type flight struct {
	done   chan struct{}
	result *PassResult
	err    error
}

// Engine drains the pending-operation queue. Safe for concurrent use.
type Engine struct {
	queue    Queue
	sender   Sender
	cache    cache.Store
	families FamilyResolver

	maxRetries int
	reresolve  bool
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu         gosync.Mutex
	closed     bool
	current    *flight
	next       *flight
	lastSync   *time.Time
	lastResult *PassResult
	lastErr    error

	obsMu     gosync.Mutex
	observers map[uint64]Observer
	nextObsID uint64

	unsubscribeQueue func()
	logger           *logging.Logger
}

// NewEngine creates an Engine. Pending count changes on q are forwarded to
// observers until Close.
func NewEngine(q Queue, sender Sender, store cache.Store, families FamilyResolver, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		queue:      q,
		sender:     sender,
		cache:      store,
		families:   families,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		observers:  make(map[uint64]Observer),
		logger:     logging.Named("sync"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.unsubscribeQueue = q.OnCountChange(e.notifyPendingCount)
	return e
}

// Trigger starts a pass unless one is running. While a pass runs, every
// Trigger call coalesces into a single follow-up pass. The returned channel
// is closed when the pass that will observe this call's state finishes.
func (e *Engine) Trigger() <-chan struct{} {
	return e.trigger().done
}

func (e *Engine) trigger() *flight {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		f := &flight{done: make(chan struct{}), err: ErrClosed}
		close(f.done)
		return f
	}
	if e.current == nil {
		e.current = &flight{done: make(chan struct{})}
		e.wg.Add(1)
		go e.run(e.current)
		return e.current
	}
	if e.next == nil {
		e.next = &flight{done: make(chan struct{})}
	}
	return e.next
}

// SyncNow triggers a pass and waits for it. Only ctx bounds the wait; the
// pass itself keeps running if ctx ends first.
func (e *Engine) SyncNow(ctx context.Context) (*PassResult, error) {
	f := e.trigger()
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) run(f *flight) {
	defer e.wg.Done()
	for {
		result := e.pass(e.ctx)
		e.notifyPass(*result)

		e.mu.Lock()
		f.result = result
		if result.Error != "" {
			f.err = apperrors.New(apperrors.ErrSyncFailed, result.Error)
		}
		close(f.done)

		if e.next == nil || e.closed {
			if e.next != nil {
				e.next.err = ErrClosed
				close(e.next.done)
				e.next = nil
			}
			e.current = nil
			e.mu.Unlock()
			return
		}
		f = e.next
		e.current = f
		e.next = nil
		e.mu.Unlock()
	}
}

// pass replays the queue once, oldest first.
func (e *Engine) pass(ctx context.Context) *PassResult {
	result := &PassResult{StartTime: e.now()}

	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		result.Remaining = e.queue.Count()

		e.mu.Lock()
		r := *result
		e.lastResult = &r
		if result.Completed() {
			end := result.EndTime
			e.lastSync = &end
			e.lastErr = nil
		} else if result.Error != "" {
			e.lastErr = apperrors.New(apperrors.ErrSyncFailed, result.Error)
		}
		e.mu.Unlock()

		e.logger.Info("Sync pass finished", map[string]interface{}{
			"attempted":     result.Attempted,
			"replayed":      result.Replayed,
			"rejected":      result.Rejected,
			"dead_lettered": result.DeadLettered,
			"remaining":     result.Remaining,
			"stopped":       result.Stopped,
			"duration_ms":   result.Duration.Milliseconds(),
		})
	}()

	ops, err := e.queue.ListAll(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("list pending operations: %v", err)
		return result
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			result.Stopped = true
			return result
		}
		result.Attempted++
		if !e.replay(ctx, op, result) {
			return result
		}
	}
	return result
}

// replay sends one operation and applies the outcome. It returns false when
// the pass must stop.
func (e *Engine) replay(ctx context.Context, op *models.PendingOperation, result *PassResult) bool {
	res, err := e.sender.Send(ctx, op.HTTPMethod, op.Target, op.Body, op.Header, e.reresolve)

	switch {
	case err != nil:
		if ctx.Err() != nil {
			result.Stopped = true
			return false
		}
		if interceptor.IsUnreachable(err) || apperrors.Is(err, apperrors.ErrCredentials) {
			e.retryLater(ctx, op, 0, err, result)
			return false
		}
		// the operation itself cannot be sent
		e.reject(ctx, op, 0, err.Error(), result)
		return result.Error == ""

	case res.OK():
		if err := e.queue.Remove(ctx, op.ID); err != nil {
			result.Error = fmt.Sprintf("remove replayed operation %s: %v", op.ID, err)
			return false
		}
		result.Replayed++
		invalidated := e.invalidate(ctx, op)
		e.logger.Info("Replayed operation", map[string]interface{}{
			"id":     op.ID,
			"method": op.HTTPMethod,
			"target": op.Target,
			"status": res.StatusCode,
		})
		e.notifySuccess(SyncSuccess{Operation: op, StatusCode: res.StatusCode, Invalidated: invalidated})
		return true

	case connectivity.IsFailureStatus(res.StatusCode) || res.StatusCode == http.StatusUnauthorized:
		code := apperrors.ErrSyncFailed
		if res.StatusCode == http.StatusUnauthorized {
			code = apperrors.ErrSyncAuthFailed
		}
		e.retryLater(ctx, op, res.StatusCode,
			apperrors.New(code, fmt.Sprintf("replay answered %d", res.StatusCode)), result)
		return false

	default:
		e.reject(ctx, op, res.StatusCode, truncate(res.Body, 512), result)
		return result.Error == ""
	}
}

// retryLater records a connectivity-class failure and stops the pass.
func (e *Engine) retryLater(ctx context.Context, op *models.PendingOperation, status int, cause error, result *PassResult) {
	result.Stopped = true
	retries, err := e.queue.MarkFailed(ctx, op.ID, cause.Error())
	if err != nil {
		e.logger.Warn("Failed to record replay failure", map[string]interface{}{
			"id":    op.ID,
			"error": err.Error(),
		})
		retries = op.RetryCount + 1
	}
	e.logger.Warn("Replay failed, stopping pass", map[string]interface{}{
		"id":     op.ID,
		"target": op.Target,
		"status": status,
		"error":  cause.Error(),
	})
	e.notifyFailure(SyncFailure{
		Operation:   op,
		StatusCode:  status,
		Err:         cause,
		Reason:      cause.Error(),
		RetryCount:  retries,
		Disposition: DispositionRetry,
	})
}

// reject records a definitive rejection and dead-letters the operation once
// it has been rejected maxRetries times. Earlier connectivity failures do not
// count toward that bound. The pass continues.
func (e *Engine) reject(ctx context.Context, op *models.PendingOperation, status int, detail string, result *PassResult) {
	result.Rejected++
	reason := fmt.Sprintf("replay rejected with %d: %s", status, detail)
	cause := apperrors.New(apperrors.ErrSyncRejected, reason)

	rejections, err := e.queue.MarkRejected(ctx, op.ID, reason)
	if err != nil {
		result.Error = fmt.Sprintf("record rejection of %s: %v", op.ID, err)
		return
	}
	retries := op.RetryCount + 1

	disposition := DispositionRetry
	if rejections >= e.maxRetries {
		if err := e.queue.DeadLetter(ctx, op.ID, reason); err != nil {
			result.Error = fmt.Sprintf("dead-letter %s: %v", op.ID, err)
			return
		}
		disposition = DispositionDeadLetter
		result.DeadLettered++
	}

	e.logger.Warn("Replay rejected", map[string]interface{}{
		"id":          op.ID,
		"target":      op.Target,
		"status":      status,
		"retries":     retries,
		"rejections":  rejections,
		"disposition": string(disposition),
	})
	e.notifyFailure(SyncFailure{
		Operation:   op,
		StatusCode:  status,
		Err:         cause,
		Reason:      reason,
		RetryCount:  retries,
		Disposition: disposition,
	})
}

// invalidate drops the cache families of a replayed write.
func (e *Engine) invalidate(ctx context.Context, op *models.PendingOperation) []string {
	if e.cache == nil || e.families == nil {
		return nil
	}
	key, err := cache.NormalizeTarget(op.Target)
	if err != nil {
		return nil
	}
	families := e.families.Families(key)
	if _, err := cache.Invalidate(ctx, e.cache, families); err != nil {
		e.logger.Warn("Cache invalidation after replay failed", map[string]interface{}{
			"id":       op.ID,
			"families": families,
			"error":    err.Error(),
		})
	}
	return families
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Subscribe registers obs for sync events.
func (e *Engine) Subscribe(obs Observer) *Subscription {
	e.obsMu.Lock()
	id := e.nextObsID
	e.nextObsID++
	e.observers[id] = obs
	e.obsMu.Unlock()

	var once gosync.Once
	return &Subscription{cancel: func() {
		once.Do(func() {
			e.obsMu.Lock()
			delete(e.observers, id)
			e.obsMu.Unlock()
		})
	}}
}

func (e *Engine) snapshot() []Observer {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	ids := make([]uint64, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.observers[id])
	}
	return out
}

func (e *Engine) each(fn func(Observer)) {
	for _, obs := range e.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("Sync observer panicked", map[string]interface{}{"panic": r})
				}
			}()
			fn(obs)
		}()
	}
}

func (e *Engine) notifySuccess(ev SyncSuccess) {
	e.each(func(o Observer) { o.OnSyncSuccess(ev) })
}

func (e *Engine) notifyFailure(ev SyncFailure) {
	e.each(func(o Observer) { o.OnSyncFailure(ev) })
}

func (e *Engine) notifyPendingCount(count int) {
	e.each(func(o Observer) { o.OnPendingCountChange(count) })
}

func (e *Engine) notifyPass(r PassResult) {
	e.each(func(o Observer) {
		if po, ok := o.(PassObserver); ok {
			po.OnSyncPass(r)
		}
	})
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.current != nil:
		return SyncStatusSyncing
	case e.lastResult != nil && !e.lastResult.Completed():
		return SyncStatusFailed
	default:
		return SyncStatusIdle
	}
}

// LastSync returns when the last pass that walked the whole queue ended.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// LastResult returns the summary of the most recent pass.
func (e *Engine) LastResult() *PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult == nil {
		return nil
	}
	r := *e.lastResult
	return &r
}

// PendingChanges returns the number of queued operations.
func (e *Engine) PendingChanges() int {
	return e.queue.Count()
}

// LastError returns the error of the last pass that failed locally.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Close cancels a running pass, waits for it and stops forwarding queue
// count changes. Queued operations stay in the queue.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.unsubscribeQueue()
	return nil
}
