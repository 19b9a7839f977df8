// Package queue provides the durable pending-operation log for writes that
// could not reach the network.
//
// The queue lives in its own SQLite file so that enqueueing keeps working
// when the cache store is unavailable. Entries are replayed in insertion
// order; an entry leaves the queue only when removed after a confirmed
// replay, moved to the dead-letter list, or purged by the caller.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mipyme/offline/internal/crypto"
	"github.com/mipyme/offline/internal/db"
	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/logging"
	"github.com/mipyme/offline/internal/models"
	"github.com/mipyme/offline/internal/uuid"
)

//go:embed migrations/*.sql
var migrations embed.FS

// File is the database file name used inside the namespace directory.
const File = "queue.db"

// sealedPrefix marks a headers column encrypted with the configured Sealer.
const sealedPrefix = "sealed:v1:"

var (
	// ErrNotFound is returned when no pending operation or dead letter has the id.
	ErrNotFound = apperrors.New(apperrors.ErrQueueNotFound, "operation not found")
	// ErrFull is returned by Enqueue when the configured maximum size is reached.
	ErrFull = apperrors.New(apperrors.ErrQueueFull, "queue is full")
)

const opColumns = `seq, id, method, http_method, target, body, headers, enqueued_at, retry_count, last_error, last_attempt_at, rejection_count`

// Stats is a snapshot of queue sizes.
type Stats struct {
	Pending     int `json:"pending"`
	DeadLetters int `json:"dead_letters"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithSealer encrypts captured headers at rest.
func WithSealer(s *crypto.Sealer) Option {
	return func(q *Queue) { q.sealer = s }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMaxSize caps the number of pending operations. Zero means unlimited.
func WithMaxSize(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

// Queue is the durable, FIFO pending-operation log.
type Queue struct {
	db *db.DB

	// mu serializes mutations so positions are assigned in call order.
	mu sync.Mutex

	pending atomic.Int64
	dead    atomic.Int64

	sealer  *crypto.Sealer
	now     func() time.Time
	maxSize int

	subsMu  sync.RWMutex
	subs    map[uint64]func(int)
	nextSub uint64

	log *logging.Logger
}

// Open opens or creates the queue database in dataDir and loads the counters.
func Open(ctx context.Context, dataDir string, opts ...Option) (*Queue, error) {
	conn, err := db.Open(ctx, dataDir, File)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open queue database", err)
	}
	if err := db.Migrate(ctx, conn.DB, migrations, "migrations"); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "migrate queue database", err)
	}

	q := &Queue{
		db:   conn,
		now:  time.Now,
		subs: make(map[uint64]func(int)),
		log:  logging.Named("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}

	var pending, dead int64
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&pending); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrQueueRead, "count pending operations", err)
	}
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&dead); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrQueueRead, "count dead letters", err)
	}
	q.pending.Store(pending)
	q.dead.Store(dead)

	return q, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends op to the log and returns its assigned id. ID, Seq and
// EnqueuedAt are set on op. Method is derived from HTTPMethod when empty.
func (q *Queue) Enqueue(ctx context.Context, op *models.PendingOperation) (string, error) {
	if err := validate(op); err != nil {
		return "", err
	}

	headers, err := q.encodeHeaders(op.Header)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.maxSize > 0 && int(q.pending.Load()) >= q.maxSize {
		q.mu.Unlock()
		return "", apperrors.Wrap(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.maxSize), nil)
	}

	id, err := uuid.NewOrdered()
	if err != nil {
		q.mu.Unlock()
		return "", apperrors.Wrap(apperrors.ErrQueueWrite, "assign operation id", err)
	}
	enqueuedAt := q.now().UnixMilli()

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_operations (id, method, http_method, target, body, headers, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(op.Method), op.HTTPMethod, op.Target, op.Body, headers, enqueuedAt)
	if err != nil {
		q.mu.Unlock()
		return "", apperrors.Wrap(apperrors.ErrQueueWrite, "enqueue operation", err)
	}
	seq, _ := res.LastInsertId()
	count := q.pending.Add(1)
	q.mu.Unlock()

	op.ID = id
	op.Seq = seq
	op.EnqueuedAt = enqueuedAt
	op.RetryCount = 0

	q.log.Info("Enqueued operation", map[string]interface{}{
		"id":     id,
		"method": op.HTTPMethod,
		"target": op.Target,
	})
	q.notify(int(count))
	return id, nil
}

func validate(op *models.PendingOperation) error {
	if op == nil {
		return apperrors.New(apperrors.ErrInvalid, "operation must not be nil")
	}
	op.HTTPMethod = strings.ToUpper(op.HTTPMethod)
	mapped, ok := models.MethodFromHTTP(op.HTTPMethod)
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("method %q cannot be queued", op.HTTPMethod))
	}
	if op.Method == "" {
		op.Method = mapped
	}
	if op.Method != mapped {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("method %s does not match HTTP method %s", op.Method, op.HTTPMethod))
	}
	if op.Target == "" {
		return apperrors.New(apperrors.ErrInvalid, "operation target must not be empty")
	}
	return nil
}

// ListAll returns pending operations oldest first. This is the replay order.
func (q *Queue) ListAll(ctx context.Context) ([]*models.PendingOperation, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+opColumns+` FROM pending_operations ORDER BY seq ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueRead, "list pending operations", err)
	}
	defer rows.Close()

	ops := []*models.PendingOperation{}
	var broken []brokenRow
	for rows.Next() {
		op, headers, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		if op.Header, err = q.decodeHeaders(headers); err != nil {
			broken = append(broken, brokenRow{id: op.ID, err: err})
			continue
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueRead, "list pending operations", err)
	}
	rows.Close()

	// The connection is free again; rows that can never be replayed leave
	// the replay order so they do not block the ones behind them.
	for _, b := range broken {
		q.log.ErrorWithCode("Unreadable pending operation", string(apperrors.CodeOf(b.err)), b.err,
			map[string]interface{}{"id": b.id})
		if err := q.DeadLetter(ctx, b.id, "unreadable captured headers: "+b.err.Error()); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return ops, nil
}

type brokenRow struct {
	id  string
	err error
}

// Get returns the pending operation with id, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*models.PendingOperation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM pending_operations WHERE id = ?`, id)
	op, err := q.scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

// Remove deletes the operation with id. Removing an unknown id is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		q.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("remove operation %s", id), err)
	}
	n, _ := res.RowsAffected()
	count := q.pending.Add(-n)
	q.mu.Unlock()

	if n > 0 {
		q.notify(int(count))
	}
	return nil
}

// Count returns the number of pending operations without touching storage.
func (q *Queue) Count() int {
	return int(q.pending.Load())
}

// DeadLetterCount returns the number of dead-lettered operations.
func (q *Queue) DeadLetterCount() int {
	return int(q.dead.Load())
}

// Stats returns pending and dead-letter counts.
func (q *Queue) Stats() Stats {
	return Stats{Pending: q.Count(), DeadLetters: q.DeadLetterCount()}
}

// MarkFailed records a failed replay attempt and returns the new retry count.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?
		WHERE id = ?`, reason, q.now().UnixMilli(), id)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("mark operation %s failed", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	var retries int
	if err := q.db.QueryRowContext(ctx,
		`SELECT retry_count FROM pending_operations WHERE id = ?`, id).Scan(&retries); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueRead, fmt.Sprintf("read retry count of %s", id), err)
	}
	return retries, nil
}

// MarkRejected records a replay the backend definitively rejected. It counts
// as a failed attempt too, and returns the new rejection count.
func (q *Queue) MarkRejected(ctx context.Context, id, reason string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET retry_count = retry_count + 1, rejection_count = rejection_count + 1,
		    last_error = ?, last_attempt_at = ?
		WHERE id = ?`, reason, q.now().UnixMilli(), id)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("mark operation %s rejected", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	var rejections int
	if err := q.db.QueryRowContext(ctx,
		`SELECT rejection_count FROM pending_operations WHERE id = ?`, id).Scan(&rejections); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueRead, fmt.Sprintf("read rejection count of %s", id), err)
	}
	return rejections, nil
}

// DeadLetter moves the operation with id out of the replay order into the
// dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	err := q.moveToDeadLetters(ctx, id, reason)
	count := q.Count()
	q.mu.Unlock()
	if err != nil {
		return err
	}

	q.log.Warn("Operation moved to dead letters", map[string]interface{}{"id": id, "reason": reason})
	q.notify(count)
	return nil
}

// moveToDeadLetters must be called with q.mu held.
func (q *Queue) moveToDeadLetters(ctx context.Context, id, reason string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, "begin dead-letter", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (`+opColumns+`, reason, dead_lettered_at)
		SELECT `+opColumns+`, ?, ? FROM pending_operations WHERE id = ?`,
		reason, q.now().UnixMilli(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("dead-letter operation %s", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("dead-letter operation %s", id), err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("dead-letter operation %s", id), err)
	}

	q.pending.Add(-1)
	q.dead.Add(1)
	return nil
}

// ListDeadLetters returns dead-lettered operations, oldest first.
func (q *Queue) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+opColumns+`, reason, dead_lettered_at FROM dead_letters ORDER BY dead_lettered_at ASC, seq ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueRead, "list dead letters", err)
	}
	defer rows.Close()

	letters := []*models.DeadLetter{}
	for rows.Next() {
		var (
			d       models.DeadLetter
			method  string
			headers string
		)
		if err := rows.Scan(&d.Seq, &d.ID, &method, &d.HTTPMethod, &d.Target, &d.Body, &headers,
			&d.EnqueuedAt, &d.RetryCount, &d.LastError, &d.LastAttemptAt, &d.RejectionCount,
			&d.Reason, &d.DeadLetteredAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueRead, "scan dead letter", err)
		}
		d.Method = models.Method(method)
		// Listing must work even when the headers cannot be opened, since
		// unreadable operations end up here. The stored column is untouched
		// so a requeue with the right key recovers them.
		if h, herr := q.decodeHeaders(headers); herr == nil {
			d.Header = h
		}
		letters = append(letters, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueRead, "list dead letters", err)
	}
	return letters, nil
}

// RequeueDeadLetter moves a dead letter back to the tail of the queue with
// its retry and rejection counts reset. It keeps its id.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	err := q.moveToPending(ctx, id)
	count := q.Count()
	q.mu.Unlock()
	if err != nil {
		return err
	}

	q.log.Info("Dead letter requeued", map[string]interface{}{"id": id})
	q.notify(count)
	return nil
}

// moveToPending must be called with q.mu held.
func (q *Queue) moveToPending(ctx context.Context, id string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, "begin requeue", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_operations (id, method, http_method, target, body, headers, enqueued_at)
		SELECT id, method, http_method, target, body, headers, enqueued_at FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("requeue operation %s", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("requeue operation %s", id), err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("requeue operation %s", id), err)
	}

	q.pending.Add(1)
	q.dead.Add(-1)
	return nil
}

// PurgeDeadLetters deletes every dead letter.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueWrite, "purge dead letters", err)
	}
	n, _ := res.RowsAffected()
	q.dead.Add(-n)
	return int(n), nil
}

// Purge deletes every pending operation. Only explicit caller action purges.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	q.mu.Lock()
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_operations`)
	if err != nil {
		q.mu.Unlock()
		return 0, apperrors.Wrap(apperrors.ErrQueueWrite, "purge queue", err)
	}
	n, _ := res.RowsAffected()
	count := q.pending.Add(-n)
	q.mu.Unlock()

	if n > 0 {
		q.log.Warn("Pending operations purged", map[string]interface{}{"removed": n})
		q.notify(int(count))
	}
	return int(n), nil
}

// OnCountChange registers fn to be called with the new pending count after
// every change. Callbacks run synchronously on the mutating goroutine and
// must not block. The returned function unsubscribes.
func (q *Queue) OnCountChange(fn func(count int)) (unsubscribe func()) {
	q.subsMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.subsMu.Lock()
			delete(q.subs, id)
			q.subsMu.Unlock()
		})
	}
}

func (q *Queue) notify(count int) {
	q.subsMu.RLock()
	fns := make([]func(int), 0, len(q.subs))
	for _, fn := range q.subs {
		fns = append(fns, fn)
	}
	q.subsMu.RUnlock()

	for _, fn := range fns {
		fn(count)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func (q *Queue) scanOperation(s scanner) (*models.PendingOperation, error) {
	op, headers, err := scanRow(s)
	if err != nil {
		return nil, err
	}
	if op.Header, err = q.decodeHeaders(headers); err != nil {
		return nil, err
	}
	return op, nil
}

// scanRow reads one opColumns row, leaving the headers column encoded.
func scanRow(s scanner) (*models.PendingOperation, string, error) {
	var (
		op      models.PendingOperation
		method  string
		headers string
	)
	err := s.Scan(&op.Seq, &op.ID, &method, &op.HTTPMethod, &op.Target, &op.Body, &headers,
		&op.EnqueuedAt, &op.RetryCount, &op.LastError, &op.LastAttemptAt, &op.RejectionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", err
	}
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrQueueRead, "scan pending operation", err)
	}
	op.Method = models.Method(method)
	return &op, headers, nil
}

func (q *Queue) encodeHeaders(h http.Header) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrQueueWrite, "encode headers", err)
	}
	if q.sealer == nil {
		return string(raw), nil
	}
	sealed, err := q.sealer.Seal(raw)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "seal headers", err)
	}
	return sealedPrefix + sealed, nil
}

func (q *Queue) decodeHeaders(s string) (http.Header, error) {
	if s == "" {
		return nil, nil
	}
	raw := []byte(s)
	if strings.HasPrefix(s, sealedPrefix) {
		if q.sealer == nil {
			return nil, apperrors.New(apperrors.ErrCryptoFailed, "headers are sealed but no header key is configured")
		}
		opened, err := q.sealer.Open(strings.TrimPrefix(s, sealedPrefix))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "open sealed headers", err)
		}
		raw = opened
	}

	var h http.Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueRead, "decode headers", err)
	}
	return h, nil
}
