package models

import (
	"net/http"
	"strings"
	"time"
)

// Method is the logical kind of a queued write.
type Method string

const (
	MethodCreate Method = "CREATE"
	MethodUpdate Method = "UPDATE"
	MethodDelete Method = "DELETE"
)

// MethodFromHTTP maps a non-idempotent HTTP verb to its logical Method.
// The second result is false for read or unknown verbs.
func MethodFromHTTP(verb string) (Method, bool) {
	switch strings.ToUpper(verb) {
	case http.MethodPost:
		return MethodCreate, true
	case http.MethodPut, http.MethodPatch:
		return MethodUpdate, true
	case http.MethodDelete:
		return MethodDelete, true
	default:
		return "", false
	}
}

// PendingOperation is a write that could not reach the network and waits
// in the queue for replay.
type PendingOperation struct {
	Seq        int64       `db:"seq" json:"-"`
	ID         string      `db:"id" json:"id"`
	Method     Method      `db:"method" json:"method"`
	HTTPMethod string      `db:"http_method" json:"http_method"` // exact verb, PUT and PATCH both map to UPDATE
	Target     string      `db:"target" json:"target"`           // path and query, relative to the backend base URL
	Body       []byte      `db:"body" json:"body,omitempty"`
	Header     http.Header `db:"headers" json:"headers,omitempty"`
	EnqueuedAt int64       `db:"enqueued_at" json:"enqueued_at"` // ms since epoch
	RetryCount int         `db:"retry_count" json:"retry_count"`
	LastError  string      `db:"last_error" json:"last_error,omitempty"`
	// RejectionCount counts the definitive rejections among RetryCount
	// attempts. Only rejections lead to dead-lettering.
	RejectionCount int `db:"rejection_count" json:"rejection_count"`
	// LastAttemptAt is 0 until the first replay attempt.
	LastAttemptAt int64 `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (p *PendingOperation) EnqueuedAtTime() time.Time {
	return time.UnixMilli(p.EnqueuedAt)
}

// LastAttemptTime returns LastAttemptAt as time.Time, or the zero time.
func (p *PendingOperation) LastAttemptTime() time.Time {
	if p.LastAttemptAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.LastAttemptAt)
}

// DeadLetter is an operation that stopped being retried automatically.
type DeadLetter struct {
	PendingOperation
	Reason         string `db:"reason" json:"reason"`
	DeadLetteredAt int64  `db:"dead_lettered_at" json:"dead_lettered_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}
