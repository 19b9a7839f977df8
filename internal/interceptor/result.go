package interceptor

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/router"
)

// Result is what Do returns for every request, real or synthesized.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FromCache is set when the body was served from the cache store.
	FromCache bool
	// Offline is set when the backend could not be reached.
	Offline bool
	// Queued is set when a write was stored for later replay.
	Queued      bool
	OperationID string
	// StoredAt is when a cached body was stored; zero otherwise.
	StoredAt time.Time
	Kind     router.Kind

	// CacheError is set when a successful read could not be stored. The
	// response itself is still valid.
	CacheError error
}

// OK reports a 2xx status.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into v.
func (r *Result) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "decode response body", err)
	}
	return nil
}

// unavailableBody is returned when a read fails and nothing is cached.
type unavailableBody struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

// queuedBody is returned for writes stored for replay.
type queuedBody struct {
	Message     string `json:"message"`
	Offline     bool   `json:"offline"`
	Queued      bool   `json:"queued"`
	OperationID string `json:"operation_id"`
}

func jsonResult(kind router.Kind, status int, v interface{}) *Result {
	body, _ := json.Marshal(v)
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Result{StatusCode: status, Header: h, Body: body, Kind: kind}
}

func unavailable(kind router.Kind) *Result {
	res := jsonResult(kind, http.StatusServiceUnavailable, unavailableBody{
		Error:   "Data not available offline",
		Offline: true,
	})
	res.Offline = true
	return res
}

func queued(kind router.Kind, id string) *Result {
	res := jsonResult(kind, http.StatusOK, queuedBody{
		Message:     "Operation saved. It will sync when the connection returns.",
		Offline:     true,
		Queued:      true,
		OperationID: id,
	})
	res.Offline = true
	res.Queued = true
	res.OperationID = id
	return res
}
