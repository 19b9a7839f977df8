package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mipyme/offline/internal/models"
	"github.com/mipyme/offline/internal/offline"
)

// QueueHandler exposes the pending-operation queue, the dead-letter list
// and the cache store.
type QueueHandler struct {
	rt *offline.Runtime
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(rt *offline.Runtime) *QueueHandler {
	return &QueueHandler{rt: rt}
}

// OperationView is a queued operation as shown to the UI. Captured header
// values may hold credentials, so only their names are listed.
type OperationView struct {
	ID          string   `json:"id"`
	Method      string   `json:"method"`
	HTTPMethod  string   `json:"http_method"`
	Target      string   `json:"target"`
	BodyBytes   int      `json:"body_bytes"`
	HeaderNames []string `json:"header_names,omitempty"`
	EnqueuedAt  string   `json:"enqueued_at"`
	Age         string   `json:"age"`
	RetryCount  int      `json:"retry_count"`
	Rejections  int      `json:"rejection_count"`
	LastError   string   `json:"last_error,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

func viewOf(op *models.PendingOperation) OperationView {
	names := make([]string, 0, len(op.Header))
	for k := range op.Header {
		names = append(names, k)
	}
	sort.Strings(names)

	enqueued := op.EnqueuedAtTime()
	return OperationView{
		ID:          op.ID,
		Method:      string(op.Method),
		HTTPMethod:  op.HTTPMethod,
		Target:      op.Target,
		BodyBytes:   len(op.Body),
		HeaderNames: names,
		EnqueuedAt:  enqueued.UTC().Format(time.RFC3339),
		Age:         humanize.Time(enqueued),
		RetryCount:  op.RetryCount,
		Rejections:  op.RejectionCount,
		LastError:   op.LastError,
	}
}

// Queue handles GET and DELETE /offline/queue
// GET lists pending operations in replay order; DELETE purges them.
func (h *QueueHandler) Queue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ops, err := h.rt.Queue().ListAll(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]OperationView, 0, len(ops))
		for _, op := range ops {
			views = append(views, viewOf(op))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":      len(views),
			"operations": views,
		})

	case http.MethodDelete:
		n, err := h.rt.Queue().Purge(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n})

	default:
		methodNotAllowed(w)
	}
}

// DeadLetters handles GET and DELETE /offline/dead-letters
func (h *QueueHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		dead, err := h.rt.Queue().ListDeadLetters(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]OperationView, 0, len(dead))
		for _, d := range dead {
			v := viewOf(&d.PendingOperation)
			v.Reason = d.Reason
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":        len(views),
			"dead_letters": views,
		})

	case http.MethodDelete:
		n, err := h.rt.Queue().PurgeDeadLetters(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n})

	default:
		methodNotAllowed(w)
	}
}

// Requeue handles POST /offline/dead-letters/{id}/requeue
// The operation goes back to the tail of the queue and a sync is requested.
func (h *QueueHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		id = strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/offline/dead-letters/"), "/requeue")
	}
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := h.rt.Queue().RequeueDeadLetter(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.rt.RequestSync()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requeued": id,
		"pending":  h.rt.Queue().Count(),
	})
}

// Cache handles GET and DELETE /offline/cache
// GET reports the cache size; DELETE clears it. Pending operations are
// never touched.
func (h *QueueHandler) Cache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		size, err := h.rt.CacheSize(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"bytes": size,
			"human": humanize.Bytes(uint64(size)),
		})

	case http.MethodDelete:
		n, err := h.rt.ClearCache(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n})

	default:
		methodNotAllowed(w)
	}
}
