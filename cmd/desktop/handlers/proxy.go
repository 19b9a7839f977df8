package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mipyme/offline/internal/offline"
)

// Response headers describing how the gateway answered.
const (
	HeaderFromCache   = "X-From-Cache"
	HeaderOffline     = "X-Offline"
	HeaderQueued      = "X-Queued"
	HeaderOperationID = "X-Operation-Id"
	HeaderCachedAt    = "X-Cached-At"
)

// responseSkip lists headers the gateway never copies from the backend.
var responseSkip = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Upgrade":           true,
}

// ProxyHandler forwards application requests through the offline runtime.
type ProxyHandler struct {
	rt *offline.Runtime
}

// NewProxyHandler creates a new ProxyHandler.
func NewProxyHandler(rt *offline.Runtime) *ProxyHandler {
	return &ProxyHandler{rt: rt}
}

// ServeHTTP handles /api/*
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := h.rt.Do(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	out := w.Header()
	for k, v := range res.Header {
		if responseSkip[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	if res.FromCache {
		out.Set(HeaderFromCache, "true")
		if !res.StoredAt.IsZero() {
			out.Set(HeaderCachedAt, res.StoredAt.UTC().Format(time.RFC1123))
		}
	}
	if res.Offline {
		out.Set(HeaderOffline, "true")
	}
	if res.Queued {
		out.Set(HeaderQueued, "true")
		out.Set(HeaderOperationID, res.OperationID)
	}
	out.Set("Content-Length", strconv.Itoa(len(res.Body)))

	w.WriteHeader(res.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.Body)
	}
}
