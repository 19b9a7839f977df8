package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mipyme/offline/internal/offline"
	"github.com/mipyme/offline/internal/sync/queue"
	"github.com/mipyme/offline/internal/sync/scheduler"
	"github.com/mipyme/offline/internal/telemetry"
)

// SyncHandler exposes offline state, manual sync and connectivity signals.
type SyncHandler struct {
	rt *offline.Runtime
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(rt *offline.Runtime) *SyncHandler {
	return &SyncHandler{rt: rt}
}

// StatusResponse is the body of GET /offline/status.
type StatusResponse struct {
	offline.State
	Namespace     string                    `json:"namespace"`
	CacheBytes    int64                     `json:"cache_bytes"`
	CacheSize     string                    `json:"cache_size"`
	LastSyncHuman string                    `json:"last_sync_human,omitempty"`
	Queue         queue.Stats               `json:"queue"`
	Scheduler     scheduler.SchedulerStatus `json:"scheduler"`
	Metrics       telemetry.Snapshot        `json:"metrics"`
}

// Status handles GET /offline/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	size, err := h.rt.CacheSize(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := StatusResponse{
		State:      h.rt.State(),
		Namespace:  h.rt.Config().Namespace,
		CacheBytes: size,
		CacheSize:  humanize.Bytes(uint64(size)),
		Queue:      h.rt.Queue().Stats(),
		Scheduler:  h.rt.Scheduler().GetStatus(),
		Metrics:    h.rt.Metrics(),
	}
	if resp.LastSyncTime != nil {
		resp.LastSyncHuman = humanize.Time(*resp.LastSyncTime)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncNow handles POST /offline/sync
// Runs a sync pass and returns its summary.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	result, err := h.rt.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":  result,
		"pending": h.rt.Queue().Count(),
	})
}

// Probe handles POST /offline/probe
func (h *SyncHandler) Probe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	online := h.rt.Probe(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":     online,
		"checked_at": time.Now().UTC(),
	})
}

// SetConnectivity handles POST /offline/connectivity
// The desktop shell forwards platform network-change signals here.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}

	h.rt.Monitor().SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, h.rt.State())
}
