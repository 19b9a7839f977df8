// Package handlers provides the REST handlers of the desktop gateway.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/logging"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Named("gateway").Warn("Failed to write response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeError maps coded errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.CodeOf(err)
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrQueueNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCredentials, apperrors.ErrSyncAuthFailed:
		status = http.StatusUnauthorized
	case apperrors.ErrNetworkUnavailable:
		status = http.StatusBadGateway
	case apperrors.ErrNetworkTimeout:
		status = http.StatusGatewayTimeout
	case apperrors.ErrQueueFull, apperrors.ErrCacheQuotaExceeded:
		status = http.StatusInsufficientStorage
	case apperrors.ErrSyncFailed:
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		// client went away
		status = 499
	}
	if status >= 500 {
		logging.Named("gateway").ErrorWithCode("Request failed", string(code), err, nil)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: string(code)})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
