// Package httpserver exposes the intent API and the admin surface over chi.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
)

// errorBody is the stable error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// codeFor maps domain sentinels onto HTTP status and stable error codes.
func codeFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "INSTANCE_NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "DUPLICATE_INSTANCE_NAME"
	case errors.Is(err, domain.ErrNotStartable):
		return http.StatusConflict, "INSTANCE_NOT_STARTABLE"
	case errors.Is(err, domain.ErrNotDeletable):
		return http.StatusConflict, "INSTANCE_NOT_DELETABLE"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "CIRCUIT_BREAKER_OPEN"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "REQUEST_TIMEOUT"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrFeatureDisabled):
		return http.StatusForbidden, "FEATURE_DISABLED"
	case errors.Is(err, domain.ErrCache):
		return http.StatusInternalServerError, "CACHE_ERROR"
	case errors.Is(err, domain.ErrProvider):
		return http.StatusBadGateway, "PROVIDER_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	}
}

// writeError renders the envelope and logs server-side failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := codeFor(err)
	if status >= 500 {
		obs.LoggerFromContext(r.Context()).Error("request failed",
			"path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}
