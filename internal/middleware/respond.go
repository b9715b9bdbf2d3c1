package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/baseliner/backend/internal/core"
)

// ErrorBody is the wire error envelope.
type ErrorBody struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorEnvelope wraps every non-2xx JSON response.
type ErrorEnvelope struct {
	Error         ErrorBody `json:"error"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind core.Kind) int {
	switch kind {
	case core.KindAuthMissing, core.KindAuthInvalid:
		return http.StatusUnauthorized
	case core.KindAuthRevoked, core.KindAuthDeviceInactive:
		return http.StatusForbidden
	case core.KindInputMalformed:
		return http.StatusBadRequest
	case core.KindInputSchema:
		return http.StatusUnprocessableEntity
	case core.KindInputTooLarge:
		return http.StatusRequestEntityTooLarge
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("[HTTP] encode response: %v", err)
		}
	}
}

// WriteError maps err to its status and writes the error envelope. Internal
// errors log the cause and surface a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	if kind == core.KindInternal && errors.Is(err, context.DeadlineExceeded) {
		kind = core.KindTimeout
	}
	status := StatusFor(kind)

	body := ErrorBody{Type: string(kind), Message: err.Error()}
	var de *core.Error
	if errors.As(err, &de) {
		body.Message = de.Message
		body.Details = de.Details
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[HTTP] %s %s failed: %v", r.Method, r.URL.Path, err)
		body.Message = "internal server error"
		body.Details = nil
	}

	WriteJSON(w, status, ErrorEnvelope{
		Error:         body,
		CorrelationID: CorrelationID(r.Context()),
	})
}
