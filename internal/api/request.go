package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/baseliner/backend/internal/audit"
	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/middleware"
)

// decodeJSON reads the request body into v. Unknown fields are tolerated;
// size overruns surface as input.too_large, everything else as
// input.malformed.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return core.Ef(core.KindInputTooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		return core.Wrap(core.KindInputMalformed, "invalid JSON body", err)
	}
	return nil
}

// pathUUID parses a uuid path variable.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := mux.Vars(r)[name]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, core.Ef(core.KindInputMalformed, "invalid %s", name)
	}
	return id, nil
}

// pageParams reads limit/offset with sane bounds.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// adminAuditContext attributes an admin mutation. The actor id is the
// domain-separated hash of the presented key, never the key itself.
func (s *Server) adminAuditContext(r *http.Request) audit.Context {
	return audit.Context{
		TenantID:      middleware.Tenant(r.Context()),
		Actor:         audit.ActorAdmin,
		ActorID:       s.tokens.HashAdminKey(r.Header.Get("X-Admin-Key"))[:16],
		RequestMethod: r.Method,
		RequestPath:   r.URL.Path,
		RemoteAddr:    r.RemoteAddr,
		CorrelationID: middleware.CorrelationID(r.Context()),
	}
}

// deviceAuditContext attributes a device-initiated mutation.
func deviceAuditContext(r *http.Request, actorID string) audit.Context {
	return audit.Context{
		TenantID:      middleware.Tenant(r.Context()),
		Actor:         audit.ActorDevice,
		ActorID:       actorID,
		RequestMethod: r.Method,
		RequestPath:   r.URL.Path,
		RemoteAddr:    r.RemoteAddr,
		CorrelationID: middleware.CorrelationID(r.Context()),
	}
}
