package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/registry"
	"github.com/baseliner/backend/internal/token"
)

// Tenant resolution. Requests name a tenant via X-Tenant-ID; absent or
// blank means the built-in default tenant.
func ResolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if raw := r.Header.Get("X-Tenant-ID"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				WriteError(w, r, core.E(core.KindInputMalformed, "invalid X-Tenant-ID"))
				return
			}
			ctx = WithTenant(ctx, id)
		} else {
			ctx = WithTenant(ctx, core.DefaultTenantID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminAuth guards the admin surface with a shared key presented in
// X-Admin-Key. Comparison is constant time.
func AdminAuth(tokens *token.Service, adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Admin-Key")
			if key == "" {
				WriteError(w, r, core.E(core.KindAuthMissing, "missing X-Admin-Key"))
				return
			}
			if !tokens.AdminKeyMatches(key, adminKey) {
				WriteError(w, r, core.E(core.KindAuthInvalid, "invalid admin key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DeviceAuth authenticates the device surface via Authorization: Bearer.
// On success the device and token land in the request context.
func DeviceAuth(reg *registry.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			device, tok, err := reg.Authenticate(r.Context(), raw)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			ctx := WithDevice(r.Context(), device, tok)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", core.E(core.KindAuthMissing, "missing Authorization header")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", core.E(core.KindAuthInvalid, "malformed Authorization header")
	}
	return parts[1], nil
}
