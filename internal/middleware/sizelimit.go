package middleware

import (
	"net/http"

	"github.com/baseliner/backend/internal/core"
)

// BodyLimit caps request bodies at maxBytes. A declared Content-Length over
// the cap is rejected before reading; bodies that lie about their length
// fail inside the handler's decoder via MaxBytesReader.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteError(w, r, core.Ef(core.KindInputTooLarge,
					"request body exceeds %d bytes", maxBytes).
					WithDetails(map[string]interface{}{"max_bytes": maxBytes}))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
