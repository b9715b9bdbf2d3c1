package middleware

import (
	"fmt"
	"log"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/baseliner/backend/internal/monitoring"
)

// correlationIDPattern bounds accepted client-sent correlation ids.
var correlationIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Correlation assigns each request a correlation id, echoes it on the
// response, and emits the per-request log line and metrics. A client-sent
// X-Correlation-ID is honored when it matches the accepted pattern;
// anything else is replaced rather than rejected. logRequests toggles the
// per-request log line; metrics record regardless.
func Correlation(logRequests bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cid := r.Header.Get("X-Correlation-ID")
			if !correlationIDPattern.MatchString(cid) {
				cid = uuid.NewString()
			}

			w.Header().Set("X-Correlation-ID", cid)
			ctx := WithCorrelationID(r.Context(), cid)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))
			elapsed := time.Since(start)

			route := routeTemplate(r)
			if logRequests {
				log.Printf("[HTTP] %s %s %d %s cid=%s", r.Method, r.URL.Path, rec.status, elapsed, cid)
			}
			monitoring.HTTPRequestsTotal.WithLabelValues(route, r.Method, fmt.Sprintf("%d", rec.status)).Inc()
			monitoring.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
		})
	}
}

// routeTemplate returns the mux route pattern so metrics do not explode on
// path parameters.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
