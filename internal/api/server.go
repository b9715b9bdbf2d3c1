// Package api wires the HTTP surface: routing, per-route middleware stacks
// and the request handlers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baseliner/backend/internal/audit"
	"github.com/baseliner/backend/internal/config"
	"github.com/baseliner/backend/internal/ingest"
	"github.com/baseliner/backend/internal/maintenance"
	"github.com/baseliner/backend/internal/middleware"
	"github.com/baseliner/backend/internal/registry"
	"github.com/baseliner/backend/internal/store"
	"github.com/baseliner/backend/internal/token"
)

// Server holds the handler dependencies.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	tokens   *token.Service
	registry *registry.Service
	ingester *ingest.Ingester
	pruner   *maintenance.Pruner
	auditor  *audit.Recorder
	limiter  *middleware.ScopedLimiter
}

func NewServer(cfg *config.Config, st *store.Store, tokens *token.Service,
	reg *registry.Service, ing *ingest.Ingester, pruner *maintenance.Pruner,
	auditor *audit.Recorder, limiter *middleware.ScopedLimiter) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		tokens:   tokens,
		registry: reg,
		ingester: ing,
		pruner:   pruner,
		auditor:  auditor,
		limiter:  limiter,
	}
}

// Router builds the full route table. Middleware order on guarded routes:
// correlation, tenant resolution, body cap, authentication, rate limit (the
// limiter runs after auth so it can key by device), deadline, handler.
func (s *Server) Router() *mux.Router {
	root := mux.NewRouter()
	root.Use(middleware.Correlation(s.cfg.Server.LogRequests))

	root.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Server.MetricsEnabled {
		root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	api := root.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.ResolveTenant)

	defaultCap := middleware.BodyLimit(s.cfg.Limits.MaxBodyBytesDefault)
	reportCap := middleware.BodyLimit(s.cfg.Limits.MaxBodyBytesReports)
	deviceAuth := middleware.DeviceAuth(s.registry)
	adminAuth := middleware.AdminAuth(s.tokens, s.cfg.Auth.AdminKey)
	rateLimit := s.rateLimit()
	deadline := withDeadline(s.cfg.RequestTimeout())
	reportDeadline := withDeadline(s.cfg.ReportTimeout())

	// Anonymous device surface.
	api.Handle("/enroll",
		chain(http.HandlerFunc(s.handleEnroll), defaultCap, rateLimit, deadline)).
		Methods(http.MethodPost)

	// Authenticated device surface.
	device := api.PathPrefix("/device").Subrouter()
	device.Handle("/policy",
		chain(http.HandlerFunc(s.handleDevicePolicy), deviceAuth, rateLimit, deadline)).
		Methods(http.MethodGet)
	device.Handle("/reports",
		chain(http.HandlerFunc(s.handleDeviceReport), reportCap, deviceAuth, rateLimit, reportDeadline)).
		Methods(http.MethodPost)

	// Admin surface.
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(adminAuth, defaultCap, deadline)

	admin.HandleFunc("/enroll-tokens", s.handleMintEnrollToken).Methods(http.MethodPost)
	admin.HandleFunc("/enroll-tokens", s.handleListEnrollTokens).Methods(http.MethodGet)
	admin.HandleFunc("/enroll-tokens/{id}/revoke", s.handleRevokeEnrollToken).Methods(http.MethodPost)

	admin.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{id}/debug", s.handleDeviceDebug).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{id}", s.handleDeleteDevice).Methods(http.MethodDelete)
	admin.HandleFunc("/devices/{id}/restore", s.handleRestoreDevice).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/revoke-token", s.handleRotateToken).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/tokens", s.handleListDeviceTokens).Methods(http.MethodGet)

	admin.HandleFunc("/policies", s.handleUpsertPolicy).Methods(http.MethodPost)
	admin.HandleFunc("/policies", s.handleListPolicies).Methods(http.MethodGet)
	admin.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods(http.MethodGet)

	admin.HandleFunc("/assign-policy", s.handleAssignPolicy).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/assignments", s.handleListAssignments).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{id}/assignments", s.handleClearAssignments).Methods(http.MethodDelete)
	admin.HandleFunc("/devices/{id}/assignments/{policy_id}", s.handleDeleteAssignment).Methods(http.MethodDelete)

	admin.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	admin.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)

	admin.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)
	admin.HandleFunc("/maintenance/prune", s.handlePrune).Methods(http.MethodPost)

	return root
}

func (s *Server) rateLimit() func(http.Handler) http.Handler {
	if !s.cfg.RateLimit.Enabled || s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimit(s.limiter)
}

// chain applies middleware left to right: the first listed runs outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// withDeadline bounds a request's context. Handlers observe the cancelled
// context through their database calls and surface server.timeout.
func withDeadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
