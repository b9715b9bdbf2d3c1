package api

import (
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/ingest"
	"github.com/baseliner/backend/internal/middleware"
	"github.com/baseliner/backend/internal/monitoring"
	"github.com/baseliner/backend/internal/policy"
	"github.com/baseliner/backend/internal/registry"
)

// enrollResponse returns the minted bearer token exactly once.
type enrollResponse struct {
	Device *core.Device `json:"device"`
	Token  string       `json:"token"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req registry.EnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	res, err := s.registry.Enroll(r.Context(), deviceAuditContext(r, req.DeviceKey), req)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, enrollResponse{
		Device: res.Device,
		Token:  res.RawToken,
	})
}

func (s *Server) handleDevicePolicy(w http.ResponseWriter, r *http.Request) {
	device := middleware.Device(r.Context())

	compiled, err := s.compileForDevice(r, device)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, compiled)
}

// compileForDevice runs the compiler against a repeatable-read snapshot so
// concurrent policy edits cannot produce a torn document.
func (s *Server) compileForDevice(r *http.Request, device *core.Device) (*policy.Compiled, error) {
	var compiled *policy.Compiled
	start := time.Now()
	err := s.store.WithReadTx(r.Context(), func(tx *sqlx.Tx) error {
		inputs, err := s.store.CompileInputs(r.Context(), tx, device.TenantID, device.ID)
		if err != nil {
			return err
		}
		compiled, err = policy.Compile(inputs)
		return err
	})
	if err != nil {
		return nil, err
	}
	monitoring.CompileDuration.Observe(time.Since(start).Seconds())
	monitoring.CompileConflicts.Observe(float64(len(compiled.Conflicts)))
	return compiled, nil
}

type reportResponse struct {
	RunID     string `json:"run_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Server) handleDeviceReport(w http.ResponseWriter, r *http.Request) {
	device := middleware.Device(r.Context())
	tok := middleware.DeviceToken(r.Context())

	var report ingest.Report
	if err := decodeJSON(r, &report); err != nil {
		monitoring.IngestReports.WithLabelValues("rejected").Inc()
		middleware.WriteError(w, r, err)
		return
	}
	if report.CorrelationID == "" {
		// The request correlation id doubles as the idempotency key. Take
		// the validated value from the context, never the raw header: the
		// header may be oversized or malformed, and the key must match the
		// id echoed on the response.
		report.CorrelationID = middleware.CorrelationID(r.Context())
	}

	res, err := s.ingester.Ingest(r.Context(), device, tok, &report)
	if err != nil {
		outcome := "error"
		if middleware.StatusFor(core.KindOf(err)) < http.StatusInternalServerError {
			outcome = "rejected"
		}
		monitoring.IngestReports.WithLabelValues(outcome).Inc()
		middleware.WriteError(w, r, err)
		return
	}
	monitoring.IngestItems.Observe(float64(len(report.Items)))

	if res.Duplicate {
		monitoring.IngestReports.WithLabelValues("duplicate").Inc()
		middleware.WriteJSON(w, http.StatusOK, reportResponse{RunID: res.RunID.String(), Duplicate: true})
		return
	}
	monitoring.IngestReports.WithLabelValues("committed").Inc()
	middleware.WriteJSON(w, http.StatusCreated, reportResponse{RunID: res.RunID.String()})
}
