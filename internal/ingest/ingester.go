// Package ingest persists device run reports. A report (run header, items,
// logs) is written in a single transaction: either every row commits or
// none do. Reports carrying a correlation id are ingested at most once per
// (device, correlation id).
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/monitoring"
	"github.com/baseliner/backend/internal/store"
)

// Limits bounds a single report.
type Limits struct {
	MaxItems int
	MaxLogs  int
}

// Ingester writes run reports.
type Ingester struct {
	store  *store.Store
	limits Limits
}

func New(s *store.Store, limits Limits) *Ingester {
	return &Ingester{store: s, limits: limits}
}

// ReportItem is one resource outcome in the posted report. Ordinals are
// assigned from body order server-side; any client-sent ordinal is ignored.
type ReportItem struct {
	ResourceType    string       `json:"resource_type"`
	ResourceID      string       `json:"resource_id"`
	Name            string       `json:"name"`
	StatusDetect    string       `json:"status_detect"`
	StatusRemediate string       `json:"status_remediate"`
	StatusValidate  string       `json:"status_validate"`
	CompliantBefore *bool        `json:"compliant_before"`
	CompliantAfter  *bool        `json:"compliant_after"`
	Changed         bool         `json:"changed"`
	RebootRequired  bool         `json:"reboot_required"`
	StartedAt       *time.Time   `json:"started_at"`
	EndedAt         *time.Time   `json:"ended_at"`
	Evidence        core.JSONMap `json:"evidence"`
	Error           core.JSONMap `json:"error"`
}

// ReportLog is one log line in the posted report.
type ReportLog struct {
	TS             *time.Time   `json:"ts"`
	Level          string       `json:"level"`
	Message        string       `json:"message"`
	Data           core.JSONMap `json:"data"`
	RunItemOrdinal *int         `json:"run_item_ordinal"`
}

// Report is the device-posted run report body.
type Report struct {
	StartedAt           time.Time       `json:"started_at"`
	EndedAt             *time.Time      `json:"ended_at"`
	Status              string          `json:"status"`
	AgentVersion        string          `json:"agent_version"`
	EffectivePolicyHash string          `json:"effective_policy_hash"`
	PolicySnapshot      json.RawMessage `json:"policy_snapshot"`
	Summary             core.JSONMap    `json:"summary"`
	Items               []ReportItem    `json:"items"`
	Logs                []ReportLog     `json:"logs"`
	CorrelationID       string          `json:"correlation_id"`
}

// Result is the ingest outcome. Duplicate is true when an earlier report
// with the same correlation id already committed; RunID then names that run.
type Result struct {
	RunID     uuid.UUID
	Duplicate bool
}

var validRunStatus = map[core.RunStatus]bool{
	core.RunSucceeded: true,
	core.RunPartial:   true,
	core.RunFailed:    true,
	core.RunError:     true,
}

// Ingest validates and persists a report for the authenticated device.
func (i *Ingester) Ingest(ctx context.Context, device *core.Device, tok *core.DeviceAuthToken, report *Report) (*Result, error) {
	if err := i.validate(report); err != nil {
		return nil, err
	}

	res, err := i.ingestTx(ctx, device, tok, report)
	if err != nil && isRetryableSQL(err) {
		// One retry with backoff; serialization conflicts under per-device
		// concurrency resolve on the second attempt.
		log.Printf("ingest: retrying after transient storage error: %v", err)
		monitoring.IngestRetries.Inc()
		time.Sleep(50 * time.Millisecond)
		res, err = i.ingestTx(ctx, device, tok, report)
	}
	return res, err
}

func (i *Ingester) validate(r *Report) error {
	if r.StartedAt.IsZero() {
		return core.E(core.KindInputSchema, "started_at is required")
	}
	if !validRunStatus[core.RunStatus(r.Status)] {
		return core.Ef(core.KindInputSchema, "invalid run status %q", r.Status)
	}
	if i.limits.MaxItems > 0 && len(r.Items) > i.limits.MaxItems {
		return core.Ef(core.KindInputTooLarge, "report has %d items, cap is %d", len(r.Items), i.limits.MaxItems).
			WithDetails(map[string]interface{}{"items": len(r.Items), "cap": i.limits.MaxItems})
	}
	if i.limits.MaxLogs > 0 && len(r.Logs) > i.limits.MaxLogs {
		return core.Ef(core.KindInputTooLarge, "report has %d logs, cap is %d", len(r.Logs), i.limits.MaxLogs).
			WithDetails(map[string]interface{}{"logs": len(r.Logs), "cap": i.limits.MaxLogs})
	}
	for idx, it := range r.Items {
		if it.ResourceType == "" || it.ResourceID == "" {
			return core.Ef(core.KindInputSchema, "item %d: resource_type and resource_id are required", idx).
				WithDetails(map[string]interface{}{"ordinal": idx})
		}
	}
	for idx, le := range r.Logs {
		if le.Message == "" {
			return core.Ef(core.KindInputSchema, "log %d: message is required", idx).
				WithDetails(map[string]interface{}{"index": idx})
		}
	}
	return nil
}

func (i *Ingester) ingestTx(ctx context.Context, device *core.Device, tok *core.DeviceAuthToken, report *Report) (*Result, error) {
	var result *Result
	err := i.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Serialize report ingestion per device.
		if _, err := i.store.LockDevice(ctx, tx, device.TenantID, device.ID); err != nil {
			return err
		}

		if report.CorrelationID != "" {
			existing, err := i.store.FindRunByCorrelation(ctx, tx, device.ID, report.CorrelationID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = &Result{RunID: *existing, Duplicate: true}
				return nil
			}
		}

		now := time.Now().UTC()
		run := &core.Run{
			ID:                  uuid.New(),
			TenantID:            device.TenantID,
			DeviceID:            device.ID,
			StartedAt:           report.StartedAt,
			EndedAt:             report.EndedAt,
			Status:              core.RunStatus(report.Status),
			AgentVersion:        report.AgentVersion,
			EffectivePolicyHash: report.EffectivePolicyHash,
			PolicySnapshot:      snapshotOrEmpty(report.PolicySnapshot),
			Summary:             mapOrEmpty(report.Summary),
			CreatedAt:           now,
		}
		if report.CorrelationID != "" {
			cid := report.CorrelationID
			run.CorrelationID = &cid
		}

		if err := i.store.InsertRun(ctx, tx, run); err != nil {
			return err
		}

		for idx, it := range report.Items {
			row := &core.RunItem{
				ID:              uuid.New(),
				RunID:           run.ID,
				Ordinal:         idx,
				ResourceType:    it.ResourceType,
				ResourceID:      it.ResourceID,
				Name:            it.Name,
				StatusDetect:    core.CoerceStepStatus(it.StatusDetect),
				StatusRemediate: core.CoerceStepStatus(it.StatusRemediate),
				StatusValidate:  core.CoerceStepStatus(it.StatusValidate),
				CompliantBefore: it.CompliantBefore,
				CompliantAfter:  it.CompliantAfter,
				Changed:         it.Changed,
				RebootRequired:  it.RebootRequired,
				StartedAt:       it.StartedAt,
				EndedAt:         it.EndedAt,
				Evidence:        mapOrEmpty(it.Evidence),
				Error:           mapOrEmpty(it.Error),
			}
			if err := i.store.InsertRunItem(ctx, tx, row); err != nil {
				return err
			}
		}

		for _, le := range report.Logs {
			ts := now
			if le.TS != nil {
				ts = *le.TS
			}
			row := &core.LogEvent{
				ID:             uuid.New(),
				RunID:          run.ID,
				TS:             ts,
				Level:          levelOrInfo(le.Level),
				Message:        le.Message,
				Data:           mapOrEmpty(le.Data),
				RunItemOrdinal: le.RunItemOrdinal,
			}
			if err := i.store.InsertLogEvent(ctx, tx, row); err != nil {
				return err
			}
		}

		if err := i.store.TouchLastSeen(ctx, tx, device.ID, now); err != nil {
			return err
		}
		if tok != nil {
			if err := i.store.TouchDeviceTokenLastUsed(ctx, tx, tok.ID, now); err != nil {
				return err
			}
		}

		result = &Result{RunID: run.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func snapshotOrEmpty(raw json.RawMessage) core.JSONText {
	if len(raw) == 0 {
		return core.JSONText(`{}`)
	}
	return core.JSONText(raw)
}

func mapOrEmpty(m core.JSONMap) core.JSONMap {
	if m == nil {
		return core.JSONMap{}
	}
	return m
}

func levelOrInfo(level string) string {
	switch level {
	case "debug", "info", "warning", "error":
		return level
	default:
		return "info"
	}
}

// isRetryableSQL reports whether the error is a serialization failure or
// deadlock worth one retry.
func isRetryableSQL(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}
