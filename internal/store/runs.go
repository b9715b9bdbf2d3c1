package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/core"
)

const runColumns = `id, tenant_id, device_id, started_at, ended_at, status, agent_version,
	effective_policy_hash, policy_snapshot, summary, correlation_id, created_at`

// InsertRun writes a run header row.
func (s *Store) InsertRun(ctx context.Context, q Querier, r *core.Run) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO runs (id, tenant_id, device_id, started_at, ended_at, status, agent_version,
		                   effective_policy_hash, policy_snapshot, summary, correlation_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.TenantID, r.DeviceID, r.StartedAt, r.EndedAt, r.Status, r.AgentVersion,
		r.EffectivePolicyHash, r.PolicySnapshot, r.Summary, r.CorrelationID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// InsertRunItem writes one item row.
func (s *Store) InsertRunItem(ctx context.Context, q Querier, it *core.RunItem) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO run_items (id, run_id, ordinal, resource_type, resource_id, name,
		                        status_detect, status_remediate, status_validate,
		                        compliant_before, compliant_after, changed, reboot_required,
		                        started_at, ended_at, evidence, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		it.ID, it.RunID, it.Ordinal, it.ResourceType, it.ResourceID, it.Name,
		it.StatusDetect, it.StatusRemediate, it.StatusValidate,
		it.CompliantBefore, it.CompliantAfter, it.Changed, it.RebootRequired,
		it.StartedAt, it.EndedAt, it.Evidence, it.Error)
	if err != nil {
		return fmt.Errorf("insert run item: %w", err)
	}
	return nil
}

// InsertLogEvent writes one log row.
func (s *Store) InsertLogEvent(ctx context.Context, q Querier, le *core.LogEvent) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO log_events (id, run_id, ts, level, message, data, run_item_ordinal)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		le.ID, le.RunID, le.TS, le.Level, le.Message, le.Data, le.RunItemOrdinal)
	if err != nil {
		return fmt.Errorf("insert log event: %w", err)
	}
	return nil
}

// FindRunByCorrelation returns the run id previously ingested for this
// (device, correlation id) pair, if any. Drives ingest idempotency.
func (s *Store) FindRunByCorrelation(ctx context.Context, q Querier, deviceID uuid.UUID, correlationID string) (*uuid.UUID, error) {
	var id uuid.UUID
	err := sqlx.GetContext(ctx, q, &id,
		`SELECT id FROM runs WHERE device_id = $1 AND correlation_id = $2`,
		deviceID, correlationID)
	if err != nil {
		if nf := notFound(err, "run"); core.KindOf(nf) == core.KindNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("find run by correlation: %w", err)
	}
	return &id, nil
}

// RunSummary is a run header with item rollups for listings.
type RunSummary struct {
	core.Run
	ItemsTotal  int `db:"items_total" json:"items_total"`
	ItemsFailed int `db:"items_failed" json:"items_failed"`
}

// ListRuns returns a page of runs with item rollups, newest first. The
// rollup joins an aggregate subquery rather than counting per row.
func (s *Store) ListRuns(ctx context.Context, q Querier, tenantID uuid.UUID, deviceID *uuid.UUID, limit, offset int) ([]RunSummary, int, error) {
	where := `WHERE r.tenant_id = $1`
	args := []interface{}{tenantID}
	if deviceID != nil {
		where += ` AND r.device_id = $2`
		args = append(args, *deviceID)
	}

	var total int
	if err := sqlx.GetContext(ctx, q, &total,
		`SELECT COUNT(*) FROM runs r `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	argN := len(args)
	query := `SELECT r.id, r.tenant_id, r.device_id, r.started_at, r.ended_at, r.status,
	                 r.agent_version, r.effective_policy_hash, r.policy_snapshot, r.summary,
	                 r.correlation_id, r.created_at,
	                 COALESCE(agg.items_total, 0) AS items_total,
	                 COALESCE(agg.items_failed, 0) AS items_failed
	          FROM runs r
	          LEFT JOIN (
	              SELECT run_id,
	                     COUNT(*) AS items_total,
	                     SUM(CASE WHEN status_remediate = 'fail' THEN 1 ELSE 0 END) AS items_failed
	              FROM run_items GROUP BY run_id
	          ) agg ON agg.run_id = r.id
	          ` + where + fmt.Sprintf(` ORDER BY r.started_at DESC, r.id DESC LIMIT $%d OFFSET $%d`, argN+1, argN+2)
	args = append(args, limit, offset)

	var out []RunSummary
	if err := sqlx.SelectContext(ctx, q, &out, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return out, total, nil
}

// GetRun fetches a run header.
func (s *Store) GetRun(ctx context.Context, q Querier, tenantID, id uuid.UUID) (*core.Run, error) {
	var r core.Run
	err := sqlx.GetContext(ctx, q, &r,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return nil, notFound(err, "run")
	}
	return &r, nil
}

// GetRunItems returns a run's items ordered by ordinal.
func (s *Store) GetRunItems(ctx context.Context, q Querier, runID uuid.UUID) ([]core.RunItem, error) {
	var out []core.RunItem
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT id, run_id, ordinal, resource_type, resource_id, name,
		        status_detect, status_remediate, status_validate,
		        compliant_before, compliant_after, changed, reboot_required,
		        started_at, ended_at, evidence, error
		 FROM run_items WHERE run_id = $1 ORDER BY ordinal ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run items: %w", err)
	}
	return out, nil
}

// GetRunLogs returns a run's log events ordered by timestamp.
func (s *Store) GetRunLogs(ctx context.Context, q Querier, runID uuid.UUID) ([]core.LogEvent, error) {
	var out []core.LogEvent
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT id, run_id, ts, level, message, data, run_item_ordinal
		 FROM log_events WHERE run_id = $1 ORDER BY ts ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run logs: %w", err)
	}
	return out, nil
}

// LastRunForDevice returns the most recent run for a device, or nil.
func (s *Store) LastRunForDevice(ctx context.Context, q Querier, tenantID, deviceID uuid.UUID) (*core.Run, error) {
	var r core.Run
	err := sqlx.GetContext(ctx, q, &r,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND device_id = $2
		 ORDER BY started_at DESC, id DESC LIMIT 1`, tenantID, deviceID)
	if err != nil {
		if nf := notFound(err, "run"); core.KindOf(nf) == core.KindNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("last run: %w", err)
	}
	return &r, nil
}

// PruneCandidates counts runs older than cutoff and beyond keepPerDevice.
type PruneCandidates struct {
	Runs  int64 `db:"runs"`
	Items int64 `db:"items"`
	Logs  int64 `db:"logs"`
}

// CountPrunableRuns reports how many runs (and dependent rows) a prune with
// these parameters would delete.
func (s *Store) CountPrunableRuns(ctx context.Context, q Querier, tenantID uuid.UUID, cutoff time.Time, keepPerDevice int) (PruneCandidates, error) {
	var out PruneCandidates
	err := sqlx.GetContext(ctx, q, &out, `
		WITH victims AS (
		    SELECT id FROM (
		        SELECT id, started_at,
		               ROW_NUMBER() OVER (PARTITION BY device_id ORDER BY started_at DESC) AS rn
		        FROM runs WHERE tenant_id = $1
		    ) ranked
		    WHERE ranked.started_at < $2 AND ranked.rn > $3
		)
		SELECT (SELECT COUNT(*) FROM victims) AS runs,
		       (SELECT COUNT(*) FROM run_items WHERE run_id IN (SELECT id FROM victims)) AS items,
		       (SELECT COUNT(*) FROM log_events WHERE run_id IN (SELECT id FROM victims)) AS logs`,
		tenantID, cutoff, keepPerDevice)
	if err != nil {
		return out, fmt.Errorf("count prunable runs: %w", err)
	}
	return out, nil
}

// DeletePrunableRuns deletes up to batchSize prunable runs; run_items and
// log_events cascade. Returns how many run rows went away.
func (s *Store) DeletePrunableRuns(ctx context.Context, q Querier, tenantID uuid.UUID, cutoff time.Time, keepPerDevice, batchSize int) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM runs WHERE id IN (
		    SELECT id FROM (
		        SELECT id, started_at,
		               ROW_NUMBER() OVER (PARTITION BY device_id ORDER BY started_at DESC) AS rn
		        FROM runs WHERE tenant_id = $1
		    ) ranked
		    WHERE ranked.started_at < $2 AND ranked.rn > $3
		    ORDER BY ranked.started_at ASC
		    LIMIT $4
		)`,
		tenantID, cutoff, keepPerDevice, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete prunable runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
