// Package maintenance implements retention pruning of historical runs.
package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/audit"
	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/monitoring"
	"github.com/baseliner/backend/internal/store"
)

// Params controls one prune invocation. A run is prunable when it is both
// older than KeepDays and beyond the newest KeepRunsPerDevice runs of its
// device; a run satisfying only one condition is kept.
type Params struct {
	KeepDays          int
	KeepRunsPerDevice int
	BatchSize         int
	DryRun            bool
}

// Result reports what a prune deleted, or would delete under DryRun.
type Result struct {
	DryRun       bool  `json:"dry_run"`
	RunsDeleted  int64 `json:"runs_deleted"`
	ItemsDeleted int64 `json:"items_deleted"`
	LogsDeleted  int64 `json:"logs_deleted"`
	Batches      int   `json:"batches"`
}

// Pruner deletes old runs in bounded batches.
type Pruner struct {
	store   *store.Store
	auditor *audit.Recorder
}

func NewPruner(s *store.Store, rec *audit.Recorder) *Pruner {
	return &Pruner{store: s, auditor: rec}
}

// Prune removes prunable runs for a tenant. Each batch commits in its own
// transaction so a long prune never holds locks across the whole sweep.
func (p *Pruner) Prune(ctx context.Context, ac audit.Context, tenantID uuid.UUID, params Params) (*Result, error) {
	if params.KeepDays < 0 || params.KeepRunsPerDevice < 0 {
		return nil, core.E(core.KindInputSchema, "keep_days and keep_runs_per_device must be non-negative")
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 500
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -params.KeepDays)

	candidates, err := p.store.CountPrunableRuns(ctx, p.store.DB(), tenantID, cutoff, params.KeepRunsPerDevice)
	if err != nil {
		return nil, err
	}

	result := &Result{DryRun: params.DryRun}
	if params.DryRun {
		result.RunsDeleted = candidates.Runs
		result.ItemsDeleted = candidates.Items
		result.LogsDeleted = candidates.Logs
		return result, nil
	}

	for {
		var deleted int64
		err := p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			var txErr error
			deleted, txErr = p.store.DeletePrunableRuns(ctx, tx, tenantID, cutoff, params.KeepRunsPerDevice, params.BatchSize)
			return txErr
		})
		if err != nil {
			return nil, err
		}
		if deleted == 0 {
			break
		}
		result.RunsDeleted += deleted
		result.Batches++
		monitoring.PrunedRuns.Add(float64(deleted))
	}

	// Item and log counts come from the pre-delete census; the rows cascade
	// with their runs.
	result.ItemsDeleted = candidates.Items
	result.LogsDeleted = candidates.Logs

	err = p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return p.auditor.Record(ctx, tx, ac, audit.Entry{
			Action:     "maintenance.prune",
			TargetType: "runs",
			TargetID:   tenantID.String(),
			After: map[string]interface{}{
				"runs_deleted":         result.RunsDeleted,
				"items_deleted":        result.ItemsDeleted,
				"logs_deleted":         result.LogsDeleted,
				"keep_days":            params.KeepDays,
				"keep_runs_per_device": params.KeepRunsPerDevice,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("maintenance: pruned %d runs in %d batches (tenant %s)",
		result.RunsDeleted, result.Batches, tenantID)
	return result, nil
}
