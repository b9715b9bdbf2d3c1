package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/core"
)

// InsertAuditLog appends one audit row. Callers run this inside the same
// transaction as the mutation it describes; a failure here must abort that
// transaction (auditing is fail-closed).
func (s *Store) InsertAuditLog(ctx context.Context, q Querier, a *core.AuditLog) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_logs (id, tenant_id, ts, actor, actor_id, action, target_type, target_id,
		                         before, after, request_method, request_path, remote_addr, correlation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.TenantID, a.TS, a.Actor, a.ActorID, a.Action, a.TargetType, a.TargetID,
		a.Before, a.After, a.RequestMethod, a.RequestPath, a.RemoteAddr, a.CorrelationID)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// AuditFilter narrows an audit listing.
type AuditFilter struct {
	Action     string
	TargetType string
	TargetID   string
}

// ListAuditLogs returns rows strictly older than the (ts, id) cursor
// position, newest first.
func (s *Store) ListAuditLogs(ctx context.Context, q Querier, tenantID uuid.UUID, f AuditFilter, beforeTS *time.Time, beforeID *uuid.UUID, limit int) ([]core.AuditLog, error) {
	query := `SELECT id, tenant_id, ts, actor, actor_id, action, target_type, target_id,
	                 before, after, request_method, request_path, remote_addr, correlation_id
	          FROM audit_logs WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if beforeTS != nil && beforeID != nil {
		args = append(args, *beforeTS, *beforeID)
		query += fmt.Sprintf(` AND (ts, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		query += fmt.Sprintf(` AND action = $%d`, len(args))
	}
	if f.TargetType != "" {
		args = append(args, f.TargetType)
		query += fmt.Sprintf(` AND target_type = $%d`, len(args))
	}
	if f.TargetID != "" {
		args = append(args, f.TargetID)
		query += fmt.Sprintf(` AND target_id = $%d`, len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args))

	var out []core.AuditLog
	if err := sqlx.SelectContext(ctx, q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return out, nil
}
