package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/policy"
)

const assignmentColumns = `id, tenant_id, device_id, policy_id, priority, mode, created_at`

// UpsertAssignment binds a policy to a device. Re-assigning the same pair
// updates priority and mode in place (latest wins).
func (s *Store) UpsertAssignment(ctx context.Context, q Querier, a *core.PolicyAssignment) (*core.PolicyAssignment, error) {
	var out core.PolicyAssignment
	err := sqlx.GetContext(ctx, q, &out,
		`INSERT INTO policy_assignments (id, tenant_id, device_id, policy_id, priority, mode, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (device_id, policy_id) DO UPDATE SET
		     priority = EXCLUDED.priority,
		     mode = EXCLUDED.mode
		 RETURNING `+assignmentColumns,
		a.ID, a.TenantID, a.DeviceID, a.PolicyID, a.Priority, a.Mode, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert assignment: %w", err)
	}
	return &out, nil
}

// ListAssignments returns a device's assignments in canonical order.
func (s *Store) ListAssignments(ctx context.Context, q Querier, tenantID, deviceID uuid.UUID) ([]core.PolicyAssignment, error) {
	var out []core.PolicyAssignment
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT `+assignmentColumns+` FROM policy_assignments
		 WHERE tenant_id = $1 AND device_id = $2
		 ORDER BY priority ASC, created_at ASC, id ASC`,
		tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return out, nil
}

// DeleteAssignment removes a single (device, policy) binding.
func (s *Store) DeleteAssignment(ctx context.Context, q Querier, tenantID, deviceID, policyID uuid.UUID) (bool, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM policy_assignments WHERE tenant_id = $1 AND device_id = $2 AND policy_id = $3`,
		tenantID, deviceID, policyID)
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearAssignments removes every assignment for a device.
func (s *Store) ClearAssignments(ctx context.Context, q Querier, tenantID, deviceID uuid.UUID) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM policy_assignments WHERE tenant_id = $1 AND device_id = $2`,
		tenantID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("clear assignments: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CompileInputs fetches a device's assignments joined with their policies,
// shaped for the compiler. Policies that no longer exist come back with a
// nil Policy so the compiler can record them as skipped.
func (s *Store) CompileInputs(ctx context.Context, q Querier, tenantID, deviceID uuid.UUID) ([]policy.Input, error) {
	type row struct {
		core.PolicyAssignment
		PName          *string        `db:"p_name"`
		PDescription   *string        `db:"p_description"`
		PSchemaVersion *string        `db:"p_schema_version"`
		PIsActive      *bool          `db:"p_is_active"`
		PDocument      *core.JSONText `db:"p_document"`
	}

	var rows []row
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT a.id, a.tenant_id, a.device_id, a.policy_id, a.priority, a.mode, a.created_at,
		        p.name AS p_name, p.description AS p_description,
		        p.schema_version AS p_schema_version, p.is_active AS p_is_active,
		        p.document AS p_document
		 FROM policy_assignments a
		 LEFT JOIN policies p ON p.id = a.policy_id AND p.tenant_id = a.tenant_id
		 WHERE a.tenant_id = $1 AND a.device_id = $2
		 ORDER BY a.priority ASC, a.created_at ASC, a.id ASC`,
		tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load compile inputs: %w", err)
	}

	inputs := make([]policy.Input, 0, len(rows))
	for _, r := range rows {
		in := policy.Input{Assignment: r.PolicyAssignment}
		if r.PName != nil {
			in.Policy = &core.Policy{
				ID:            r.PolicyID,
				TenantID:      r.TenantID,
				Name:          *r.PName,
				Description:   derefStr(r.PDescription),
				SchemaVersion: derefStr(r.PSchemaVersion),
				IsActive:      r.PIsActive != nil && *r.PIsActive,
				Document:      derefJSON(r.PDocument),
			}
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefJSON(j *core.JSONText) core.JSONText {
	if j == nil {
		return core.JSONText(`{}`)
	}
	return *j
}
