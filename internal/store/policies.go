package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/core"
)

const policyColumns = `id, tenant_id, name, description, schema_version, is_active,
	document, created_at, updated_at`

// UpsertPolicyByName creates or replaces a policy identified by its stable
// name within the tenant. Returns the stored row and whether it was created.
func (s *Store) UpsertPolicyByName(ctx context.Context, q Querier, p *core.Policy) (*core.Policy, bool, error) {
	var out core.Policy
	err := sqlx.GetContext(ctx, q, &out,
		`INSERT INTO policies (id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (tenant_id, name) DO UPDATE SET
		     description = EXCLUDED.description,
		     schema_version = EXCLUDED.schema_version,
		     is_active = EXCLUDED.is_active,
		     document = EXCLUDED.document,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+policyColumns,
		p.ID, p.TenantID, p.Name, p.Description, p.SchemaVersion, p.IsActive, p.Document, p.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("upsert policy: %w", err)
	}
	created := out.ID == p.ID
	return &out, created, nil
}

// GetPolicy fetches one policy by id.
func (s *Store) GetPolicy(ctx context.Context, q Querier, tenantID, id uuid.UUID) (*core.Policy, error) {
	var p core.Policy
	err := sqlx.GetContext(ctx, q, &p,
		`SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	if err != nil {
		return nil, notFound(err, "policy")
	}
	return &p, nil
}

// GetPolicyByName fetches one policy by its stable name.
func (s *Store) GetPolicyByName(ctx context.Context, q Querier, tenantID uuid.UUID, name string) (*core.Policy, error) {
	var p core.Policy
	err := sqlx.GetContext(ctx, q, &p,
		`SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 AND name = $2`,
		tenantID, name)
	if err != nil {
		return nil, notFound(err, "policy")
	}
	return &p, nil
}

// ListPolicies returns a page of policies, newest first.
func (s *Store) ListPolicies(ctx context.Context, q Querier, tenantID uuid.UUID, limit, offset int) ([]core.Policy, int, error) {
	var total int
	if err := sqlx.GetContext(ctx, q, &total,
		`SELECT COUNT(*) FROM policies WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, 0, fmt.Errorf("count policies: %w", err)
	}

	var out []core.Policy
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1
		 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list policies: %w", err)
	}
	return out, total, nil
}
