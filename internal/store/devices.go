package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/core"
)

const deviceColumns = `id, tenant_id, device_key, hostname, os, os_version, arch,
	agent_version, tags, status, last_seen_at, deleted_at, created_at`

// GetDevice fetches a device by id within a tenant.
func (s *Store) GetDevice(ctx context.Context, q Querier, tenantID, id uuid.UUID) (*core.Device, error) {
	var d core.Device
	err := sqlx.GetContext(ctx, q, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	if err != nil {
		return nil, notFound(err, "device")
	}
	return &d, nil
}

// GetDeviceByKey fetches a device by its agent-provided stable key.
func (s *Store) GetDeviceByKey(ctx context.Context, q Querier, tenantID uuid.UUID, deviceKey string) (*core.Device, error) {
	var d core.Device
	err := sqlx.GetContext(ctx, q, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE tenant_id = $1 AND device_key = $2`,
		tenantID, deviceKey)
	if err != nil {
		return nil, notFound(err, "device")
	}
	return &d, nil
}

// LockDevice acquires the row lock that serializes per-device mutations
// (enroll, report ingest, token rotation).
func (s *Store) LockDevice(ctx context.Context, tx *sqlx.Tx, tenantID, id uuid.UUID) (*core.Device, error) {
	var d core.Device
	err := sqlx.GetContext(ctx, tx, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id)
	if err != nil {
		return nil, notFound(err, "device")
	}
	return &d, nil
}

// InsertDevice creates a device row.
func (s *Store) InsertDevice(ctx context.Context, q Querier, d *core.Device) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO devices (id, tenant_id, device_key, hostname, os, os_version, arch,
		                      agent_version, tags, status, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.TenantID, d.DeviceKey, d.Hostname, d.OS, d.OSVersion, d.Arch,
		d.AgentVersion, d.Tags, d.Status, d.LastSeenAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// UpdateDeviceMetadata refreshes the agent-reported fields on re-enroll.
func (s *Store) UpdateDeviceMetadata(ctx context.Context, q Querier, d *core.Device) error {
	_, err := q.ExecContext(ctx,
		`UPDATE devices SET hostname = $1, os = $2, os_version = $3, arch = $4,
		        agent_version = $5, tags = $6, last_seen_at = $7
		 WHERE tenant_id = $8 AND id = $9`,
		d.Hostname, d.OS, d.OSVersion, d.Arch, d.AgentVersion, d.Tags, d.LastSeenAt,
		d.TenantID, d.ID)
	if err != nil {
		return fmt.Errorf("update device metadata: %w", err)
	}
	return nil
}

// SetDeviceStatus flips the lifecycle state, stamping or clearing deleted_at.
func (s *Store) SetDeviceStatus(ctx context.Context, q Querier, tenantID, id uuid.UUID, status core.DeviceStatus, deletedAt *time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE devices SET status = $1, deleted_at = $2 WHERE tenant_id = $3 AND id = $4`,
		status, deletedAt, tenantID, id)
	if err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	return nil
}

// TouchLastSeen advances last_seen_at, never moving it backwards.
func (s *Store) TouchLastSeen(ctx context.Context, q Querier, id uuid.UUID, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = GREATEST(COALESCE(last_seen_at, 'epoch'::timestamptz), $1)
		 WHERE id = $2`,
		now, id)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// DeviceHealth is a device joined with its most recent run outcome.
type DeviceHealth struct {
	core.Device
	LastRunID     *uuid.UUID      `db:"last_run_id" json:"last_run_id,omitempty"`
	LastRunStatus *core.RunStatus `db:"last_run_status" json:"last_run_status,omitempty"`
	LastRunAt     *time.Time      `db:"last_run_at" json:"last_run_at,omitempty"`
}

// ListDevices returns a page of devices with their latest run rollup.
func (s *Store) ListDevices(ctx context.Context, q Querier, tenantID uuid.UUID, limit, offset int) ([]DeviceHealth, int, error) {
	var total int
	if err := sqlx.GetContext(ctx, q, &total,
		`SELECT COUNT(*) FROM devices WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, 0, fmt.Errorf("count devices: %w", err)
	}

	var out []DeviceHealth
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT d.`+deviceColumnsAliased("d")+`,
		        lr.id AS last_run_id, lr.status AS last_run_status, lr.started_at AS last_run_at
		 FROM devices d
		 LEFT JOIN LATERAL (
		     SELECT id, status, started_at FROM runs
		     WHERE device_id = d.id ORDER BY started_at DESC LIMIT 1
		 ) lr ON TRUE
		 WHERE d.tenant_id = $1
		 ORDER BY d.created_at DESC
		 LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list devices: %w", err)
	}
	return out, total, nil
}

func deviceColumnsAliased(alias string) string {
	return `id, ` + alias + `.tenant_id, ` + alias + `.device_key, ` + alias + `.hostname, ` +
		alias + `.os, ` + alias + `.os_version, ` + alias + `.arch, ` + alias + `.agent_version, ` +
		alias + `.tags, ` + alias + `.status, ` + alias + `.last_seen_at, ` + alias + `.deleted_at, ` +
		alias + `.created_at`
}
