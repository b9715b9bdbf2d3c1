package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/core"
)

// --- enroll tokens ---

// InsertEnrollToken persists a freshly minted enroll token (hash only).
func (s *Store) InsertEnrollToken(ctx context.Context, q Querier, t *core.EnrollToken) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO enroll_tokens (id, tenant_id, token_hash, prefix, note, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.TenantID, t.TokenHash, t.Prefix, t.Note, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert enroll token: %w", err)
	}
	return nil
}

// GetEnrollTokenByHashForUpdate locks the enroll token row so single-use
// consumption cannot race.
func (s *Store) GetEnrollTokenByHashForUpdate(ctx context.Context, tx *sqlx.Tx, hash string) (*core.EnrollToken, error) {
	var t core.EnrollToken
	err := sqlx.GetContext(ctx, tx, &t,
		`SELECT id, tenant_id, token_hash, prefix, note, expires_at, used_at, used_by_device_id, created_at
		 FROM enroll_tokens WHERE token_hash = $1 FOR UPDATE`, hash)
	if err != nil {
		return nil, notFound(err, "enroll token")
	}
	return &t, nil
}

// ConsumeEnrollToken stamps used_at exactly once. Returns false when the
// token was already used (the conditional update matched no row).
func (s *Store) ConsumeEnrollToken(ctx context.Context, q Querier, id, deviceID uuid.UUID, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE enroll_tokens SET used_at = $1, used_by_device_id = $2
		 WHERE id = $3 AND used_at IS NULL`,
		now, deviceID, id)
	if err != nil {
		return false, fmt.Errorf("consume enroll token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume enroll token: %w", err)
	}
	return n == 1, nil
}

// RevokeEnrollToken expires a token immediately.
func (s *Store) RevokeEnrollToken(ctx context.Context, q Querier, tenantID, id uuid.UUID, now time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE enroll_tokens SET expires_at = $1 WHERE tenant_id = $2 AND id = $3`,
		now, tenantID, id)
	if err != nil {
		return fmt.Errorf("revoke enroll token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "enroll token not found")
	}
	return nil
}

// ListEnrollTokens returns token metadata (never hashes beyond the display
// prefix already stored separately).
func (s *Store) ListEnrollTokens(ctx context.Context, q Querier, tenantID uuid.UUID, limit, offset int) ([]core.EnrollToken, error) {
	var out []core.EnrollToken
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT id, tenant_id, token_hash, prefix, note, expires_at, used_at, used_by_device_id, created_at
		 FROM enroll_tokens WHERE tenant_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list enroll tokens: %w", err)
	}
	return out, nil
}

// --- device auth tokens ---

// InsertDeviceToken writes a token-history row.
func (s *Store) InsertDeviceToken(ctx context.Context, q Querier, t *core.DeviceAuthToken) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO device_auth_tokens (id, tenant_id, device_id, token_hash, prefix, issued_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.TenantID, t.DeviceID, t.TokenHash, t.Prefix, t.IssuedAt, t.LastUsedAt)
	if err != nil {
		return fmt.Errorf("insert device token: %w", err)
	}
	return nil
}

// GetDeviceTokenByHash resolves a bearer token to its history row.
func (s *Store) GetDeviceTokenByHash(ctx context.Context, q Querier, hash string) (*core.DeviceAuthToken, error) {
	var t core.DeviceAuthToken
	err := sqlx.GetContext(ctx, q, &t,
		`SELECT id, tenant_id, device_id, token_hash, prefix, issued_at, revoked_at, last_used_at
		 FROM device_auth_tokens WHERE token_hash = $1`, hash)
	if err != nil {
		return nil, notFound(err, "device token")
	}
	return &t, nil
}

// RevokeActiveDeviceTokens stamps revoked_at on the device's un-revoked
// token rows. Rotation calls this and inserts the replacement in the same
// transaction, preserving the at-most-one-active invariant.
func (s *Store) RevokeActiveDeviceTokens(ctx context.Context, q Querier, deviceID uuid.UUID, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE device_auth_tokens SET revoked_at = $1
		 WHERE device_id = $2 AND revoked_at IS NULL`,
		now, deviceID)
	if err != nil {
		return 0, fmt.Errorf("revoke device tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TouchDeviceTokenLastUsed records a meaningful use of the token.
func (s *Store) TouchDeviceTokenLastUsed(ctx context.Context, q Querier, id uuid.UUID, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE device_auth_tokens SET last_used_at = $1 WHERE id = $2`, now, id)
	if err != nil {
		return fmt.Errorf("touch device token: %w", err)
	}
	return nil
}

// ListDeviceTokens returns the token history for a device, newest first.
func (s *Store) ListDeviceTokens(ctx context.Context, q Querier, tenantID, deviceID uuid.UUID) ([]core.DeviceAuthToken, error) {
	var out []core.DeviceAuthToken
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT id, tenant_id, device_id, token_hash, prefix, issued_at, revoked_at, last_used_at
		 FROM device_auth_tokens WHERE tenant_id = $1 AND device_id = $2
		 ORDER BY issued_at DESC`,
		tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	return out, nil
}
