// Package registry implements device lifecycle commands: enrollment,
// deactivation and restore, and device-token rotation. Mutations for a
// single device are serialized with a row lock on the devices row; every
// admin mutation writes one audit row in the same transaction.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/audit"
	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/store"
	"github.com/baseliner/backend/internal/token"
)

// Service owns device lifecycle state transitions.
type Service struct {
	store   *store.Store
	tokens  *token.Service
	auditor *audit.Recorder
}

func NewService(s *store.Store, t *token.Service, a *audit.Recorder) *Service {
	return &Service{store: s, tokens: t, auditor: a}
}

// EnrollRequest is the device-supplied enrollment payload.
type EnrollRequest struct {
	EnrollToken  string       `json:"enroll_token"`
	DeviceKey    string       `json:"device_key"`
	Hostname     string       `json:"hostname"`
	OS           string       `json:"os"`
	OSVersion    string       `json:"os_version"`
	Arch         string       `json:"arch"`
	AgentVersion string       `json:"agent_version"`
	Tags         core.JSONMap `json:"tags"`
}

// EnrollResult carries the minted device token. RawToken is returned to the
// device exactly once and never persisted.
type EnrollResult struct {
	Device   *core.Device
	RawToken string
}

// Enroll exchanges a single-use enroll token for a device bearer token.
// Idempotent by (tenant, device_key): re-enrolling an active device updates
// its metadata and rotates its token; an inactive device cannot enroll.
func (s *Service) Enroll(ctx context.Context, ac audit.Context, req EnrollRequest) (*EnrollResult, error) {
	if req.EnrollToken == "" || req.DeviceKey == "" {
		return nil, core.E(core.KindInputMalformed, "enroll_token and device_key are required")
	}

	var result *EnrollResult
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		et, err := s.store.GetEnrollTokenByHashForUpdate(ctx, tx, s.tokens.Hash(req.EnrollToken))
		if err != nil {
			if core.KindOf(err) == core.KindNotFound {
				return core.E(core.KindAuthInvalid, "invalid enroll token")
			}
			return err
		}
		if et.UsedAt != nil {
			return core.E(core.KindAuthInvalid, "enroll token already used")
		}
		if et.ExpiresAt != nil && !et.ExpiresAt.After(now) {
			return core.E(core.KindAuthInvalid, "enroll token expired")
		}

		tenantID := et.TenantID
		ac.TenantID = tenantID

		device, err := s.store.GetDeviceByKey(ctx, tx, tenantID, req.DeviceKey)
		if err != nil && core.KindOf(err) != core.KindNotFound {
			return err
		}

		raw, hash, prefix, err := s.tokens.Mint(token.KindDevice)
		if err != nil {
			return err
		}

		if device == nil {
			device = &core.Device{
				ID:           uuid.New(),
				TenantID:     tenantID,
				DeviceKey:    req.DeviceKey,
				Hostname:     req.Hostname,
				OS:           req.OS,
				OSVersion:    req.OSVersion,
				Arch:         req.Arch,
				AgentVersion: req.AgentVersion,
				Tags:         orEmpty(req.Tags),
				Status:       core.DeviceActive,
				LastSeenAt:   &now,
				CreatedAt:    now,
			}
			if err := s.store.InsertDevice(ctx, tx, device); err != nil {
				return err
			}
		} else {
			// Serialize with any concurrent mutation of this device.
			device, err = s.store.LockDevice(ctx, tx, tenantID, device.ID)
			if err != nil {
				return err
			}
			if device.Status != core.DeviceActive {
				return core.E(core.KindAuthDeviceInactive, "device is deactivated; restore it before re-enrolling")
			}
			applyMetadata(device, req, now)
			if err := s.store.UpdateDeviceMetadata(ctx, tx, device); err != nil {
				return err
			}
			if _, err := s.store.RevokeActiveDeviceTokens(ctx, tx, device.ID, now); err != nil {
				return err
			}
		}

		ok, err := s.store.ConsumeEnrollToken(ctx, tx, et.ID, device.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return core.E(core.KindAuthInvalid, "enroll token already used")
		}

		if err := s.store.InsertDeviceToken(ctx, tx, &core.DeviceAuthToken{
			ID:         uuid.New(),
			TenantID:   tenantID,
			DeviceID:   device.ID,
			TokenHash:  hash,
			Prefix:     prefix,
			IssuedAt:   now,
			LastUsedAt: &now,
		}); err != nil {
			return err
		}

		if err := s.auditor.Record(ctx, tx, ac, audit.Entry{
			Action:     "device.enroll",
			TargetType: "device",
			TargetID:   device.ID.String(),
			After:      device,
		}); err != nil {
			return err
		}

		result = &EnrollResult{Device: device, RawToken: raw}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func applyMetadata(d *core.Device, req EnrollRequest, now time.Time) {
	if req.Hostname != "" {
		d.Hostname = req.Hostname
	}
	if req.OS != "" {
		d.OS = req.OS
	}
	if req.OSVersion != "" {
		d.OSVersion = req.OSVersion
	}
	if req.Arch != "" {
		d.Arch = req.Arch
	}
	if req.AgentVersion != "" {
		d.AgentVersion = req.AgentVersion
	}
	if len(req.Tags) > 0 {
		d.Tags = req.Tags
	}
	d.LastSeenAt = &now
}

func orEmpty(m core.JSONMap) core.JSONMap {
	if m == nil {
		return core.JSONMap{}
	}
	return m
}

// SoftDelete deactivates a device and revokes its active token.
func (s *Service) SoftDelete(ctx context.Context, ac audit.Context, deviceID uuid.UUID) (*core.Device, error) {
	var out *core.Device
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		device, err := s.store.LockDevice(ctx, tx, ac.TenantID, deviceID)
		if err != nil {
			return err
		}
		if device.Status == core.DeviceInactive {
			return core.E(core.KindConflict, "device is already deactivated")
		}

		before := *device
		now := time.Now().UTC()
		if err := s.store.SetDeviceStatus(ctx, tx, ac.TenantID, deviceID, core.DeviceInactive, &now); err != nil {
			return err
		}
		if _, err := s.store.RevokeActiveDeviceTokens(ctx, tx, deviceID, now); err != nil {
			return err
		}

		device.Status = core.DeviceInactive
		device.DeletedAt = &now
		out = device

		return s.auditor.Record(ctx, tx, ac, audit.Entry{
			Action:     "device.delete",
			TargetType: "device",
			TargetID:   deviceID.String(),
			Before:     before,
			After:      device,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Restore reactivates a soft-deleted device and mints a fresh token.
func (s *Service) Restore(ctx context.Context, ac audit.Context, deviceID uuid.UUID) (*EnrollResult, error) {
	var result *EnrollResult
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		device, err := s.store.LockDevice(ctx, tx, ac.TenantID, deviceID)
		if err != nil {
			return err
		}
		if device.Status != core.DeviceInactive {
			return core.E(core.KindConflict, "device is not deactivated")
		}

		before := *device
		now := time.Now().UTC()
		if err := s.store.SetDeviceStatus(ctx, tx, ac.TenantID, deviceID, core.DeviceActive, nil); err != nil {
			return err
		}

		raw, hash, prefix, err := s.tokens.Mint(token.KindDevice)
		if err != nil {
			return err
		}
		if _, err := s.store.RevokeActiveDeviceTokens(ctx, tx, deviceID, now); err != nil {
			return err
		}
		if err := s.store.InsertDeviceToken(ctx, tx, &core.DeviceAuthToken{
			ID:        uuid.New(),
			TenantID:  ac.TenantID,
			DeviceID:  deviceID,
			TokenHash: hash,
			Prefix:    prefix,
			IssuedAt:  now,
		}); err != nil {
			return err
		}

		device.Status = core.DeviceActive
		device.DeletedAt = nil
		result = &EnrollResult{Device: device, RawToken: raw}

		return s.auditor.Record(ctx, tx, ac, audit.Entry{
			Action:     "device.restore",
			TargetType: "device",
			TargetID:   deviceID.String(),
			Before:     before,
			After:      device,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RotateToken revokes the device's active token and mints a replacement in
// one transaction.
func (s *Service) RotateToken(ctx context.Context, ac audit.Context, deviceID uuid.UUID) (*EnrollResult, error) {
	var result *EnrollResult
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		device, err := s.store.LockDevice(ctx, tx, ac.TenantID, deviceID)
		if err != nil {
			return err
		}
		if device.Status != core.DeviceActive {
			return core.E(core.KindConflict, "cannot rotate token of a deactivated device")
		}

		now := time.Now().UTC()
		raw, hash, prefix, err := s.tokens.Mint(token.KindDevice)
		if err != nil {
			return err
		}
		if _, err := s.store.RevokeActiveDeviceTokens(ctx, tx, deviceID, now); err != nil {
			return err
		}
		if err := s.store.InsertDeviceToken(ctx, tx, &core.DeviceAuthToken{
			ID:        uuid.New(),
			TenantID:  ac.TenantID,
			DeviceID:  deviceID,
			TokenHash: hash,
			Prefix:    prefix,
			IssuedAt:  now,
		}); err != nil {
			return err
		}

		result = &EnrollResult{Device: device, RawToken: raw}

		return s.auditor.Record(ctx, tx, ac, audit.Entry{
			Action:     "device.revoke_token",
			TargetType: "device",
			TargetID:   deviceID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MintEnrollToken creates a new single-use enroll token. The raw token is
// returned once and never stored.
func (s *Service) MintEnrollToken(ctx context.Context, ac audit.Context, note string, expiresAt *time.Time) (string, *core.EnrollToken, error) {
	raw, hash, prefix, err := s.tokens.Mint(token.KindEnroll)
	if err != nil {
		return "", nil, err
	}

	et := &core.EnrollToken{
		ID:        uuid.New(),
		TenantID:  ac.TenantID,
		TokenHash: hash,
		Prefix:    prefix,
		Note:      note,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}

	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.InsertEnrollToken(ctx, tx, et); err != nil {
			return err
		}
		return s.auditor.Record(ctx, tx, ac, audit.Entry{
			Action:     "enroll_token.create",
			TargetType: "enroll_token",
			TargetID:   et.ID.String(),
			After:      et,
		})
	})
	if err != nil {
		return "", nil, err
	}
	return raw, et, nil
}

// RevokeEnrollToken expires an enroll token immediately.
func (s *Service) RevokeEnrollToken(ctx context.Context, ac audit.Context, id uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if err := s.store.RevokeEnrollToken(ctx, tx, ac.TenantID, id, now); err != nil {
			return err
		}
		return s.auditor.Record(ctx, tx, ac, audit.Entry{
			Action:     "enroll_token.revoke",
			TargetType: "enroll_token",
			TargetID:   id.String(),
		})
	})
}

// Authenticate resolves a device bearer token. Revoked tokens and inactive
// devices are distinguishable from unknown tokens so agents get an
// actionable status code.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (*core.Device, *core.DeviceAuthToken, error) {
	tok, err := s.store.GetDeviceTokenByHash(ctx, s.store.DB(), s.tokens.Hash(rawToken))
	if err != nil {
		if core.KindOf(err) == core.KindNotFound {
			return nil, nil, core.E(core.KindAuthInvalid, "invalid device token")
		}
		return nil, nil, err
	}
	if tok.RevokedAt != nil {
		return nil, nil, core.E(core.KindAuthRevoked, "device token revoked")
	}

	device, err := s.store.GetDevice(ctx, s.store.DB(), tok.TenantID, tok.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if device.Status != core.DeviceActive {
		return nil, nil, core.E(core.KindAuthDeviceInactive, "device deactivated")
	}

	// Seen-signal outside any transaction; monotonic by construction.
	now := time.Now().UTC()
	if err := s.store.TouchLastSeen(ctx, s.store.DB(), device.ID, now); err != nil {
		return nil, nil, err
	}
	device.LastSeenAt = &now

	return device, tok, nil
}
