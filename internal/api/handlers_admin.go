package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/baseliner/backend/internal/audit"
	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/maintenance"
	"github.com/baseliner/backend/internal/middleware"
	"github.com/baseliner/backend/internal/policy"
	"github.com/baseliner/backend/internal/store"
)

// ---- enroll tokens ----

type mintEnrollTokenRequest struct {
	Note      string     `json:"note"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type mintEnrollTokenResponse struct {
	Token       string            `json:"token"`
	EnrollToken *core.EnrollToken `json:"enroll_token"`
}

func (s *Server) handleMintEnrollToken(w http.ResponseWriter, r *http.Request) {
	var req mintEnrollTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		middleware.WriteError(w, r, core.E(core.KindInputSchema, "expires_at must be in the future"))
		return
	}

	raw, et, err := s.registry.MintEnrollToken(r.Context(), s.adminAuditContext(r), req.Note, req.ExpiresAt)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, mintEnrollTokenResponse{Token: raw, EnrollToken: et})
}

func (s *Server) handleListEnrollTokens(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	items, err := s.store.ListEnrollTokens(r.Context(), s.store.DB(), middleware.Tenant(r.Context()), limit, offset)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleRevokeEnrollToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := s.registry.RevokeEnrollToken(r.Context(), s.adminAuditContext(r), id); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ---- devices ----

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	items, total, err := s.store.ListDevices(r.Context(), s.store.DB(), middleware.Tenant(r.Context()), limit, offset)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": items, "total": total, "limit": limit, "offset": offset,
	})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	device, err := s.registry.SoftDelete(r.Context(), s.adminAuditContext(r), id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"device": device})
}

func (s *Server) handleRestoreDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	res, err := s.registry.Restore(r.Context(), s.adminAuditContext(r), id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, enrollResponse{Device: res.Device, Token: res.RawToken})
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	res, err := s.registry.RotateToken(r.Context(), s.adminAuditContext(r), id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, enrollResponse{Device: res.Device, Token: res.RawToken})
}

func (s *Server) handleListDeviceTokens(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	tenantID := middleware.Tenant(r.Context())
	if _, err := s.store.GetDevice(r.Context(), s.store.DB(), tenantID, id); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	items, err := s.store.ListDeviceTokens(r.Context(), s.store.DB(), tenantID, id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// debugBundle joins everything an operator needs to diagnose one device.
type debugBundle struct {
	Device          *core.Device            `json:"device"`
	Assignments     []core.PolicyAssignment `json:"assignments"`
	EffectivePolicy struct {
		Hash    string           `json:"hash"`
		Mode    string           `json:"mode"`
		Compile *policy.Compiled `json:"compile"`
	} `json:"effective_policy"`
	LastRun      *core.Run      `json:"last_run"`
	LastRunItems []core.RunItem `json:"last_run_items"`
}

func (s *Server) handleDeviceDebug(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	tenantID := middleware.Tenant(r.Context())

	device, err := s.store.GetDevice(r.Context(), s.store.DB(), tenantID, id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	bundle := debugBundle{Device: device}

	if bundle.Assignments, err = s.store.ListAssignments(r.Context(), s.store.DB(), tenantID, id); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	compiled, err := s.compileForDevice(r, device)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	bundle.EffectivePolicy.Hash = compiled.Hash
	bundle.EffectivePolicy.Mode = string(compiled.Mode)
	bundle.EffectivePolicy.Compile = compiled

	lastRun, err := s.store.LastRunForDevice(r.Context(), s.store.DB(), tenantID, id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	bundle.LastRun = lastRun
	bundle.LastRunItems = []core.RunItem{}
	if lastRun != nil {
		if bundle.LastRunItems, err = s.store.GetRunItems(r.Context(), s.store.DB(), lastRun.ID); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
	}

	middleware.WriteJSON(w, http.StatusOK, bundle)
}

// ---- policies ----

type upsertPolicyRequest struct {
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	SchemaVersion string        `json:"schema_version"`
	IsActive      *bool         `json:"is_active"`
	Document      core.JSONText `json:"document"`
}

func (s *Server) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var req upsertPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if req.Name == "" {
		middleware.WriteError(w, r, core.E(core.KindInputSchema, "name is required"))
		return
	}
	if err := policy.ValidateDocument(req.Document); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	now := time.Now().UTC()
	p := &core.Policy{
		ID:            uuid.New(),
		TenantID:      middleware.Tenant(r.Context()),
		Name:          req.Name,
		Description:   req.Description,
		SchemaVersion: req.SchemaVersion,
		IsActive:      req.IsActive == nil || *req.IsActive,
		Document:      req.Document,
		CreatedAt:     now,
	}
	if p.SchemaVersion == "" {
		p.SchemaVersion = "1.0"
	}

	ac := s.adminAuditContext(r)
	var out *core.Policy
	var created bool
	err := s.store.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		out, created, err = s.store.UpsertPolicyByName(r.Context(), tx, p)
		if err != nil {
			return err
		}
		return s.auditor.Record(r.Context(), tx, ac, audit.Entry{
			Action:     "policy.upsert",
			TargetType: "policy",
			TargetID:   out.ID.String(),
			After:      out,
		})
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	middleware.WriteJSON(w, status, map[string]interface{}{"policy": out, "created": created})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	items, total, err := s.store.ListPolicies(r.Context(), s.store.DB(), middleware.Tenant(r.Context()), limit, offset)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": items, "total": total, "limit": limit, "offset": offset,
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	p, err := s.store.GetPolicy(r.Context(), s.store.DB(), middleware.Tenant(r.Context()), id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"policy": p})
}

// ---- assignments ----

type assignPolicyRequest struct {
	DeviceID uuid.UUID `json:"device_id"`
	PolicyID uuid.UUID `json:"policy_id"`
	Priority int       `json:"priority"`
	Mode     string    `json:"mode"`
}

func (s *Server) handleAssignPolicy(w http.ResponseWriter, r *http.Request) {
	var req assignPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if req.DeviceID == uuid.Nil || req.PolicyID == uuid.Nil {
		middleware.WriteError(w, r, core.E(core.KindInputSchema, "device_id and policy_id are required"))
		return
	}
	mode := core.AssignmentMode(req.Mode)
	if mode == "" {
		mode = core.ModeEnforce
	}
	if mode != core.ModeEnforce && mode != core.ModeAudit {
		middleware.WriteError(w, r, core.Ef(core.KindInputSchema, "invalid mode %q", req.Mode))
		return
	}

	tenantID := middleware.Tenant(r.Context())
	ac := s.adminAuditContext(r)
	var out *core.PolicyAssignment
	err := s.store.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		// Both ends must exist in this tenant before binding them.
		if _, err := s.store.GetDevice(r.Context(), tx, tenantID, req.DeviceID); err != nil {
			return err
		}
		if _, err := s.store.GetPolicy(r.Context(), tx, tenantID, req.PolicyID); err != nil {
			return err
		}

		var err error
		out, err = s.store.UpsertAssignment(r.Context(), tx, &core.PolicyAssignment{
			ID:        uuid.New(),
			TenantID:  tenantID,
			DeviceID:  req.DeviceID,
			PolicyID:  req.PolicyID,
			Priority:  req.Priority,
			Mode:      mode,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return s.auditor.Record(r.Context(), tx, ac, audit.Entry{
			Action:     "assignment.create",
			TargetType: "assignment",
			TargetID:   out.ID.String(),
			After:      out,
		})
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, map[string]interface{}{"assignment": out})
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	tenantID := middleware.Tenant(r.Context())
	if _, err := s.store.GetDevice(r.Context(), s.store.DB(), tenantID, id); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	items, err := s.store.ListAssignments(r.Context(), s.store.DB(), tenantID, id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleClearAssignments(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	tenantID := middleware.Tenant(r.Context())
	ac := s.adminAuditContext(r)

	var removed int64
	err = s.store.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if _, err := s.store.GetDevice(r.Context(), tx, tenantID, id); err != nil {
			return err
		}
		var err error
		removed, err = s.store.ClearAssignments(r.Context(), tx, tenantID, id)
		if err != nil {
			return err
		}
		return s.auditor.Record(r.Context(), tx, ac, audit.Entry{
			Action:     "assignment.clear",
			TargetType: "device",
			TargetID:   id.String(),
			After:      map[string]interface{}{"removed": removed},
		})
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (s *Server) handleDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	policyID, err := pathUUID(r, "policy_id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	tenantID := middleware.Tenant(r.Context())
	ac := s.adminAuditContext(r)

	err = s.store.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		ok, err := s.store.DeleteAssignment(r.Context(), tx, tenantID, deviceID, policyID)
		if err != nil {
			return err
		}
		if !ok {
			return core.E(core.KindNotFound, "assignment not found")
		}
		return s.auditor.Record(r.Context(), tx, ac, audit.Entry{
			Action:     "assignment.delete",
			TargetType: "assignment",
			TargetID:   deviceID.String() + "/" + policyID.String(),
		})
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---- runs ----

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	var deviceID *uuid.UUID
	if raw := r.URL.Query().Get("device_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			middleware.WriteError(w, r, core.E(core.KindInputMalformed, "invalid device_id"))
			return
		}
		deviceID = &id
	}

	items, total, err := s.store.ListRuns(r.Context(), s.store.DB(), middleware.Tenant(r.Context()), deviceID, limit, offset)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": items, "total": total, "limit": limit, "offset": offset,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	tenantID := middleware.Tenant(r.Context())

	run, err := s.store.GetRun(r.Context(), s.store.DB(), tenantID, id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	items, err := s.store.GetRunItems(r.Context(), s.store.DB(), run.ID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	logs, err := s.store.GetRunLogs(r.Context(), s.store.DB(), run.ID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run": run, "items": items, "logs": logs,
	})
}

// ---- audit ----

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageParams(r)
	q := r.URL.Query()

	beforeTS, beforeID, err := audit.DecodeCursor(q.Get("cursor"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	filter := store.AuditFilter{
		Action:     q.Get("action"),
		TargetType: q.Get("target_type"),
		TargetID:   q.Get("target_id"),
	}

	items, err := s.store.ListAuditLogs(r.Context(), s.store.DB(), middleware.Tenant(r.Context()), filter, beforeTS, beforeID, limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	next := ""
	if len(items) == limit {
		last := items[len(items)-1]
		next = audit.EncodeCursor(last.TS, last.ID)
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": items, "next_cursor": next,
	})
}

// ---- maintenance ----

type pruneRequest struct {
	KeepDays          int  `json:"keep_days"`
	KeepRunsPerDevice int  `json:"keep_runs_per_device"`
	BatchSize         int  `json:"batch_size"`
	DryRun            bool `json:"dry_run"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	res, err := s.pruner.Prune(r.Context(), s.adminAuditContext(r), middleware.Tenant(r.Context()), maintenance.Params{
		KeepDays:          req.KeepDays,
		KeepRunsPerDevice: req.KeepRunsPerDevice,
		BatchSize:         req.BatchSize,
		DryRun:            req.DryRun,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}
