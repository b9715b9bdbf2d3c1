package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTenantID is the fixed Phase-0 tenant. Every row in the database is
// tenant-scoped; until multi-tenant admin auth lands, all traffic that does
// not name a tenant resolves to this one.
var DefaultTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// DeviceStatus is the lifecycle state of an enrolled device.
type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "active"
	DeviceInactive DeviceStatus = "inactive"
)

// AssignmentMode controls whether the agent remediates or only reports.
type AssignmentMode string

const (
	ModeEnforce AssignmentMode = "enforce"
	ModeAudit   AssignmentMode = "audit"
)

// RunStatus is the overall outcome of an agent run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunError     RunStatus = "error"
)

// StepStatus is the per-phase outcome of a single run item.
type StepStatus string

const (
	StepNotRun  StepStatus = "not_run"
	StepOK      StepStatus = "ok"
	StepFail    StepStatus = "fail"
	StepSkipped StepStatus = "skipped"
)

// CoerceStepStatus maps agent-provided strings onto the stored enum. Older
// agents send "failed" and omit not-run phases entirely.
func CoerceStepStatus(v string) StepStatus {
	switch v {
	case "", "none":
		return StepNotRun
	case "failed", "fail":
		return StepFail
	case "ok":
		return StepOK
	case "skipped":
		return StepSkipped
	case "not_run":
		return StepNotRun
	default:
		return StepNotRun
	}
}

// JSONMap is a JSONB column holding an object.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}

// JSONText is a JSONB column kept verbatim. Policy documents live here so
// unknown resource fields round-trip without loss.
type JSONText json.RawMessage

func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("{}"), nil
	}
	return []byte(j), nil
}

func (j *JSONText) Scan(src interface{}) error {
	if src == nil {
		*j = JSONText("{}")
		return nil
	}
	switch v := src.(type) {
	case []byte:
		*j = append((*j)[:0], v...)
		return nil
	case string:
		*j = JSONText(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONText", src)
	}
}

func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONText) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// Tenant is the top-level isolation boundary.
type Tenant struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Device is an enrolled endpoint.
type Device struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	TenantID     uuid.UUID    `db:"tenant_id" json:"tenant_id"`
	DeviceKey    string       `db:"device_key" json:"device_key"`
	Hostname     string       `db:"hostname" json:"hostname"`
	OS           string       `db:"os" json:"os"`
	OSVersion    string       `db:"os_version" json:"os_version"`
	Arch         string       `db:"arch" json:"arch"`
	AgentVersion string       `db:"agent_version" json:"agent_version"`
	Tags         JSONMap      `db:"tags" json:"tags"`
	Status       DeviceStatus `db:"status" json:"status"`
	LastSeenAt   *time.Time   `db:"last_seen_at" json:"last_seen_at"`
	DeletedAt    *time.Time   `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}

// EnrollToken is a single-use credential exchanged for a device token.
type EnrollToken struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	TenantID       uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	TokenHash      string     `db:"token_hash" json:"-"`
	Prefix         string     `db:"prefix" json:"prefix"`
	Note           string     `db:"note" json:"note"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expires_at"`
	UsedAt         *time.Time `db:"used_at" json:"used_at"`
	UsedByDeviceID *uuid.UUID `db:"used_by_device_id" json:"used_by_device_id,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// DeviceAuthToken is one row of a device's bearer-token history. At most one
// row per device has revoked_at IS NULL.
type DeviceAuthToken struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	TenantID   uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	DeviceID   uuid.UUID  `db:"device_id" json:"device_id"`
	TokenHash  string     `db:"token_hash" json:"-"`
	Prefix     string     `db:"prefix" json:"prefix"`
	IssuedAt   time.Time  `db:"issued_at" json:"issued_at"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revoked_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at"`
}

// Policy is a named, versioned policy document.
type Policy struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TenantID      uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Name          string    `db:"name" json:"name"`
	Description   string    `db:"description" json:"description"`
	SchemaVersion string    `db:"schema_version" json:"schema_version"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	Document      JSONText  `db:"document" json:"document"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// PolicyAssignment binds a policy to a device with priority and mode.
// Lower priority wins.
type PolicyAssignment struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	TenantID  uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	DeviceID  uuid.UUID      `db:"device_id" json:"device_id"`
	PolicyID  uuid.UUID      `db:"policy_id" json:"policy_id"`
	Priority  int            `db:"priority" json:"priority"`
	Mode      AssignmentMode `db:"mode" json:"mode"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// Run is one execution of the agent against its effective policy.
type Run struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	TenantID            uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	DeviceID            uuid.UUID  `db:"device_id" json:"device_id"`
	StartedAt           time.Time  `db:"started_at" json:"started_at"`
	EndedAt             *time.Time `db:"ended_at" json:"ended_at"`
	Status              RunStatus  `db:"status" json:"status"`
	AgentVersion        string     `db:"agent_version" json:"agent_version"`
	EffectivePolicyHash string     `db:"effective_policy_hash" json:"effective_policy_hash"`
	PolicySnapshot      JSONText   `db:"policy_snapshot" json:"policy_snapshot"`
	Summary             JSONMap    `db:"summary" json:"summary"`
	CorrelationID       *string    `db:"correlation_id" json:"correlation_id"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
}

// RunItem is the outcome of one resource within a run.
type RunItem struct {
	ID              uuid.UUID  `db:"id" json:"-"`
	RunID           uuid.UUID  `db:"run_id" json:"-"`
	Ordinal         int        `db:"ordinal" json:"ordinal"`
	ResourceType    string     `db:"resource_type" json:"resource_type"`
	ResourceID      string     `db:"resource_id" json:"resource_id"`
	Name            string     `db:"name" json:"name"`
	StatusDetect    StepStatus `db:"status_detect" json:"status_detect"`
	StatusRemediate StepStatus `db:"status_remediate" json:"status_remediate"`
	StatusValidate  StepStatus `db:"status_validate" json:"status_validate"`
	CompliantBefore *bool      `db:"compliant_before" json:"compliant_before"`
	CompliantAfter  *bool      `db:"compliant_after" json:"compliant_after"`
	Changed         bool       `db:"changed" json:"changed"`
	RebootRequired  bool       `db:"reboot_required" json:"reboot_required"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	Evidence        JSONMap    `db:"evidence" json:"evidence"`
	Error           JSONMap    `db:"error" json:"error,omitempty"`
}

// LogEvent is one log line emitted during a run.
type LogEvent struct {
	ID             uuid.UUID `db:"id" json:"-"`
	RunID          uuid.UUID `db:"run_id" json:"-"`
	TS             time.Time `db:"ts" json:"ts"`
	Level          string    `db:"level" json:"level"`
	Message        string    `db:"message" json:"message"`
	Data           JSONMap   `db:"data" json:"data"`
	RunItemOrdinal *int      `db:"run_item_ordinal" json:"run_item_ordinal,omitempty"`
}

// AuditLog is one append-only record of an admin or lifecycle mutation.
type AuditLog struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TenantID      uuid.UUID `db:"tenant_id" json:"tenant_id"`
	TS            time.Time `db:"ts" json:"ts"`
	Actor         string    `db:"actor" json:"actor"`
	ActorID       string    `db:"actor_id" json:"actor_id"`
	Action        string    `db:"action" json:"action"`
	TargetType    string    `db:"target_type" json:"target_type"`
	TargetID      string    `db:"target_id" json:"target_id"`
	Before        JSONText  `db:"before" json:"before,omitempty"`
	After         JSONText  `db:"after" json:"after,omitempty"`
	RequestMethod string    `db:"request_method" json:"request_method,omitempty"`
	RequestPath   string    `db:"request_path" json:"request_path,omitempty"`
	RemoteAddr    string    `db:"remote_addr" json:"remote_addr,omitempty"`
	CorrelationID *string   `db:"correlation_id" json:"correlation_id,omitempty"`
}
