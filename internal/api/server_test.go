package api

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/backend/internal/audit"
	"github.com/baseliner/backend/internal/config"
	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/ingest"
	"github.com/baseliner/backend/internal/maintenance"
	"github.com/baseliner/backend/internal/middleware"
	"github.com/baseliner/backend/internal/registry"
	"github.com/baseliner/backend/internal/store"
	"github.com/baseliner/backend/internal/token"
)

const testAdminKey = "test-admin-key"

func newTestServer(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(sqlx.NewDb(db, "sqlmock"))
	tokens := token.NewService("test-pepper")
	auditor := audit.NewRecorder(st)
	reg := registry.NewService(st, tokens, auditor)
	ing := ingest.New(st, ingest.Limits{MaxItems: 100, MaxLogs: 100})
	pruner := maintenance.NewPruner(st, auditor)

	cfg := &config.Config{
		Server: config.ServerConfig{
			RequestTimeoutSecs: 5,
			ReportTimeoutSecs:  5,
		},
		Auth: config.AuthConfig{AdminKey: testAdminKey, TokenPepper: "test-pepper"},
		Limits: config.LimitsConfig{
			MaxBodyBytesDefault: 1 << 20,
			MaxBodyBytesReports: 1 << 20,
		},
		RateLimit: config.RateLimitConfig{Enabled: false},
	}

	srv := NewServer(cfg, st, tokens, reg, ing, pruner, auditor, nil)
	return srv.Router(), mock
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.10:4000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorEnvelope {
	t.Helper()
	var env middleware.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestAdminSurfaceRequiresKey(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/admin/policies", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "auth.missing", env.Error.Type)
	assert.NotEmpty(t, env.CorrelationID)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/admin/policies", nil,
		map[string]string{"X-Admin-Key": "not-the-key"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth.invalid", decodeEnvelope(t, rec).Error.Type)
}

func TestDeviceSurfaceRequiresBearer(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/device/policy", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth.missing", decodeEnvelope(t, rec).Error.Type)
}

func TestDeviceSurfaceRejectsUnknownToken(t *testing.T) {
	h, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT .+ FROM device_auth_tokens WHERE token_hash`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := doJSON(t, h, http.MethodGet, "/api/v1/device/policy", nil,
		map[string]string{"Authorization": "Bearer blt_nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth.invalid", decodeEnvelope(t, rec).Error.Type)
}

func TestEnrollRejectsMalformedBody(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/enroll", strings.NewReader("{not json"))
	req.RemoteAddr = "192.0.2.10:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "input.malformed", decodeEnvelope(t, rec).Error.Type)
}

func TestMintEnrollTokenRejectsPastExpiry(t *testing.T) {
	h, _ := newTestServer(t)

	past := time.Now().Add(-time.Hour)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/admin/enroll-tokens",
		mintEnrollTokenRequest{Note: "bench", ExpiresAt: &past},
		map[string]string{"X-Admin-Key": testAdminKey})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "input.schema", decodeEnvelope(t, rec).Error.Type)
}

func TestMintEnrollToken(t *testing.T) {
	h, mock := newTestServer(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO enroll_tokens`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/admin/enroll-tokens",
		mintEnrollTokenRequest{Note: "lab"},
		map[string]string{"X-Admin-Key": testAdminKey})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out mintEnrollTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, strings.HasPrefix(out.Token, "ble_"))
	assert.NotContains(t, rec.Body.String(), "token_hash", "hashes never leave the server")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDevices(t *testing.T) {
	h, mock := newTestServer(t)
	deviceID := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM devices`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`FROM devices d`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "device_key", "hostname", "os", "os_version", "arch",
			"agent_version", "tags", "status", "last_seen_at", "deleted_at", "created_at",
			"last_run_id", "last_run_status", "last_run_at",
		}).AddRow(deviceID, core.DefaultTenantID, "dev-1", "host-1", "windows", "10",
			"amd64", "1.0.0", []byte(`{}`), "active", nil, nil, time.Now(), nil, nil, nil))

	rec := doJSON(t, h, http.MethodGet, "/api/v1/admin/devices", nil,
		map[string]string{"X-Admin-Key": testAdminKey})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Items []store.DeviceHealth `json:"items"`
		Total int                  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Total)
	require.Len(t, out.Items, 1)
	assert.Equal(t, deviceID, out.Items[0].ID)
}

func TestListRunsRejectsBadDeviceFilter(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/admin/runs?device_id=nope", nil,
		map[string]string{"X-Admin-Key": testAdminKey})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "input.malformed", decodeEnvelope(t, rec).Error.Type)
}

func TestAssignPolicyRejectsBadMode(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/admin/assign-policy",
		assignPolicyRequest{DeviceID: uuid.New(), PolicyID: uuid.New(), Mode: "observe"},
		map[string]string{"X-Admin-Key": testAdminKey})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "input.schema", decodeEnvelope(t, rec).Error.Type)
}

func TestDeviceReportEndToEnd(t *testing.T) {
	h, mock := newTestServer(t)
	deviceID := uuid.New()
	tokenID := uuid.New()

	authDeviceRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "tenant_id", "device_key", "hostname", "os", "os_version", "arch",
			"agent_version", "tags", "status", "last_seen_at", "deleted_at", "created_at",
		}).AddRow(deviceID, core.DefaultTenantID, "dev-1", "host-1", "windows", "10",
			"amd64", "1.0.0", []byte(`{}`), "active", nil, nil, time.Now())
	}

	// Bearer auth resolves the token, the device, and touches last_seen.
	mock.ExpectQuery(`SELECT .+ FROM device_auth_tokens WHERE token_hash`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "device_id", "token_hash", "prefix",
			"issued_at", "revoked_at", "last_used_at",
		}).AddRow(tokenID, core.DefaultTenantID, deviceID, "h", "blt_abcd",
			time.Now().Add(-time.Hour), nil, nil))
	mock.ExpectQuery(`SELECT .+ FROM devices WHERE tenant_id`).
		WillReturnRows(authDeviceRows())
	mock.ExpectExec(`UPDATE devices SET last_seen_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Ingestion runs in one transaction under the device row lock. Every
	// report carries a correlation id, so the duplicate check always runs.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM devices .+ FOR UPDATE`).
		WillReturnRows(authDeviceRows())
	mock.ExpectQuery(`SELECT id FROM runs WHERE device_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO run_items`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE devices SET last_seen_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE device_auth_tokens SET last_used_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report := map[string]interface{}{
		"started_at":    time.Now().Add(-time.Minute),
		"status":        "succeeded",
		"agent_version": "1.0.0",
		"items": []map[string]interface{}{
			{"resource_type": "winget.package", "resource_id": "putty", "status_remediate": "ok"},
		},
	}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/device/reports", report,
		map[string]string{"Authorization": "Bearer blt_valid"})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out reportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.Duplicate)
	_, err := uuid.Parse(out.RunID)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectReportAuth(mock sqlmock.Sqlmock, deviceID, tokenID uuid.UUID) {
	mock.ExpectQuery(`SELECT .+ FROM device_auth_tokens WHERE token_hash`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "device_id", "token_hash", "prefix",
			"issued_at", "revoked_at", "last_used_at",
		}).AddRow(tokenID, core.DefaultTenantID, deviceID, "h", "blt_abcd",
			time.Now().Add(-time.Hour), nil, nil))
	mock.ExpectQuery(`SELECT .+ FROM devices WHERE tenant_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "device_key", "hostname", "os", "os_version", "arch",
			"agent_version", "tags", "status", "last_seen_at", "deleted_at", "created_at",
		}).AddRow(deviceID, core.DefaultTenantID, "dev-1", "host-1", "windows", "10",
			"amd64", "1.0.0", []byte(`{}`), "active", nil, nil, time.Now()))
	mock.ExpectExec(`UPDATE devices SET last_seen_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func minimalReport() map[string]interface{} {
	return map[string]interface{}{
		"started_at":    time.Now().Add(-time.Minute),
		"status":        "succeeded",
		"agent_version": "1.0.0",
	}
}

func TestDeviceReportHeaderCorrelationIsIdempotencyKey(t *testing.T) {
	h, mock := newTestServer(t)
	deviceID := uuid.New()
	existing := uuid.New()

	expectReportAuth(mock, deviceID, uuid.New())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM devices .+ FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "device_key", "hostname", "os", "os_version", "arch",
			"agent_version", "tags", "status", "last_seen_at", "deleted_at", "created_at",
		}).AddRow(deviceID, core.DefaultTenantID, "dev-1", "host-1", "windows", "10",
			"amd64", "1.0.0", []byte(`{}`), "active", nil, nil, time.Now()))
	mock.ExpectQuery(`SELECT id FROM runs WHERE device_id`).
		WithArgs(deviceID, "cid-report-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing))
	mock.ExpectCommit()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/device/reports", minimalReport(),
		map[string]string{
			"Authorization":    "Bearer blt_valid",
			"X-Correlation-ID": "cid-report-1",
		})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cid-report-1", rec.Header().Get("X-Correlation-ID"))

	var out reportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Duplicate)
	assert.Equal(t, existing.String(), out.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// capturedArg records the value sqlmock saw for one query placeholder.
type capturedArg struct{ v driver.Value }

func (c *capturedArg) Match(v driver.Value) bool {
	c.v = v
	return true
}

func TestDeviceReportReplacesOversizedCorrelationHeader(t *testing.T) {
	h, mock := newTestServer(t)
	deviceID := uuid.New()
	oversized := strings.Repeat("x", 200)

	expectReportAuth(mock, deviceID, uuid.New())

	// The persisted idempotency key must be the replacement uuid, never the
	// raw header, which would not fit the column and could never match the
	// id echoed on the response.
	var key capturedArg
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM devices .+ FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "device_key", "hostname", "os", "os_version", "arch",
			"agent_version", "tags", "status", "last_seen_at", "deleted_at", "created_at",
		}).AddRow(deviceID, core.DefaultTenantID, "dev-1", "host-1", "windows", "10",
			"amd64", "1.0.0", []byte(`{}`), "active", nil, nil, time.Now()))
	mock.ExpectQuery(`SELECT id FROM runs WHERE device_id`).
		WithArgs(sqlmock.AnyArg(), &key).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE devices SET last_seen_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE device_auth_tokens SET last_used_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/device/reports", minimalReport(),
		map[string]string{
			"Authorization":    "Bearer blt_valid",
			"X-Correlation-ID": oversized,
		})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	echoed := rec.Header().Get("X-Correlation-ID")
	assert.NotEqual(t, oversized, echoed)
	_, err := uuid.Parse(echoed)
	require.NoError(t, err)

	stored, ok := key.v.(string)
	require.True(t, ok, "correlation key arg: %T", key.v)
	assert.Equal(t, echoed, stored)
	assert.NoError(t, mock.ExpectationsWereMet())
}
