package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(sqlx.NewDb(db, "sqlmock")), mock
}

func testDevice() *core.Device {
	return &core.Device{
		ID:       uuid.New(),
		TenantID: core.DefaultTenantID,
		Status:   core.DeviceActive,
	}
}

func deviceRow(d *core.Device) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "device_key", "hostname", "os", "os_version", "arch",
		"agent_version", "tags", "status", "last_seen_at", "deleted_at", "created_at",
	}).AddRow(d.ID, d.TenantID, "dev-1", "host", "windows", "10", "amd64",
		"1.0.0", []byte(`{}`), string(d.Status), nil, nil, time.Now())
}

func validReport() *Report {
	return &Report{
		StartedAt:    time.Now().Add(-time.Minute),
		Status:       string(core.RunSucceeded),
		AgentVersion: "1.0.0",
		Items: []ReportItem{
			{ResourceType: "winget.package", ResourceID: "putty", StatusRemediate: "ok"},
		},
		Logs: []ReportLog{{Level: "info", Message: "run complete"}},
	}
}

func TestValidateRejectsBadStatus(t *testing.T) {
	st, _ := newMockStore(t)
	ing := New(st, Limits{MaxItems: 10, MaxLogs: 10})

	r := validReport()
	r.Status = "mostly-fine"
	_, err := ing.Ingest(context.Background(), testDevice(), nil, r)
	require.Error(t, err)
	assert.Equal(t, core.KindInputSchema, core.KindOf(err))
}

func TestValidateRejectsMissingStartedAt(t *testing.T) {
	st, _ := newMockStore(t)
	ing := New(st, Limits{})

	r := validReport()
	r.StartedAt = time.Time{}
	_, err := ing.Ingest(context.Background(), testDevice(), nil, r)
	assert.Equal(t, core.KindInputSchema, core.KindOf(err))
}

func TestValidateRejectsOversizeReport(t *testing.T) {
	st, _ := newMockStore(t)
	ing := New(st, Limits{MaxItems: 2, MaxLogs: 2})

	r := validReport()
	r.Items = make([]ReportItem, 3)
	for i := range r.Items {
		r.Items[i] = ReportItem{ResourceType: "t", ResourceID: "x"}
	}
	_, err := ing.Ingest(context.Background(), testDevice(), nil, r)
	require.Error(t, err)
	assert.Equal(t, core.KindInputTooLarge, core.KindOf(err))
}

func TestValidateRejectsItemWithoutKey(t *testing.T) {
	st, _ := newMockStore(t)
	ing := New(st, Limits{MaxItems: 10, MaxLogs: 10})

	r := validReport()
	r.Items = append(r.Items, ReportItem{Name: "no key", ResourceType: "", ResourceID: ""})
	_, err := ing.Ingest(context.Background(), testDevice(), nil, r)
	require.Error(t, err)

	var de *core.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.KindInputSchema, de.Kind)
	assert.Equal(t, 1, de.Details["ordinal"])
}

func TestIngestCommitsFullReport(t *testing.T) {
	st, mock := newMockStore(t)
	ing := New(st, Limits{MaxItems: 10, MaxLogs: 10})
	device := testDevice()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM devices .+ FOR UPDATE`).WillReturnRows(deviceRow(device))
	mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO run_items`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO log_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE devices SET last_seen_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := ing.Ingest(context.Background(), device, nil, validReport())
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEqual(t, uuid.Nil, res.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestIdempotentByCorrelation(t *testing.T) {
	st, mock := newMockStore(t)
	ing := New(st, Limits{MaxItems: 10, MaxLogs: 10})
	device := testDevice()
	existing := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM devices .+ FOR UPDATE`).WillReturnRows(deviceRow(device))
	mock.ExpectQuery(`SELECT id FROM runs WHERE device_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing))
	mock.ExpectCommit()

	r := validReport()
	r.CorrelationID = "cid-abc"
	res, err := ing.Ingest(context.Background(), device, nil, r)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, existing, res.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestAtomicOnItemFailure(t *testing.T) {
	st, mock := newMockStore(t)
	ing := New(st, Limits{MaxItems: 10, MaxLogs: 10})
	device := testDevice()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM devices .+ FOR UPDATE`).WillReturnRows(deviceRow(device))
	mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO run_items`).WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	_, err := ing.Ingest(context.Background(), device, nil, validReport())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing after the failed insert may execute")
}

func TestIngestUpdatesTokenLastUsed(t *testing.T) {
	st, mock := newMockStore(t)
	ing := New(st, Limits{MaxItems: 10, MaxLogs: 10})
	device := testDevice()
	tok := &core.DeviceAuthToken{ID: uuid.New(), DeviceID: device.ID}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM devices .+ FOR UPDATE`).WillReturnRows(deviceRow(device))
	mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO run_items`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO log_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE devices SET last_seen_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE device_auth_tokens SET last_used_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := ing.Ingest(context.Background(), device, tok, validReport())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStepStatusCoercion(t *testing.T) {
	assert.Equal(t, core.StepFail, core.CoerceStepStatus("failed"))
	assert.Equal(t, core.StepFail, core.CoerceStepStatus("fail"))
	assert.Equal(t, core.StepNotRun, core.CoerceStepStatus(""))
	assert.Equal(t, core.StepNotRun, core.CoerceStepStatus("unknown-value"))
	assert.Equal(t, core.StepOK, core.CoerceStepStatus("ok"))
	assert.Equal(t, core.StepSkipped, core.CoerceStepStatus("skipped"))
}
