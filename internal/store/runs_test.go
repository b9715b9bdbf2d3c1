package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/backend/internal/core"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

var runsTestStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func runSummaryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "device_id", "started_at", "ended_at", "status",
		"agent_version", "effective_policy_hash", "policy_snapshot", "summary",
		"correlation_id", "created_at", "items_total", "items_failed",
	})
}

// Runs sharing a started_at must sort by id as well, so repeated listings
// and page boundaries never shuffle.
func TestListRunsOrdersByStartedAtThenID(t *testing.T) {
	st, mock := newMockStore(t)
	tenant := core.DefaultTenantID
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM runs r WHERE r\.tenant_id`).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	rows := runSummaryRows().
		AddRow(a, tenant, uuid.New(), runsTestStart, nil, "succeeded", "1.0.0",
			"", []byte(`{}`), []byte(`{}`), nil, runsTestStart, 3, 0).
		AddRow(b, tenant, uuid.New(), runsTestStart, nil, "succeeded", "1.0.0",
			"", []byte(`{}`), []byte(`{}`), nil, runsTestStart, 1, 1)

	mock.ExpectQuery(`ORDER BY r\.started_at DESC, r\.id DESC LIMIT \$2 OFFSET \$3`).
		WithArgs(tenant, 50, 0).
		WillReturnRows(rows)

	out, total, err := st.ListRuns(context.Background(), st.DB(), tenant, nil, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, out, 2)
	assert.Equal(t, a, out[0].ID)
	assert.Equal(t, 3, out[0].ItemsTotal)
	assert.Equal(t, 1, out[1].ItemsFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastRunForDeviceBreaksStartedAtTieByID(t *testing.T) {
	st, mock := newMockStore(t)
	tenant := core.DefaultTenantID
	deviceID := uuid.New()
	runID := uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "device_id", "started_at", "ended_at", "status",
		"agent_version", "effective_policy_hash", "policy_snapshot", "summary",
		"correlation_id", "created_at",
	}).AddRow(runID, tenant, deviceID, runsTestStart, nil, "succeeded", "1.0.0",
		"", []byte(`{}`), []byte(`{}`), nil, runsTestStart)

	mock.ExpectQuery(`FROM runs WHERE tenant_id = \$1 AND device_id = \$2 ORDER BY started_at DESC, id DESC LIMIT 1`).
		WithArgs(tenant, deviceID).
		WillReturnRows(rows)

	run, err := st.LastRunForDevice(context.Background(), st.DB(), tenant, deviceID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, runID, run.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastRunForDeviceNilWhenNoRuns(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`FROM runs WHERE tenant_id = \$1 AND device_id = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	run, err := st.LastRunForDevice(context.Background(), st.DB(), core.DefaultTenantID, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}
