package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// expectAcquire sets up the acquire-changes transaction for a tick that
// finds the given change rows at lastSync.
func expectAcquire(mock sqlmock.Sqlmock, lastSync, minValid int64, rows *sqlmock.Rows, leases int) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT LastSyncVersion FROM").
		WillReturnRows(sqlmock.NewRows([]string{"LastSyncVersion"}).AddRow(lastSync))
	mock.ExpectQuery("CHANGE_TRACKING_MIN_VALID_VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(minValid))
	mock.ExpectQuery("SELECT TOP").WillReturnRows(rows)
	for i := 0; i < leases; i++ {
		mock.ExpectExec("IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
}

func changeColumns() []string {
	return []string{"Id", "CustomerName", "Total", SysChangeVersionColumn, SysChangeOperationColumn}
}

// Single insert, end to end: the tick selects one candidate, leases it,
// hands it to the handler, releases the lease, and advances the shared
// sync version to the change's version.
func TestPollTick_SingleInsert(t *testing.T) {
	t.Parallel()

	var received []Change
	executor := ExecutorFunc(func(ctx context.Context, changes []Change) (bool, error) {
		received = changes
		return true, nil
	})

	m, mock := newTestMonitor(t, executor)

	rows := sqlmock.NewRows(changeColumns()).
		AddRow(int64(7), "alice", "19.99", int64(1), "I")
	expectAcquire(mock, 0, 0, rows, 1)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE .* SET\\s+\\[ChangeVersion\\] = 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT LastSyncVersion FROM").
		WillReturnRows(sqlmock.NewRows([]string{"LastSyncVersion"}).AddRow(int64(0)))
	mock.ExpectQuery("COUNT_BIG").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectExec("UPDATE .* SET LastSyncVersion = 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.pollTick())
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, received, 1)
	require.Equal(t, Insert, received[0].Operation)
	require.Equal(t, map[string]string{"Id": "7", "CustomerName": "alice", "Total": "19.99"}, received[0].Row)

	// Tick 2: nothing to do.
	expectAcquire(mock, 1, 0, sqlmock.NewRows(changeColumns()), 0)
	require.NoError(t, m.pollTick())
	require.NoError(t, mock.ExpectationsWereMet())
}

// Deletion payload: the user row is gone, so the user columns come back
// NULL and the handler payload carries only the primary key.
func TestPollTick_DeletePayload(t *testing.T) {
	t.Parallel()

	var received []Change
	executor := ExecutorFunc(func(ctx context.Context, changes []Change) (bool, error) {
		received = changes
		return true, nil
	})

	m, mock := newTestMonitor(t, executor)

	rows := sqlmock.NewRows(changeColumns()).
		AddRow(int64(3), nil, nil, int64(4), "D")
	expectAcquire(mock, 2, 0, rows, 1)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE .* SET\\s+\\[ChangeVersion\\] = 4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT LastSyncVersion FROM").
		WillReturnRows(sqlmock.NewRows([]string{"LastSyncVersion"}).AddRow(int64(2)))
	mock.ExpectQuery("COUNT_BIG").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectExec("UPDATE .* SET LastSyncVersion = 4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.pollTick())
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, received, 1)
	require.Equal(t, Delete, received[0].Operation)
	require.Equal(t, map[string]string{"Id": "3"}, received[0].Row)
}

// Handler failure: the batch is cleared without any release transaction;
// the leases expire naturally and another worker retries.
func TestPollTick_HandlerFailure(t *testing.T) {
	t.Parallel()

	executor := ExecutorFunc(func(ctx context.Context, changes []Change) (bool, error) {
		return false, errors.New("handler exploded")
	})

	m, mock := newTestMonitor(t, executor)

	rows := sqlmock.NewRows(changeColumns()).
		AddRow(int64(1), "bob", "5.00", int64(3), "U")
	expectAcquire(mock, 0, 0, rows, 1)

	require.NoError(t, m.pollTick())
	require.NoError(t, mock.ExpectationsWereMet())

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Nil(t, m.batch)
	require.Equal(t, stateCheckingForChanges, m.state)
}

// Trailing the retention floor: the stored version is below
// CHANGE_TRACKING_MIN_VALID_VERSION, so the tick first bumps it up.
func TestPollTick_AdvancesToRetentionFloor(t *testing.T) {
	t.Parallel()

	m, mock := newTestMonitor(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT LastSyncVersion FROM").
		WillReturnRows(sqlmock.NewRows([]string{"LastSyncVersion"}).AddRow(int64(3)))
	mock.ExpectQuery("CHANGE_TRACKING_MIN_VALID_VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(10)))
	mock.ExpectExec("UPDATE .* SET LastSyncVersion = 10").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT TOP").
		WillReturnRows(sqlmock.NewRows(changeColumns()))
	mock.ExpectCommit()

	require.NoError(t, m.pollTick())
	require.NoError(t, mock.ExpectationsWereMet())
}

// Acquisition failure: the error propagates to the tick (where the loop
// logs it), the batch stays empty, and the state stays CheckingForChanges.
func TestPollTick_AcquireFailure(t *testing.T) {
	t.Parallel()

	m, mock := newTestMonitor(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT LastSyncVersion FROM").
		WillReturnError(errors.New("login timeout"))
	mock.ExpectRollback()

	err := m.pollTick()
	require.Error(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Nil(t, m.batch)
	require.Equal(t, stateCheckingForChanges, m.state)
}

// Batch boundary: ten distinct versions in a full batch advance the
// shared version only to the second-largest, so the next tick reads
// changes after version 9 and an unseen change at version 10 is still
// found.
func TestPollTick_BatchBoundaryAdvancesToSecondLargest(t *testing.T) {
	t.Parallel()

	executor := ExecutorFunc(func(ctx context.Context, changes []Change) (bool, error) {
		return true, nil
	})
	m, mock := newTestMonitor(t, executor)

	rows := sqlmock.NewRows(changeColumns())
	for v := int64(1); v <= 10; v++ {
		rows.AddRow(v, "c", "1.00", v, "I")
	}
	expectAcquire(mock, 0, 0, rows, 10)

	mock.ExpectBegin()
	for i := 0; i < 10; i++ {
		mock.ExpectExec("UPDATE .* SET\\s+\\[ChangeVersion\\] =").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectQuery("SELECT LastSyncVersion FROM").
		WillReturnRows(sqlmock.NewRows([]string{"LastSyncVersion"}).AddRow(int64(0)))
	mock.ExpectQuery("COUNT_BIG").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	// Second-largest of 1..10
	mock.ExpectExec("UPDATE .* SET LastSyncVersion = 9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM .* WHERE \\[ChangeVersion\\] <= 9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.pollTick())
	require.NoError(t, mock.ExpectationsWereMet())
}
