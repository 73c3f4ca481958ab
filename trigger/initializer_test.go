package trigger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestStartWithDB_RefusesBadConfiguration(t *testing.T) {
	t.Parallel()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	executor := ExecutorFunc(func(ctx context.Context, changes []Change) (bool, error) {
		return true, nil
	})

	_, err = StartWithDB(context.Background(), nil, nil, "dbo.Orders", "a1b2c3d4e5f60718", executor, zerolog.Nop(), Options{})
	var confErr ErrConfiguration
	require.ErrorAs(t, err, &confErr)

	_, err = StartWithDB(context.Background(), db, nil, "", "a1b2c3d4e5f60718", executor, zerolog.Nop(), Options{})
	require.ErrorAs(t, err, &confErr)

	_, err = StartWithDB(context.Background(), db, nil, "dbo.Orders", "not hex!", executor, zerolog.Nop(), Options{})
	require.ErrorAs(t, err, &confErr)

	_, err = StartWithDB(context.Background(), db, nil, "dbo.Orders", "toolongfunctionidentifier", executor, zerolog.Nop(), Options{})
	require.ErrorAs(t, err, &confErr)

	_, err = StartWithDB(context.Background(), db, nil, "dbo.Orders", "a1b2c3d4e5f60718", nil, zerolog.Nop(), Options{})
	require.ErrorAs(t, err, &confErr)
}

func TestInitializeTables_Bootstrap(t *testing.T) {
	t.Parallel()

	m, mock := newTestMonitor(t, nil)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE SCHEMA").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE .*GlobalState").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("CHANGE_TRACKING_MIN_VALID_VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(12)))
	mock.ExpectExec("INSERT INTO .*GlobalState").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("CREATE TABLE .*Worker_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, m.initializeTables(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeTables_ChangeTrackingDisabled(t *testing.T) {
	t.Parallel()

	m, mock := newTestMonitor(t, nil)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE SCHEMA").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE .*GlobalState").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("CHANGE_TRACKING_MIN_VALID_VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(nil))
	mock.ExpectRollback()

	err := m.initializeTables(context.Background())
	require.ErrorIs(t, err, ErrChangeTrackingNotEnabled)
	require.NoError(t, mock.ExpectationsWereMet())
}
