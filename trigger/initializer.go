package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"
)

// functionIDPattern bounds function ids to what fits the global-state
// char(16) column and the worker-table name.
var functionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,16}$`)

// Start opens a connection pool for connectionString, bootstraps the
// coordination tables for (userFunctionID, userTableName), and returns a
// running ChangeMonitor. The pool is closed once the monitor's loops exit.
//
// Bootstrap is idempotent: every DDL statement and the sync-version seed
// are guarded by existence checks, so restarting or adding peer instances
// never disturbs a monitor already in flight.
func Start(ctx context.Context, connectionString, userTableName, userFunctionID string, executor Executor, logger zerolog.Logger, opts Options) (*ChangeMonitor, error) {
	if connectionString == "" {
		return nil, ErrConfiguration{Field: "connection string", Reason: "is required"}
	}

	db, err := sql.Open("sqlserver", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	monitor, err := StartWithDB(ctx, db, nil, userTableName, userFunctionID, executor, logger, opts)
	if err != nil {
		db.Close()
		return nil, err
	}

	// The pool belongs to this monitor; release it once both loops exit.
	go func() {
		<-monitor.Done()
		db.Close()
	}()
	return monitor, nil
}

// StartWithDB is Start against a caller-owned connection pool. resolver
// may be nil; passing a shared MetadataResolver lets a host starting many
// monitors reuse cached catalog lookups.
func StartWithDB(ctx context.Context, db *sql.DB, resolver *MetadataResolver, userTableName, userFunctionID string, executor Executor, logger zerolog.Logger, opts Options) (*ChangeMonitor, error) {
	if db == nil {
		return nil, ErrConfiguration{Field: "database", Reason: "is required"}
	}
	if userTableName == "" {
		return nil, ErrConfiguration{Field: "table name", Reason: "is required"}
	}
	if !functionIDPattern.MatchString(userFunctionID) {
		return nil, ErrConfiguration{Field: "function id", Reason: "must be 1-16 letters, digits or underscores"}
	}
	if executor == nil {
		return nil, ErrConfiguration{Field: "executor", Reason: "is required"}
	}

	if resolver == nil {
		var err error
		resolver, err = NewMetadataResolver(db, 1)
		if err != nil {
			return nil, err
		}
	}

	meta, err := resolver.Resolve(ctx, userTableName)
	if err != nil {
		return nil, err
	}

	monitor := newChangeMonitor(db, meta, userFunctionID, executor, opts, logger)

	if err := monitor.initializeTables(ctx); err != nil {
		return nil, err
	}

	logger.Info().
		Str("table", meta.TableName).
		Int64("object_id", meta.ObjectID).
		Str("function_id", userFunctionID).
		Str("worker_table", monitor.q.workerTable).
		Msg("Trigger initialized")

	monitor.start()
	return monitor, nil
}

// initializeTables runs the one-shot bootstrap transaction: reserved
// schema, global-state table, sync-version seed, and the per-(function,
// table) worker table. Committed atomically; after this the initializer
// never touches the tables again.
func (m *ChangeMonitor) initializeTables(ctx context.Context) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin bootstrap transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.q.createSchemaQuery()); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := tx.ExecContext(ctx, m.q.createGlobalStateTableQuery()); err != nil {
		return fmt.Errorf("failed to create global state table: %w", err)
	}

	var minValid sql.NullInt64
	if err := tx.QueryRowContext(ctx, m.q.minValidVersionQuery()).Scan(&minValid); err != nil {
		return fmt.Errorf("failed to read min valid version: %w", err)
	}
	if !minValid.Valid {
		return fmt.Errorf("%w: %s", ErrChangeTrackingNotEnabled, m.meta.TableName)
	}

	if _, err := tx.ExecContext(ctx, m.q.seedGlobalStateQuery(minValid.Int64), m.q.functionIDArg()); err != nil {
		return fmt.Errorf("failed to seed global state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, m.q.createWorkerTableQuery()); err != nil {
		return fmt.Errorf("failed to create worker table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bootstrap: %w", err)
	}
	return nil
}
