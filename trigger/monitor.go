package trigger

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/trigon-io/trigon/telemetry"
)

// Options are the monitor tunables. Zero values fall back to the defaults
// below.
type Options struct {
	BatchSize            int           // Max rows per handler invocation
	MaxAttemptCount      int           // Attempts before a row is abandoned
	MaxLeaseRenewalCount int           // Renewals before the handler is cancelled
	LeaseInterval        time.Duration // Lease length; renewal period is half this
	PollingInterval      time.Duration // Time between poll ticks
}

const (
	DefaultBatchSize            = 10
	DefaultMaxAttemptCount      = 5
	DefaultMaxLeaseRenewalCount = 5
	DefaultLeaseInterval        = 30 * time.Second
	DefaultPollingInterval      = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxAttemptCount <= 0 {
		o.MaxAttemptCount = DefaultMaxAttemptCount
	}
	if o.MaxLeaseRenewalCount <= 0 {
		o.MaxLeaseRenewalCount = DefaultMaxLeaseRenewalCount
	}
	if o.LeaseInterval <= 0 {
		o.LeaseInterval = DefaultLeaseInterval
	}
	if o.PollingInterval <= 0 {
		o.PollingInterval = DefaultPollingInterval
	}
	return o
}

// batchRow is one selected candidate: the stringified column values
// (user columns plus the change-table system columns) and the parsed
// change version.
type batchRow struct {
	values        map[string]string
	changeVersion int64
}

// ChangeMonitor watches one table's change-tracking stream for one
// function id. Two cooperating loops share the row batch through a single
// mutex: the polling loop acquires, processes, and releases; the renewal
// loop keeps leases alive while the handler runs and cancels handlers that
// exceed the renewal budget.
//
// Any number of peer processes may run monitors against the same
// (function, table); they coordinate purely through the worker table.
type ChangeMonitor struct {
	db         *sql.DB
	meta       *TableMetadata
	functionID string
	executor   Executor
	q          *queryBuilder
	opts       Options
	logger     zerolog.Logger

	// mu guards the batch, the renewal counter, the state, and the
	// executor context. It is NOT held while the handler runs; that is
	// what lets renewal proceed concurrently.
	mu                sync.Mutex
	state             monitorState
	batch             []batchRow
	leaseRenewalCount int
	execCtx           context.Context
	execCancel        context.CancelFunc

	pollCtx   context.Context
	stopPoll  context.CancelFunc
	renewCtx  context.Context
	stopRenew context.CancelFunc

	done     chan struct{}
	wg       sync.WaitGroup
	lastPoll atomic.Int64
}

func newChangeMonitor(db *sql.DB, meta *TableMetadata, functionID string, executor Executor, opts Options, logger zerolog.Logger) *ChangeMonitor {
	opts = opts.withDefaults()

	pollCtx, stopPoll := context.WithCancel(context.Background())
	renewCtx, stopRenew := context.WithCancel(context.Background())

	// The executor context is deliberately not derived from the polling
	// context: Stop leaves an in-flight handler to finish or to be
	// cancelled by the renewal limit.
	execCtx, execCancel := context.WithCancel(context.Background())

	return &ChangeMonitor{
		db:         db,
		meta:       meta,
		functionID: functionID,
		executor:   executor,
		q: newQueryBuilder(meta, functionID, opts.BatchSize, opts.MaxAttemptCount,
			int(opts.LeaseInterval/time.Second)),
		opts:       opts,
		logger:     logger,
		state:      stateCheckingForChanges,
		execCtx:    execCtx,
		execCancel: execCancel,
		pollCtx:    pollCtx,
		stopPoll:   stopPoll,
		renewCtx:   renewCtx,
		stopRenew:  stopRenew,
		done:       make(chan struct{}),
	}
}

// start launches the polling and renewal loops.
func (m *ChangeMonitor) start() {
	m.wg.Add(2)
	go m.runChangeConsumption()
	go m.runLeaseRenewal()
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	telemetry.ActiveMonitors.Inc()
}

// Stop cancels the polling loop and returns immediately. An in-flight
// handler runs to completion or until the renewal limit cancels it; use
// Done to wait for both loops to exit.
func (m *ChangeMonitor) Stop() {
	m.stopPoll()
}

// Done is closed once both loops have exited.
func (m *ChangeMonitor) Done() <-chan struct{} {
	return m.done
}

// Close stops the monitor. Teardown is driven entirely by the cancellation
// chain; Close exists so callers can treat the monitor as an io.Closer.
func (m *ChangeMonitor) Close() error {
	m.Stop()
	return nil
}

// Table returns the watched table name.
func (m *ChangeMonitor) Table() string {
	return m.meta.TableName
}

// MonitorStatus is a point-in-time snapshot for the admin API.
type MonitorStatus struct {
	Table             string    `json:"table"`
	FunctionID        string    `json:"function_id"`
	State             string    `json:"state"`
	BatchSize         int       `json:"batch_size"`
	LeaseRenewalCount int       `json:"lease_renewal_count"`
	LastPollTime      time.Time `json:"last_poll_time"`
}

// Status snapshots the monitor under the row-batch mutex.
func (m *ChangeMonitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{
		Table:             m.meta.TableName,
		FunctionID:        m.functionID,
		State:             m.state.String(),
		BatchSize:         len(m.batch),
		LeaseRenewalCount: m.leaseRenewalCount,
		LastPollTime:      time.Unix(m.lastPoll.Load(), 0),
	}
}

// runChangeConsumption is the polling loop: one synchronous
// acquire → process → release cycle per tick, never overlapping itself.
// Its terminal cleanup cancels the renewal loop so the two always die
// together.
func (m *ChangeMonitor) runChangeConsumption() {
	defer m.wg.Done()
	defer m.stopRenew()
	defer telemetry.ActiveMonitors.Dec()

	m.logger.Info().
		Str("table", m.meta.TableName).
		Str("function_id", m.functionID).
		Msg("Change consumption started")

	for {
		if err := m.pollTick(); err != nil && !isCancellation(err) {
			m.logger.Error().Err(err).Str("table", m.meta.TableName).Msg("Poll tick failed")
		}

		select {
		case <-m.pollCtx.Done():
			m.logger.Info().Str("table", m.meta.TableName).Msg("Change consumption stopped")
			return
		case <-time.After(m.opts.PollingInterval):
		}
	}
}

// pollTick runs one cycle: acquire candidates under lease, then hand them
// to the handler. Errors during acquisition clear the batch and let the
// loop continue after the interval.
func (m *ChangeMonitor) pollTick() error {
	m.lastPoll.Store(time.Now().Unix())
	telemetry.PollTicksTotal.Inc()

	m.mu.Lock()
	checking := m.state == stateCheckingForChanges
	m.mu.Unlock()
	if !checking {
		return nil
	}

	rows, err := m.acquireChanges()
	if err != nil {
		m.clearBatch()
		return fmt.Errorf("failed to acquire changes: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	m.mu.Lock()
	m.batch = rows
	m.state = stateProcessingChanges
	m.mu.Unlock()

	m.logger.Debug().
		Str("table", m.meta.TableName).
		Int("rows", len(rows)).
		Msg("Acquired change batch")

	m.processChanges()
	return nil
}

// acquireChanges runs the acquire-changes transaction: bump the sync
// version up to the retention floor if it trails, select eligible
// candidates, and claim each one under an exclusive worker-table lock.
func (m *ChangeMonitor) acquireChanges() ([]batchRow, error) {
	tx, err := m.db.BeginTx(m.pollCtx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lastSync int64
	if err := tx.QueryRowContext(m.pollCtx, m.q.getLastSyncVersionQuery(), m.q.functionIDArg()).Scan(&lastSync); err != nil {
		return nil, fmt.Errorf("failed to read last sync version: %w", err)
	}

	var minValid sql.NullInt64
	if err := tx.QueryRowContext(m.pollCtx, m.q.minValidVersionQuery()).Scan(&minValid); err != nil {
		return nil, fmt.Errorf("failed to read min valid version: %w", err)
	}
	if !minValid.Valid {
		return nil, fmt.Errorf("%w: %s", ErrChangeTrackingNotEnabled, m.meta.TableName)
	}
	if lastSync < minValid.Int64 {
		m.logger.Warn().
			Str("table", m.meta.TableName).
			Int64("last_sync_version", lastSync).
			Int64("min_valid_version", minValid.Int64).
			Msg("Last sync version trails change retention, advancing to floor")
		if _, err := tx.ExecContext(m.pollCtx, m.q.setLastSyncVersionQuery(minValid.Int64), m.q.functionIDArg()); err != nil {
			return nil, fmt.Errorf("failed to advance to retention floor: %w", err)
		}
		lastSync = minValid.Int64
	}

	rows, err := m.selectCandidates(tx, lastSync)
	if err != nil {
		return nil, err
	}

	for i, row := range rows {
		query := m.q.acquireLeaseQuery(i, row.changeVersion)
		if _, err := tx.ExecContext(m.pollCtx, query, m.q.pkArgs(row.values, i)...); err != nil {
			return nil, fmt.Errorf("failed to acquire lease: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease acquisition: %w", err)
	}

	return rows, nil
}

func (m *ChangeMonitor) selectCandidates(tx *sql.Tx, lastSync int64) ([]batchRow, error) {
	rows, err := tx.QueryContext(m.pollCtx, m.q.selectChangesQuery(lastSync))
	if err != nil {
		return nil, fmt.Errorf("failed to select changes: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	var batch []batchRow
	for rows.Next() {
		values := make([]any, len(columns))
		for i := range values {
			values[i] = new(any)
		}
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}

		row := make(map[string]string, len(columns))
		for i, name := range columns {
			v := *(values[i].(*any))
			if v == nil {
				continue
			}
			row[name] = stringifyValue(v)
		}

		version, err := strconv.ParseInt(row[SysChangeVersionColumn], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", SysChangeVersionColumn, row[SysChangeVersionColumn], err)
		}

		batch = append(batch, batchRow{values: row, changeVersion: version})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change rows: %w", err)
	}

	return batch, nil
}

// processChanges decodes the batch and invokes the handler. The row-batch
// mutex is released for the duration of TryExecute so lease renewal can
// run.
func (m *ChangeMonitor) processChanges() {
	changes, err := m.buildChanges()
	if err != nil {
		telemetry.DecodeFailuresTotal.Inc()
		m.logger.Error().Err(err).Str("table", m.meta.TableName).Msg("Failed to decode change batch")
		m.clearBatch()
		return
	}

	m.mu.Lock()
	execCtx := m.execCtx
	m.mu.Unlock()

	started := time.Now()
	succeeded, err := m.executor.TryExecute(execCtx, changes)
	telemetry.ExecutionSeconds.Observe(time.Since(started).Seconds())
	if !succeeded {
		telemetry.HandlerFailuresTotal.Inc()
		evt := m.logger.Warn().Str("table", m.meta.TableName).Int("rows", len(changes))
		if err != nil {
			evt = evt.Err(err)
		}
		evt.Msg("Handler reported failure, leases will expire for retry")
		m.clearBatch()
		return
	}

	telemetry.BatchesDeliveredTotal.Inc()
	telemetry.RowsDeliveredTotal.Add(float64(len(changes)))
	m.releaseAndAdvance()
}

// buildChanges converts the raw batch into handler payloads. Delete rows
// carry only the primary-key columns; insert and update rows carry every
// user column present. An unknown operation code fails the whole batch.
func (m *ChangeMonitor) buildChanges() ([]Change, error) {
	changes := make([]Change, 0, len(m.batch))
	for _, row := range m.batch {
		opCode := row.values[SysChangeOperationColumn]
		var op Operation
		switch opCode {
		case "I":
			op = Insert
		case "U":
			op = Update
		case "D":
			op = Delete
		default:
			return nil, fmt.Errorf("unknown change operation %q", opCode)
		}

		var payload map[string]string
		if op == Delete {
			payload = make(map[string]string, len(m.meta.PKColumns))
			for _, c := range m.meta.PKColumns {
				if v, ok := row.values[c.Name]; ok {
					payload[c.Name] = v
				}
			}
		} else {
			payload = make(map[string]string, len(m.meta.Columns))
			for _, name := range m.meta.Columns {
				if v, ok := row.values[name]; ok {
					payload[name] = v
				}
			}
		}

		changes = append(changes, Change{Operation: op, Row: payload})
	}
	return changes, nil
}

// releaseAndAdvance releases the leases on the processed batch and, when
// no unprocessed candidates remain at or below the recomputed version,
// advances the shared low-water mark and garbage-collects worker rows.
// Failures are logged only: the leases expire naturally and a peer
// reprocesses the rows.
func (m *ChangeMonitor) releaseAndAdvance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.clearBatchLocked()

	newLastSync := recomputeLastSyncVersion(m.batchVersionsLocked())

	if err := m.releaseTx(newLastSync); err != nil {
		if !isCancellation(err) {
			m.logger.Error().Err(err).
				Str("table", m.meta.TableName).
				Int64("new_last_sync_version", newLastSync).
				Msg("Failed to release leases, waiting for expiry")
		}
		return
	}
}

func (m *ChangeMonitor) releaseTx(newLastSync int64) error {
	tx, err := m.db.BeginTx(m.pollCtx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, row := range m.batch {
		query := m.q.releaseLeaseQuery(i, row.changeVersion)
		if _, err := tx.ExecContext(m.pollCtx, query, m.q.pkArgs(row.values, i)...); err != nil {
			return fmt.Errorf("failed to release lease: %w", err)
		}
	}

	var current int64
	if err := tx.QueryRowContext(m.pollCtx, m.q.getLastSyncVersionQuery(), m.q.functionIDArg()).Scan(&current); err != nil {
		return fmt.Errorf("failed to read last sync version: %w", err)
	}

	var unprocessed int64
	query := m.q.unprocessedChangesCountQuery(current, newLastSync)
	if err := tx.QueryRowContext(m.pollCtx, query).Scan(&unprocessed); err != nil {
		return fmt.Errorf("failed to count unprocessed changes: %w", err)
	}

	if unprocessed == 0 && current < newLastSync {
		if _, err := tx.ExecContext(m.pollCtx, m.q.setLastSyncVersionQuery(newLastSync), m.q.functionIDArg()); err != nil {
			return fmt.Errorf("failed to advance last sync version: %w", err)
		}
		if _, err := tx.ExecContext(m.pollCtx, m.q.deleteProcessedRowsQuery(newLastSync)); err != nil {
			return fmt.Errorf("failed to delete processed rows: %w", err)
		}
		telemetry.SyncVersionAdvancesTotal.Inc()
		m.logger.Debug().
			Str("table", m.meta.TableName).
			Int64("last_sync_version", newLastSync).
			Msg("Advanced last sync version")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}
	return nil
}

// runLeaseRenewal renews leases twice per lease period while a batch is
// being processed, and cancels handlers that outlive the renewal budget.
func (m *ChangeMonitor) runLeaseRenewal() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.LeaseInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.renewCtx.Done():
			return
		case <-ticker.C:
			m.renewLeases()
		}
	}
}

// renewLeases is one renewal tick. Runs entirely under the row-batch
// mutex. The renewal UPDATE runs outside any transaction: a concurrent
// cleanup deleting a just-released row must not roll it back.
func (m *ChangeMonitor) renewLeases() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateProcessingChanges || len(m.batch) == 0 {
		return
	}

	query := m.q.renewLeasesQuery(len(m.batch))
	args := make([]any, 0, len(m.batch)*len(m.q.pkColumns))
	for i, row := range m.batch {
		args = append(args, m.q.pkArgs(row.values, i)...)
	}

	if _, err := m.db.ExecContext(m.renewCtx, query, args...); err != nil {
		if !isCancellation(err) {
			m.logger.Error().Err(err).Str("table", m.meta.TableName).Msg("Failed to renew leases")
		}
	} else {
		telemetry.LeaseRenewalsTotal.Inc()
	}

	if m.state != stateProcessingChanges {
		return
	}

	m.leaseRenewalCount++
	if m.leaseRenewalCount == m.opts.MaxLeaseRenewalCount && m.renewCtx.Err() == nil {
		m.logger.Warn().
			Str("table", m.meta.TableName).
			Int("renewals", m.leaseRenewalCount).
			Msg("Handler exceeded lease renewal limit, cancelling execution")
		telemetry.StuckHandlerCancelsTotal.Inc()

		// Unblock the stuck handler and install a fresh context for
		// later batches. The batch itself falls back to another worker
		// through lease expiry.
		m.execCancel()
		m.execCtx, m.execCancel = context.WithCancel(context.Background())
	}
}

func (m *ChangeMonitor) clearBatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearBatchLocked()
}

// clearBatchLocked resets the batch, the renewal counter, and the state.
// Callers must hold the row-batch mutex.
func (m *ChangeMonitor) clearBatchLocked() {
	m.batch = nil
	m.leaseRenewalCount = 0
	m.state = stateCheckingForChanges
}

func (m *ChangeMonitor) batchVersionsLocked() []int64 {
	versions := make([]int64, len(m.batch))
	for i, row := range m.batch {
		versions[i] = row.changeVersion
	}
	return versions
}

// recomputeLastSyncVersion picks the version the low-water mark may
// advance to after a successful batch: the sole distinct version, or the
// second-largest when there are two or more. The batch is size-capped, so
// further changes may exist at the largest version we have not seen yet;
// advancing past it would lose them.
func recomputeLastSyncVersion(versions []int64) int64 {
	distinct := make(map[int64]bool, len(versions))
	for _, v := range versions {
		distinct[v] = true
	}

	sorted := make([]int64, 0, len(distinct))
	for v := range distinct {
		sorted = append(sorted, v)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if len(sorted) >= 2 {
		return sorted[len(sorted)-2]
	}
	return sorted[0]
}

// stringifyValue renders a scanned column value in the canonical string
// wire form shared by the handler payloads and the sink transformers.
func stringifyValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case time.Time:
		return x.Format("2006-01-02T15:04:05.9999999Z07:00")
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
