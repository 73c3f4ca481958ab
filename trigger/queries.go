package trigger

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// SchemaName is the reserved schema holding the engine's coordination
// tables. Never dropped by the engine.
const SchemaName = "trigon"

// GlobalStateTableName is the shared registry of
// (function, table) -> LastSyncVersion.
const GlobalStateTableName = "[" + SchemaName + "].[GlobalState]"

// bracketIdentifier quotes a single identifier for T-SQL.
func bracketIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// bracketTableName quotes a possibly schema-qualified table name.
func bracketTableName(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = bracketIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// paramNameFor builds the bound-parameter name for a primary-key value:
// @{col}_{index}, where index is the row's position in the batch. Column
// characters outside [A-Za-z0-9_] are folded to underscores so the name
// stays valid; values themselves are never interpolated into query text.
func paramNameFor(column string, index int) string {
	var b strings.Builder
	for _, r := range column {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return fmt.Sprintf("%s_%d", b.String(), index)
}

// queryBuilder assembles all T-SQL issued by the engine. Identifiers come
// from the catalog, numeric literals from int64 values; the only
// user-supplied data — primary-key values — travel as bound parameters.
type queryBuilder struct {
	userTable   string // bracketed user table name
	workerTable string // bracketed worker table name
	objectID    int64
	functionID  string

	pkColumns    []ColumnMetadata
	userColumns  []string
	nonPKColumns []string

	batchSize            int
	maxAttemptCount      int
	leaseIntervalSeconds int
}

func newQueryBuilder(meta *TableMetadata, functionID string, batchSize, maxAttemptCount, leaseIntervalSeconds int) *queryBuilder {
	pkNames := make(map[string]bool, len(meta.PKColumns))
	for _, c := range meta.PKColumns {
		pkNames[c.Name] = true
	}
	nonPK := make([]string, 0, len(meta.Columns))
	for _, c := range meta.Columns {
		if !pkNames[c] {
			nonPK = append(nonPK, c)
		}
	}

	workerTable := fmt.Sprintf("%s.%s",
		bracketIdentifier(SchemaName),
		bracketIdentifier(fmt.Sprintf("Worker_%s_%d", functionID, meta.ObjectID)))

	return &queryBuilder{
		userTable:            bracketTableName(meta.TableName),
		workerTable:          workerTable,
		objectID:             meta.ObjectID,
		functionID:           functionID,
		pkColumns:            meta.PKColumns,
		userColumns:          meta.Columns,
		nonPKColumns:         nonPK,
		batchSize:            batchSize,
		maxAttemptCount:      maxAttemptCount,
		leaseIntervalSeconds: leaseIntervalSeconds,
	}
}

// pkMatch renders "left.[pk1] = right.[pk1] AND ..." join conditions.
func (q *queryBuilder) pkMatch(left, right string) string {
	conds := make([]string, len(q.pkColumns))
	for i, c := range q.pkColumns {
		col := bracketIdentifier(c.Name)
		conds[i] = fmt.Sprintf("%s.%s = %s.%s", left, col, right, col)
	}
	return strings.Join(conds, " AND ")
}

// pkPredicate renders "[pk1] = @pk1_{idx} AND ..." for one batch row.
func (q *queryBuilder) pkPredicate(index int) string {
	conds := make([]string, len(q.pkColumns))
	for i, c := range q.pkColumns {
		conds[i] = fmt.Sprintf("%s = @%s", bracketIdentifier(c.Name), paramNameFor(c.Name, index))
	}
	return strings.Join(conds, " AND ")
}

// pkArgs binds one batch row's primary-key values by @{col}_{index} name.
func (q *queryBuilder) pkArgs(row map[string]string, index int) []any {
	args := make([]any, len(q.pkColumns))
	for i, c := range q.pkColumns {
		args[i] = sql.Named(paramNameFor(c.Name, index), row[c.Name])
	}
	return args
}

// eligibility is the shared candidate predicate: the worker row is absent,
// or it records an older change with no live lease, or its lease expired —
// and the row has attempts left (NULL counts as eligible).
func (q *queryBuilder) eligibility() string {
	return fmt.Sprintf(
		`(w.[ChangeVersion] IS NULL
        OR (w.[ChangeVersion] < c.[SYS_CHANGE_VERSION] AND w.[LeaseExpirationTime] IS NULL)
        OR w.[LeaseExpirationTime] < SYSDATETIME())
    AND (w.[AttemptCount] IS NULL OR w.[AttemptCount] < %d)`, q.maxAttemptCount)
}

func (q *queryBuilder) createSchemaQuery() string {
	return fmt.Sprintf(
		`IF SCHEMA_ID(N'%s') IS NULL
    EXEC (N'CREATE SCHEMA %s');`,
		SchemaName, bracketIdentifier(SchemaName))
}

func (q *queryBuilder) createGlobalStateTableQuery() string {
	return fmt.Sprintf(
		`IF OBJECT_ID(N'%s', 'U') IS NULL
    CREATE TABLE %s (
        UserFunctionID char(16) NOT NULL,
        UserTableID int NOT NULL,
        LastSyncVersion bigint NOT NULL,
        PRIMARY KEY (UserFunctionID, UserTableID)
    );`,
		GlobalStateTableName, GlobalStateTableName)
}

func (q *queryBuilder) minValidVersionQuery() string {
	return fmt.Sprintf(`SELECT CHANGE_TRACKING_MIN_VALID_VERSION(%d);`, q.objectID)
}

// seedGlobalStateQuery inserts the initial sync version for this
// (function, table) pair. IF NOT EXISTS keeps re-initialization from
// disturbing an in-flight monitor elsewhere.
func (q *queryBuilder) seedGlobalStateQuery(minValidVersion int64) string {
	return fmt.Sprintf(
		`IF NOT EXISTS (SELECT 1 FROM %s WHERE UserFunctionID = @function_id AND UserTableID = %d)
    INSERT INTO %s (UserFunctionID, UserTableID, LastSyncVersion)
    VALUES (@function_id, %d, %d);`,
		GlobalStateTableName, q.objectID,
		GlobalStateTableName, q.objectID, minValidVersion)
}

func (q *queryBuilder) createWorkerTableQuery() string {
	var cols strings.Builder
	for _, c := range q.pkColumns {
		fmt.Fprintf(&cols, "        %s %s NOT NULL,\n", bracketIdentifier(c.Name), c.DefinitionType())
	}

	pkNames := make([]string, len(q.pkColumns))
	for i, c := range q.pkColumns {
		pkNames[i] = bracketIdentifier(c.Name)
	}

	return fmt.Sprintf(
		`IF OBJECT_ID(N'%s', 'U') IS NULL
    CREATE TABLE %s (
%s        ChangeVersion bigint NOT NULL,
        AttemptCount int NOT NULL,
        LeaseExpirationTime datetime2,
        PRIMARY KEY (%s)
    );`,
		q.workerTable, q.workerTable, cols.String(), strings.Join(pkNames, ", "))
}

func (q *queryBuilder) getLastSyncVersionQuery() string {
	return fmt.Sprintf(
		`SELECT LastSyncVersion FROM %s WHERE UserFunctionID = @function_id AND UserTableID = %d;`,
		GlobalStateTableName, q.objectID)
}

// setLastSyncVersionQuery moves the stored version to an exact value. Used
// both when trailing the retention floor and when advancing after release.
func (q *queryBuilder) setLastSyncVersionQuery(version int64) string {
	return fmt.Sprintf(
		`UPDATE %s SET LastSyncVersion = %d WHERE UserFunctionID = @function_id AND UserTableID = %d;`,
		GlobalStateTableName, version, q.objectID)
}

// selectChangesQuery selects the top BatchSize eligible candidates from the
// change table, joined to the worker table (claims) and the user table
// (current row values; NULL for deletes).
func (q *queryBuilder) selectChangesQuery(lastSyncVersion int64) string {
	selectList := make([]string, 0, len(q.userColumns)+2)
	for _, c := range q.pkColumns {
		selectList = append(selectList, "c."+bracketIdentifier(c.Name))
	}
	for _, name := range q.nonPKColumns {
		selectList = append(selectList, "u."+bracketIdentifier(name))
	}
	selectList = append(selectList, "c.[SYS_CHANGE_VERSION]", "c.[SYS_CHANGE_OPERATION]")

	return fmt.Sprintf(
		`SELECT TOP (%d) %s
FROM CHANGETABLE(CHANGES %s, %s) AS c
LEFT OUTER JOIN %s AS w WITH (TABLOCKX, HOLDLOCK) ON %s
LEFT OUTER JOIN %s AS u ON %s
WHERE %s
ORDER BY c.[SYS_CHANGE_VERSION] ASC;`,
		q.batchSize,
		strings.Join(selectList, ", "),
		q.userTable, strconv.FormatInt(lastSyncVersion, 10),
		q.workerTable, q.pkMatch("w", "c"),
		q.userTable, q.pkMatch("u", "c"),
		q.eligibility())
}

// acquireLeaseQuery claims one candidate row: insert a fresh worker row or
// update the existing one to the new version, incrementing AttemptCount.
// The increment happens here, before the handler runs; it is what bounds
// retries even when a worker crashes mid-batch.
func (q *queryBuilder) acquireLeaseQuery(index int, changeVersion int64) string {
	ver := strconv.FormatInt(changeVersion, 10)

	insertCols := make([]string, 0, len(q.pkColumns)+3)
	insertVals := make([]string, 0, len(q.pkColumns)+3)
	for _, c := range q.pkColumns {
		insertCols = append(insertCols, bracketIdentifier(c.Name))
		insertVals = append(insertVals, "@"+paramNameFor(c.Name, index))
	}
	insertCols = append(insertCols, "[ChangeVersion]", "[AttemptCount]", "[LeaseExpirationTime]")
	insertVals = append(insertVals, ver, "1",
		fmt.Sprintf("DATEADD(second, %d, SYSDATETIME())", q.leaseIntervalSeconds))

	return fmt.Sprintf(
		`IF NOT EXISTS (SELECT 1 FROM %s WITH (TABLOCKX, HOLDLOCK) WHERE %s)
    INSERT INTO %s (%s)
    VALUES (%s);
ELSE
    UPDATE %s SET
        [ChangeVersion] = %s,
        [AttemptCount] = [AttemptCount] + 1,
        [LeaseExpirationTime] = DATEADD(second, %d, SYSDATETIME())
    WHERE %s;`,
		q.workerTable, q.pkPredicate(index),
		q.workerTable, strings.Join(insertCols, ", "),
		strings.Join(insertVals, ", "),
		q.workerTable, ver, q.leaseIntervalSeconds, q.pkPredicate(index))
}

// renewLeasesQuery refreshes the lease on every row of the current batch in
// one statement. Runs without a surrounding transaction: a concurrent
// cleanup deleting a just-released row must not roll the renewal back.
func (q *queryBuilder) renewLeasesQuery(rowCount int) string {
	preds := make([]string, rowCount)
	for i := 0; i < rowCount; i++ {
		preds[i] = "(" + q.pkPredicate(i) + ")"
	}
	return fmt.Sprintf(
		`UPDATE %s WITH (TABLOCKX) SET [LeaseExpirationTime] = DATEADD(second, %d, SYSDATETIME())
WHERE %s;`,
		q.workerTable, q.leaseIntervalSeconds, strings.Join(preds, "\n    OR "))
}

// releaseLeaseQuery marks one batch row processed at its change version.
// The ChangeVersion guard keeps a stale release from clobbering a newer
// claim taken by a peer after our lease expired.
func (q *queryBuilder) releaseLeaseQuery(index int, changeVersion int64) string {
	ver := strconv.FormatInt(changeVersion, 10)
	return fmt.Sprintf(
		`UPDATE %s SET
    [ChangeVersion] = %s,
    [AttemptCount] = 0,
    [LeaseExpirationTime] = NULL
WHERE %s AND [ChangeVersion] <= %s;`,
		q.workerTable, ver, q.pkPredicate(index), ver)
}

// unprocessedChangesCountQuery counts candidates at or below
// newLastSyncVersion that some worker still has to process. The predicate
// mirrors candidate selection; the shared version only advances when this
// count is zero.
func (q *queryBuilder) unprocessedChangesCountQuery(lastSyncVersion, newLastSyncVersion int64) string {
	return fmt.Sprintf(
		`SELECT COUNT_BIG(*)
FROM CHANGETABLE(CHANGES %s, %s) AS c
LEFT OUTER JOIN %s AS w WITH (TABLOCKX, HOLDLOCK) ON %s
WHERE c.[SYS_CHANGE_VERSION] <= %s
    AND %s;`,
		q.userTable, strconv.FormatInt(lastSyncVersion, 10),
		q.workerTable, q.pkMatch("w", "c"),
		strconv.FormatInt(newLastSyncVersion, 10),
		q.eligibility())
}

// deleteProcessedRowsQuery garbage-collects worker rows at or below the
// advanced sync version.
func (q *queryBuilder) deleteProcessedRowsQuery(newLastSyncVersion int64) string {
	return fmt.Sprintf(
		`DELETE FROM %s WHERE [ChangeVersion] <= %d;`,
		q.workerTable, newLastSyncVersion)
}

// functionIDArg binds the function id for global-state statements.
func (q *queryBuilder) functionIDArg() any {
	return sql.Named("function_id", q.functionID)
}
