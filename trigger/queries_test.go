package trigger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMetadata() *TableMetadata {
	return &TableMetadata{
		TableName: "dbo.Orders",
		ObjectID:  901578250,
		PKColumns: []ColumnMetadata{
			{Name: "Id", TypeName: "int", PKOrder: 1},
		},
		Columns: []string{"Id", "CustomerName", "Total"},
	}
}

func testQueryBuilder() *queryBuilder {
	return newQueryBuilder(testMetadata(), "a1b2c3d4e5f60718", 10, 5, 30)
}

func TestParamNameFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Id_0", paramNameFor("Id", 0))
	require.Equal(t, "Order_Id_3", paramNameFor("Order Id", 3))
	require.Equal(t, "col_name_12", paramNameFor("col-name", 12))
}

func TestBracketIdentifier(t *testing.T) {
	t.Parallel()

	require.Equal(t, "[Orders]", bracketIdentifier("Orders"))
	require.Equal(t, "[evil]]name]", bracketIdentifier("evil]name"))
	require.Equal(t, "[dbo].[Orders]", bracketTableName("dbo.Orders"))
}

func TestWorkerTableName(t *testing.T) {
	t.Parallel()

	q := testQueryBuilder()
	require.Equal(t, "[trigon].[Worker_a1b2c3d4e5f60718_901578250]", q.workerTable)
}

func TestSelectChangesQuery(t *testing.T) {
	t.Parallel()

	q := testQueryBuilder()
	query := q.selectChangesQuery(42)

	require.Contains(t, query, "SELECT TOP (10)")
	require.Contains(t, query, "CHANGETABLE(CHANGES [dbo].[Orders], 42)")
	require.Contains(t, query, "LEFT OUTER JOIN [trigon].[Worker_a1b2c3d4e5f60718_901578250] AS w WITH (TABLOCKX, HOLDLOCK)")
	require.Contains(t, query, "w.[Id] = c.[Id]")
	require.Contains(t, query, "u.[Id] = c.[Id]")
	require.Contains(t, query, "u.[CustomerName]")
	require.Contains(t, query, "u.[Total]")
	require.Contains(t, query, "c.[SYS_CHANGE_VERSION], c.[SYS_CHANGE_OPERATION]")
	require.Contains(t, query, "ORDER BY c.[SYS_CHANGE_VERSION] ASC")

	// Eligibility: absent worker row, stale released row, or expired lease;
	// and attempts remaining (NULL counts as eligible).
	require.Contains(t, query, "w.[ChangeVersion] IS NULL")
	require.Contains(t, query, "w.[ChangeVersion] < c.[SYS_CHANGE_VERSION] AND w.[LeaseExpirationTime] IS NULL")
	require.Contains(t, query, "w.[LeaseExpirationTime] < SYSDATETIME()")
	require.Contains(t, query, "w.[AttemptCount] IS NULL OR w.[AttemptCount] < 5")
}

func TestAcquireLeaseQuery(t *testing.T) {
	t.Parallel()

	q := testQueryBuilder()
	query := q.acquireLeaseQuery(2, 17)

	require.Contains(t, query, "IF NOT EXISTS")
	require.Contains(t, query, "[Id] = @Id_2")
	require.Contains(t, query, "VALUES (@Id_2, 17, 1, DATEADD(second, 30, SYSDATETIME()))")
	require.Contains(t, query, "[AttemptCount] = [AttemptCount] + 1")
	require.Contains(t, query, "[ChangeVersion] = 17")

	// Primary-key values only ever appear as bound parameters.
	require.NotContains(t, query, "'")
}

func TestRenewLeasesQuery(t *testing.T) {
	t.Parallel()

	q := testQueryBuilder()
	query := q.renewLeasesQuery(3)

	require.Contains(t, query, "UPDATE [trigon].[Worker_a1b2c3d4e5f60718_901578250] WITH (TABLOCKX)")
	require.Contains(t, query, "([Id] = @Id_0)")
	require.Contains(t, query, "([Id] = @Id_1)")
	require.Contains(t, query, "([Id] = @Id_2)")
	require.Equal(t, 2, strings.Count(query, "OR"))
}

func TestReleaseLeaseQuery(t *testing.T) {
	t.Parallel()

	q := testQueryBuilder()
	query := q.releaseLeaseQuery(0, 9)

	require.Contains(t, query, "[ChangeVersion] = 9")
	require.Contains(t, query, "[AttemptCount] = 0")
	require.Contains(t, query, "[LeaseExpirationTime] = NULL")
	// Stale releases must not clobber a newer claim.
	require.Contains(t, query, "[Id] = @Id_0 AND [ChangeVersion] <= 9")
}

func TestUnprocessedChangesCountQuery(t *testing.T) {
	t.Parallel()

	q := testQueryBuilder()
	query := q.unprocessedChangesCountQuery(4, 9)

	require.Contains(t, query, "COUNT_BIG(*)")
	require.Contains(t, query, "CHANGETABLE(CHANGES [dbo].[Orders], 4)")
	require.Contains(t, query, "c.[SYS_CHANGE_VERSION] <= 9")
	require.Contains(t, query, "w.[AttemptCount] IS NULL OR w.[AttemptCount] < 5")
}

func TestCreateWorkerTableQuery(t *testing.T) {
	t.Parallel()

	meta := &TableMetadata{
		TableName: "dbo.Items",
		ObjectID:  77,
		PKColumns: []ColumnMetadata{
			{Name: "Code", TypeName: "nvarchar", MaxLength: 100, PKOrder: 1},
			{Name: "Region", TypeName: "int", PKOrder: 2},
		},
		Columns: []string{"Code", "Region", "Price"},
	}
	q := newQueryBuilder(meta, "00000000000000ff", 10, 5, 30)
	query := q.createWorkerTableQuery()

	require.Contains(t, query, "IF OBJECT_ID(N'[trigon].[Worker_00000000000000ff_77]', 'U') IS NULL")
	require.Contains(t, query, "[Code] nvarchar(100) NOT NULL")
	require.Contains(t, query, "[Region] int NOT NULL")
	require.Contains(t, query, "ChangeVersion bigint NOT NULL")
	require.Contains(t, query, "AttemptCount int NOT NULL")
	require.Contains(t, query, "LeaseExpirationTime datetime2")
	require.Contains(t, query, "PRIMARY KEY ([Code], [Region])")
	require.NotContains(t, query, "Price")
}

func TestSeedGlobalStateQuery(t *testing.T) {
	t.Parallel()

	q := testQueryBuilder()
	query := q.seedGlobalStateQuery(12)

	require.Contains(t, query, "IF NOT EXISTS")
	require.Contains(t, query, "VALUES (@function_id, 901578250, 12)")
}
