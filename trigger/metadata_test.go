package trigger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestDefinitionType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		col  ColumnMetadata
		want string
	}{
		{"int renders bare", ColumnMetadata{Name: "Id", TypeName: "int"}, "int"},
		{"bigint renders bare", ColumnMetadata{Name: "V", TypeName: "bigint"}, "bigint"},
		{"varchar with length", ColumnMetadata{Name: "Code", TypeName: "varchar", MaxLength: 32}, "varchar(32)"},
		{"nvarchar max", ColumnMetadata{Name: "Body", TypeName: "nvarchar", MaxLength: -1}, "nvarchar(max)"},
		{"varbinary with length", ColumnMetadata{Name: "Blob", TypeName: "varbinary", MaxLength: 64}, "varbinary(64)"},
		{"decimal with precision and scale", ColumnMetadata{Name: "Price", TypeName: "decimal", Precision: 18, Scale: 4}, "decimal(18,4)"},
		{"numeric with precision and scale", ColumnMetadata{Name: "Qty", TypeName: "numeric", Precision: 9, Scale: 0}, "numeric(9,0)"},
		{"datetime2 renders bare", ColumnMetadata{Name: "At", TypeName: "datetime2"}, "datetime2"},
		{"uniqueidentifier renders bare", ColumnMetadata{Name: "Guid", TypeName: "uniqueidentifier"}, "uniqueidentifier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.col.DefinitionType())
		})
	}
}

func TestResolve_TableNotFound(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT OBJECT_ID").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(nil))

	resolver, err := NewMetadataResolver(db, 4)
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "dbo.Missing")
	require.ErrorIs(t, err, ErrTableNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_NoPrimaryKey(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT OBJECT_ID").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(55)))
	mock.ExpectQuery("is_primary_key = 1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "max_length", "precision", "scale", "key_ordinal"}))

	resolver, err := NewMetadataResolver(db, 4)
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "dbo.Heap")
	require.ErrorIs(t, err, ErrNoPrimaryKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_EffectiveColumnOrderAndCache(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT OBJECT_ID").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(901)))
	mock.ExpectQuery("is_primary_key = 1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "max_length", "precision", "scale", "key_ordinal"}).
			AddRow("Region", "int", 4, 10, 0, 1).
			AddRow("Code", "nvarchar", 100, 0, 0, 2))
	// Catalog order interleaves key and non-key columns; the effective
	// order puts the primary key first.
	mock.ExpectQuery("FROM sys.columns").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("Code").
			AddRow("Price").
			AddRow("Region").
			AddRow("Name"))

	resolver, err := NewMetadataResolver(db, 4)
	require.NoError(t, err)

	meta, err := resolver.Resolve(context.Background(), "dbo.Items")
	require.NoError(t, err)
	require.Equal(t, int64(901), meta.ObjectID)
	require.Equal(t, []string{"Region", "Code"}, meta.PKColumnNames())
	require.Equal(t, []string{"Region", "Code", "Price", "Name"}, meta.Columns)

	// Second resolve hits the cache: no further queries expected.
	again, err := resolver.Resolve(context.Background(), "dbo.Items")
	require.NoError(t, err)
	require.Same(t, meta, again)
	require.NoError(t, mock.ExpectationsWereMet())
}
