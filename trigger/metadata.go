package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// ColumnMetadata describes one column of the watched table, with enough
// type detail to reproduce the column in worker-table DDL.
type ColumnMetadata struct {
	Name      string
	TypeName  string // catalog base type (int, nvarchar, decimal, ...)
	MaxLength int    // bytes for (var)char/binary types, -1 for (max)
	Precision int
	Scale     int
	PKOrder   int // 1-based order in the primary key, 0 if not part of it
}

// DefinitionType renders the column type for DDL. Variable-length string
// and binary types carry their declared length, decimals carry
// (precision,scale), everything else renders bare.
func (c ColumnMetadata) DefinitionType() string {
	switch strings.ToLower(c.TypeName) {
	case "varchar", "nvarchar", "nchar", "char", "binary", "varbinary":
		if c.MaxLength == -1 {
			return fmt.Sprintf("%s(max)", c.TypeName)
		}
		return fmt.Sprintf("%s(%d)", c.TypeName, c.MaxLength)
	case "numeric", "decimal":
		return fmt.Sprintf("%s(%d,%d)", c.TypeName, c.Precision, c.Scale)
	default:
		return c.TypeName
	}
}

// TableMetadata is the resolved identity and schema of a watched table.
// The ordered primary-key column list is canonical for the whole session.
type TableMetadata struct {
	TableName string // name as configured, e.g. "dbo.Orders"
	ObjectID  int64

	PKColumns []ColumnMetadata // ordered by key ordinal

	// Columns is the effective user column order: primary-key columns
	// first, then the remaining columns in catalog order.
	Columns []string
}

// PKColumnNames returns the ordered primary-key column names.
func (t *TableMetadata) PKColumnNames() []string {
	names := make([]string, len(t.PKColumns))
	for i, c := range t.PKColumns {
		names[i] = c.Name
	}
	return names
}

const (
	objectIDQuery = `SELECT OBJECT_ID(@table_name, 'U');`

	primaryKeyColumnsQuery = `
SELECT c.name, t.name, c.max_length, c.precision, c.scale, ic.key_ordinal
FROM sys.indexes AS i
INNER JOIN sys.index_columns AS ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id
INNER JOIN sys.columns AS c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
INNER JOIN sys.types AS t ON c.user_type_id = t.user_type_id
WHERE i.is_primary_key = 1 AND i.object_id = @object_id
ORDER BY ic.key_ordinal;`

	userColumnsQuery = `
SELECT c.name
FROM sys.columns AS c
WHERE c.object_id = @object_id
ORDER BY c.column_id;`
)

// MetadataResolver resolves table identity and schema from the catalog,
// with an LRU cache so monitor restarts skip the round-trips. Entries are
// never invalidated mid-session: schema evolution of a watched table during
// a running session is unsupported.
type MetadataResolver struct {
	db    *sql.DB
	cache *lru.Cache[string, *TableMetadata]
}

// NewMetadataResolver creates a resolver caching up to size tables.
func NewMetadataResolver(db *sql.DB, size int) (*MetadataResolver, error) {
	cache, err := lru.New[string, *TableMetadata](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	return &MetadataResolver{db: db, cache: cache}, nil
}

// Resolve looks up the object id, primary-key columns, and effective column
// order for tableName. Returns ErrTableNotFound or ErrNoPrimaryKey when the
// catalog comes back empty.
func (r *MetadataResolver) Resolve(ctx context.Context, tableName string) (*TableMetadata, error) {
	if meta, ok := r.cache.Get(tableName); ok {
		return meta, nil
	}

	meta, err := r.load(ctx, tableName)
	if err != nil {
		return nil, err
	}

	r.cache.Add(tableName, meta)
	return meta, nil
}

func (r *MetadataResolver) load(ctx context.Context, tableName string) (*TableMetadata, error) {
	var objectID sql.NullInt64
	err := r.db.QueryRowContext(ctx, objectIDQuery, sql.Named("table_name", tableName)).Scan(&objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve object id for %s: %w", tableName, err)
	}
	if !objectID.Valid {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tableName)
	}

	pkColumns, err := r.loadPrimaryKeyColumns(ctx, objectID.Int64)
	if err != nil {
		return nil, err
	}
	if len(pkColumns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, tableName)
	}

	columns, err := r.loadUserColumns(ctx, objectID.Int64, pkColumns)
	if err != nil {
		return nil, err
	}

	meta := &TableMetadata{
		TableName: tableName,
		ObjectID:  objectID.Int64,
		PKColumns: pkColumns,
		Columns:   columns,
	}

	log.Debug().
		Str("table", tableName).
		Int64("object_id", objectID.Int64).
		Int("pk_columns", len(pkColumns)).
		Int("columns", len(columns)).
		Msg("Resolved table metadata")

	return meta, nil
}

func (r *MetadataResolver) loadPrimaryKeyColumns(ctx context.Context, objectID int64) ([]ColumnMetadata, error) {
	rows, err := r.db.QueryContext(ctx, primaryKeyColumnsQuery, sql.Named("object_id", objectID))
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key columns: %w", err)
	}
	defer rows.Close()

	var columns []ColumnMetadata
	for rows.Next() {
		var col ColumnMetadata
		if err := rows.Scan(&col.Name, &col.TypeName, &col.MaxLength, &col.Precision, &col.Scale, &col.PKOrder); err != nil {
			return nil, fmt.Errorf("failed to scan primary key column: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read primary key columns: %w", err)
	}

	return columns, nil
}

// loadUserColumns returns the effective column order: primary-key columns
// first, then the remaining columns in catalog order.
func (r *MetadataResolver) loadUserColumns(ctx context.Context, objectID int64, pkColumns []ColumnMetadata) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, userColumnsQuery, sql.Named("object_id", objectID))
	if err != nil {
		return nil, fmt.Errorf("failed to query table columns: %w", err)
	}
	defer rows.Close()

	pk := make(map[string]bool, len(pkColumns))
	columns := make([]string, 0, len(pkColumns))
	for _, c := range pkColumns {
		pk[c.Name] = true
		columns = append(columns, c.Name)
	}

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		if !pk[name] {
			columns = append(columns, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read table columns: %w", err)
	}

	return columns, nil
}
