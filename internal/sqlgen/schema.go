package sqlgen

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/caseidx/caseidx/internal/db"
)

// Querier is the subset of database/sql satisfied by both *sql.DB and
// *sql.Tx, so schema work can run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Fixed columns every dynamically managed table carries. KeyColumn holds the
// case identifier; plain projection tables keep it unique, fan-out tables do
// not.
const (
	IDColumn        = "id"
	KeyColumn       = "case_id"
	PayloadColumn   = "payload"
	CreatedAtColumn = "created_at"
	UpdatedAtColumn = "updated_at"
)

// SchemaManager issues dynamic DDL against metadata-driven tables. Schema
// only ever grows: tables are created if absent and missing columns are
// added, but existing columns are never dropped, renamed, or retyped.
type SchemaManager struct {
	dialect db.Dialect
	log     zerolog.Logger
}

// NewSchemaManager creates a schema manager for the given dialect.
func NewSchemaManager(dialect db.Dialect, log zerolog.Logger) *SchemaManager {
	return &SchemaManager{dialect: dialect, log: log.With().Str("component", "sqlgen").Logger()}
}

// EnsureTable creates the default shape of a managed table when it does not
// exist yet: a varchar primary key, the case identifier (unique for plain
// projection tables), a raw payload column, and created/updated timestamps.
// A table name that fails identifier validation is skipped and reported.
func (m *SchemaManager) EnsureTable(ctx context.Context, q Querier, table string, uniqueKey bool) error {
	if !ValidIdentifier(table) {
		m.log.Warn().Str("table", table).Msg("skipping table with invalid identifier")
		return fmt.Errorf("invalid table identifier %q", table)
	}

	exists, err := m.tableExists(ctx, q, table)
	if err != nil {
		return fmt.Errorf("failed to check table %s: %w", table, err)
	}
	if exists {
		return nil
	}

	if _, err := q.ExecContext(ctx, m.createTableSQL(table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	if _, err := q.ExecContext(ctx, m.keyIndexSQL(table, uniqueKey)); err != nil {
		return fmt.Errorf("failed to index table %s: %w", table, err)
	}

	m.log.Info().Str("table", table).Bool("unique_key", uniqueKey).Msg("created work table")
	return nil
}

// EnsureColumns adds any column from values that the table does not already
// have, typed via TypeOf with the per-column hint. Fixed columns are never
// (re)added, the catalog comparison is case-insensitive, and an invalid
// column identifier is skipped rather than emitted.
func (m *SchemaManager) EnsureColumns(ctx context.Context, q Querier, table string, values map[string]any, hints map[string]string) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("invalid table identifier %q", table)
	}

	existing, err := m.existingColumns(ctx, q, table)
	if err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		lower := strings.ToLower(name)
		switch lower {
		case IDColumn, KeyColumn, PayloadColumn, CreatedAtColumn, UpdatedAtColumn:
			continue
		}
		if existing[lower] {
			continue
		}
		if !ValidIdentifier(name) {
			m.log.Warn().Str("table", table).Str("column", name).Msg("skipping column with invalid identifier")
			continue
		}

		stmt := m.addColumnSQL(table, name, values[name], hints[name])
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", table, name, err)
		}
		existing[lower] = true
		m.log.Debug().Str("table", table).Str("column", name).Msg("added column")
	}
	return nil
}

// EnsureColumnIndex creates a non-unique index on one column if both names
// pass validation. Index creation failures are logged, not fatal: a missing
// index slows queries but never blocks a write.
func (m *SchemaManager) EnsureColumnIndex(ctx context.Context, q Querier, table, column string) {
	if !ValidIdentifier(table) || !ValidIdentifier(column) {
		return
	}
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", table, column, table, column)
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		m.log.Warn().Err(err).Str("table", table).Str("column", column).Msg("failed to create column index")
	}
}

// Preview returns the DDL that EnsureTable and EnsureColumns would execute
// for a table that does not exist yet, without touching the database. Used
// by dry runs of ad-hoc index definitions.
func (m *SchemaManager) Preview(table string, uniqueKey bool, values map[string]any, hints map[string]string) []string {
	if !ValidIdentifier(table) {
		return nil
	}
	stmts := []string{m.createTableSQL(table), m.keyIndexSQL(table, uniqueKey)}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch strings.ToLower(name) {
		case IDColumn, KeyColumn, PayloadColumn, CreatedAtColumn, UpdatedAtColumn:
			continue
		}
		if !ValidIdentifier(name) {
			continue
		}
		stmts = append(stmts, m.addColumnSQL(table, name, values[name], hints[name]))
	}
	return stmts
}

func (m *SchemaManager) createTableSQL(table string) string {
	text := m.dialect.ColumnType(TypeLongText)
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(255) PRIMARY KEY, %s VARCHAR(255) NOT NULL, %s %s, %s TIMESTAMP, %s TIMESTAMP)",
		table, IDColumn, KeyColumn, PayloadColumn, text, CreatedAtColumn, UpdatedAtColumn,
	)
}

func (m *SchemaManager) keyIndexSQL(table string, uniqueKey bool) string {
	unique := ""
	if uniqueKey {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", unique, table, KeyColumn, table, KeyColumn)
}

func (m *SchemaManager) addColumnSQL(table, column string, value any, hint string) string {
	colType := m.dialect.ColumnType(TypeOf(value, hint))
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, colType)
}

func (m *SchemaManager) tableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var query string
	arg := table
	switch m.dialect {
	case db.DialectPostgres:
		// Unquoted identifiers fold to lower case in the catalog.
		query = m.dialect.Rebind("SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?")
		arg = strings.ToLower(table)
	default:
		query = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE"
	}

	var n int
	if err := q.QueryRowContext(ctx, query, arg).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// existingColumns returns the table's column names, lower-cased.
func (m *SchemaManager) existingColumns(ctx context.Context, q Querier, table string) (map[string]bool, error) {
	var query string
	arg := table
	switch m.dialect {
	case db.DialectPostgres:
		query = m.dialect.Rebind("SELECT column_name FROM information_schema.columns WHERE table_name = ?")
		arg = strings.ToLower(table)
	default:
		query = "SELECT name FROM pragma_table_info(?)"
	}

	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}
