package sqlgen

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caseidx/caseidx/internal/db"
)

// Row is one write against a managed table. Values are applied on both
// insert and update; CreatedAt is written only when the row is first
// created, UpdatedAt on every write.
type Row struct {
	CaseID    string
	Values    map[string]any
	Payload   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Writer performs dialect-aware writes against dynamically managed tables.
type Writer struct {
	dialect db.Dialect
}

// NewWriter creates a row writer for the given dialect.
func NewWriter(dialect db.Dialect) *Writer {
	return &Writer{dialect: dialect}
}

// Upsert writes row keyed by the case identifier: create-if-absent, update
// otherwise. On Postgres this is a single INSERT ... ON CONFLICT statement.
// The embedded dialect has no reliable MERGE here, so it falls back to
// select-then-branch; two concurrent writers on the same key could both
// observe "absent" and both insert. Processing is single-threaded per poll
// tick, so that race stays a documented limitation, not something to lock
// around.
func (w *Writer) Upsert(ctx context.Context, q Querier, table string, row Row) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("invalid table identifier %q", table)
	}
	cols := safeColumns(row.Values)

	if w.dialect.SupportsAtomicUpsert() {
		return w.upsertAtomic(ctx, q, table, row, cols)
	}
	return w.upsertSelectThenBranch(ctx, q, table, row, cols)
}

// Insert writes a fresh row with a generated primary key. Fan-out tables use
// this after clearing the case's previous rows.
func (w *Writer) Insert(ctx context.Context, q Querier, table string, row Row) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("invalid table identifier %q", table)
	}
	cols := safeColumns(row.Values)

	names := []string{IDColumn, KeyColumn, PayloadColumn, CreatedAtColumn, UpdatedAtColumn}
	args := []any{uuid.NewString(), row.CaseID, row.Payload, row.CreatedAt, row.UpdatedAt}
	for _, c := range cols {
		names = append(names, c)
		args = append(args, row.Values[c])
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), placeholders(len(names)))
	if _, err := q.ExecContext(ctx, w.dialect.Rebind(stmt), args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// DeleteByCaseID removes every row a case previously produced in table.
func (w *Writer) DeleteByCaseID(ctx context.Context, q Querier, table, caseID string) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("invalid table identifier %q", table)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, KeyColumn)
	if _, err := q.ExecContext(ctx, w.dialect.Rebind(stmt), caseID); err != nil {
		return fmt.Errorf("failed to clear rows of %s: %w", table, err)
	}
	return nil
}

func (w *Writer) upsertAtomic(ctx context.Context, q Querier, table string, row Row, cols []string) error {
	names := []string{IDColumn, KeyColumn, PayloadColumn, CreatedAtColumn, UpdatedAtColumn}
	args := []any{uuid.NewString(), row.CaseID, row.Payload, row.CreatedAt, row.UpdatedAt}
	for _, c := range cols {
		names = append(names, c)
		args = append(args, row.Values[c])
	}

	// created_at is set once on insert and deliberately left out of the
	// update list.
	sets := []string{
		fmt.Sprintf("%s = EXCLUDED.%s", PayloadColumn, PayloadColumn),
		fmt.Sprintf("%s = EXCLUDED.%s", UpdatedAtColumn, UpdatedAtColumn),
	}
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(names, ", "), placeholders(len(names)), KeyColumn, strings.Join(sets, ", "))
	if _, err := q.ExecContext(ctx, w.dialect.Rebind(stmt), args...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}

func (w *Writer) upsertSelectThenBranch(ctx context.Context, q Querier, table string, row Row, cols []string) error {
	sel := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, KeyColumn)
	var n int
	if err := q.QueryRowContext(ctx, w.dialect.Rebind(sel), row.CaseID).Scan(&n); err != nil {
		return fmt.Errorf("failed to probe %s: %w", table, err)
	}

	if n == 0 {
		return w.Insert(ctx, q, table, row)
	}

	sets := []string{PayloadColumn + " = ?", UpdatedAtColumn + " = ?"}
	args := []any{row.Payload, row.UpdatedAt}
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, row.Values[c])
	}
	args = append(args, row.CaseID)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), KeyColumn)
	if _, err := q.ExecContext(ctx, w.dialect.Rebind(stmt), args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	return nil
}

// safeColumns returns the value columns that pass identifier validation and
// do not collide with the fixed columns, in deterministic order. Unsafe
// names are dropped silently.
func safeColumns(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for name := range values {
		switch strings.ToLower(name) {
		case IDColumn, KeyColumn, PayloadColumn, CreatedAtColumn, UpdatedAtColumn:
			continue
		}
		if !ValidIdentifier(name) {
			continue
		}
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
