package db

import (
	"fmt"
	"strings"
)

// Dialect identifies the SQL syntax variant of the connected database. The
// production deployment runs Postgres; SQLite is the embedded dialect used by
// tests and local single-binary setups.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectForDriver maps a database/sql driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return DialectPostgres, nil
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// SupportsAtomicUpsert reports whether the dialect has a reliable single
// statement upsert (INSERT ... ON CONFLICT). The embedded dialect falls back
// to select-then-branch, which is racy under concurrent writers on the same
// key; processing is single-threaded per poll tick so the race is accepted
// rather than locked away.
func (d Dialect) SupportsAtomicUpsert() bool {
	return d == DialectPostgres
}

// ColumnType translates a canonical SQL type (the vocabulary of the type
// inference rules: BIGINT, DECIMAL(19,4), BOOLEAN, TIMESTAMP, VARCHAR(n),
// LONGTEXT) into the dialect's rendering.
func (d Dialect) ColumnType(canonical string) string {
	if strings.EqualFold(canonical, "LONGTEXT") {
		switch d {
		case DialectPostgres:
			return "TEXT"
		case DialectSQLite:
			return "CLOB"
		}
	}
	return canonical
}

// Rebind converts ?-style placeholders into the dialect's positional form.
// Repository SQL is written once with ? and rebound per connection.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
