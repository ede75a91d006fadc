package sqlgen

import (
	"encoding/json"
	"strings"
	"time"
)

// Canonical SQL types produced by TypeOf. Dialects translate these at
// emission time (see db.Dialect.ColumnType); inference itself is
// dialect-independent.
const (
	TypeBigint    = "BIGINT"
	TypeDecimal   = "DECIMAL(19,4)"
	TypeBoolean   = "BOOLEAN"
	TypeTimestamp = "TIMESTAMP"
	TypeVarchar   = "VARCHAR(255)"
	TypeLongText  = "LONGTEXT"
)

// TypeOf resolves the SQL column type for a value, optionally steered by a
// metadata type hint. Hints win over the value; well-known hint keywords are
// normalized, and anything that already looks like a concrete SQL type (it
// contains a parenthesis) is passed through unchanged. Without a hint the
// type is inferred from the value's runtime kind.
func TypeOf(value any, hint string) string {
	if h := strings.TrimSpace(hint); h != "" {
		switch strings.ToLower(h) {
		case "bigint":
			return TypeBigint
		case "decimal":
			return TypeDecimal
		case "timestamp":
			return TypeTimestamp
		case "text":
			return TypeLongText
		}
		if strings.Contains(h, "(") {
			return h
		}
		return strings.ToUpper(h)
	}

	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeBigint
	case float32, float64:
		return TypeDecimal
	case json.Number:
		if strings.ContainsAny(v.String(), ".eE") {
			return TypeDecimal
		}
		return TypeBigint
	case bool:
		return TypeBoolean
	case time.Time, *time.Time:
		return TypeTimestamp
	case string:
		if len(v) > 255 {
			return TypeLongText
		}
		return TypeVarchar
	default:
		return TypeLongText
	}
}
