package indexer

import (
	"sort"
	"strings"

	"github.com/caseidx/caseidx/internal/domain"
)

// Reserved column references used by map fan-out: a column whose JSONPath
// names _key or _value is evaluated against a wrapper object built for each
// map entry.
const (
	mapKeyField   = "_key"
	mapValueField = "_value"
)

// fanOutRows expands one payload into output rows for an index definition.
// An arrayRoot resolving to an array produces one row per element; one
// resolving to an object, combined with _key/_value column references,
// produces one row per map entry (marker keys skipped). Anything else — a
// scalar root, an absent root, or no root at all — produces exactly one row
// for the whole payload.
func fanOutRows(payload map[string]any, def domain.IndexDefinition) []map[string]any {
	if def.ArrayRoot == "" {
		return []map[string]any{mapColumns(payload, def.Columns)}
	}

	root, ok := extractPath(payload, def.ArrayRoot)
	if !ok || root == nil {
		return []map[string]any{mapColumns(payload, def.Columns)}
	}

	switch r := root.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(r))
		for _, elem := range r {
			rows = append(rows, mapColumns(elem, def.Columns))
		}
		return rows
	case map[string]any:
		if !referencesMapEntry(def.Columns) {
			return []map[string]any{mapColumns(payload, def.Columns)}
		}
		keys := make([]string, 0, len(r))
		for k := range r {
			if strings.HasPrefix(k, MarkerPrefix) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		rows := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			entry := map[string]any{mapKeyField: k, mapValueField: r[k]}
			rows = append(rows, mapColumns(entry, def.Columns))
		}
		return rows
	default:
		return []map[string]any{mapColumns(payload, def.Columns)}
	}
}

// mapColumns evaluates every column path against data. A failed path drops
// that column from the row, never the row itself.
func mapColumns(data any, columns []domain.IndexColumn) map[string]any {
	row := make(map[string]any, len(columns))
	for _, col := range columns {
		value, ok := extractPath(data, col.JSONPath)
		if !ok {
			continue
		}
		row[col.Name] = normalizeValue(value)
	}
	return row
}

func referencesMapEntry(columns []domain.IndexColumn) bool {
	for _, col := range columns {
		if strings.Contains(col.JSONPath, mapKeyField) || strings.Contains(col.JSONPath, mapValueField) {
			return true
		}
	}
	return false
}
