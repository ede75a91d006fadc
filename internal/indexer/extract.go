package indexer

import (
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// parsePayload decodes a snapshot payload into a generic map. Integral JSON
// numbers come back as int64 and decimals as float64, which is what keeps
// type inference honest downstream. Anything that is not a JSON object
// yields an empty map; extraction proceeds with whatever resolves.
func parsePayload(payload string) map[string]any {
	v, err := oj.ParseString(payload)
	if err != nil {
		return map[string]any{}
	}
	m, ok := v.(map[string]any)
	if !ok || m == nil {
		return map[string]any{}
	}
	return m
}

// extractPath evaluates a JSONPath against data and returns the first match.
// A malformed path or a path with no match reports ok=false; extraction
// failures for a single column are skipped by callers, never fatal.
func extractPath(data any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, false
	}
	results := expr.Get(data)
	if len(results) == 0 {
		return nil, false
	}
	return results[0], true
}

// normalizeValue flattens an extracted value for column storage: maps and
// slices are serialized to JSON text, scalars pass through.
func normalizeValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		return oj.JSON(v)
	default:
		return v
	}
}
