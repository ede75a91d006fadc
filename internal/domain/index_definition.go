package domain

// IndexDefinition declares an ad-hoc derived table. When ArrayRoot resolves
// to an array in the payload, one output row is produced per element (fan
// out); when it resolves to an object and a column path references _key or
// _value, one row is produced per map entry; otherwise a single row covers
// the whole payload.
type IndexDefinition struct {
	Table   string        `json:"table"`
	Columns []IndexColumn `json:"columns"`
	// EntityType names the cases a file-shipped definition covers, so it
	// can run without the caller supplying one.
	EntityType string `json:"entityType,omitempty"`
	ArrayRoot  string `json:"arrayRoot,omitempty"`
	DryRun     bool   `json:"dryRun,omitempty"`
	ChunkSize  int    `json:"chunkSize,omitempty"`
}

// IndexColumn maps one JSONPath within a fan-out element (or the whole
// payload) to an output column, with an optional SQL type hint.
type IndexColumn struct {
	Name     string `json:"name"`
	JSONPath string `json:"jsonPath"`
	Type     string `json:"type,omitempty"`
}
