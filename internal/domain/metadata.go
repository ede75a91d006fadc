package domain

import "time"

// MetadataDefinition is the canonical metadata JSON that maps a business
// class's payload fields into relational columns. Definitions come from two
// places: file-backed canonical resources (keyed by Class) and admin-managed
// overrides stored in metadata_overrides, the latter always winning per
// entity type when enabled.
type MetadataDefinition struct {
	Class      string `json:"class"`
	EntityType string `json:"entityType,omitempty"`
	Parent     string `json:"parent,omitempty"`
	// Mixins name additional class definitions whose mappings are merged
	// in before this definition's own, in declared order. A mixin is flat:
	// its own parent and mixins are not followed.
	Mixins      []string `json:"mixins,omitempty"`
	Version     int      `json:"version,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Deprecated  bool     `json:"deprecated,omitempty"`
	Description string   `json:"description,omitempty"`
	// Table overrides the projection table the class exports into. When
	// empty the engine derives one from the entity type.
	Table    string         `json:"table,omitempty"`
	Mappings []FieldMapping `json:"mappings,omitempty"`
	Fields   []FieldDef     `json:"fields,omitempty"`
}

// IsEnabled treats a missing enabled flag as true, matching the canonical
// file format where the flag is usually omitted.
func (d MetadataDefinition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// FieldMapping is one column's extraction rule plus export and typing hints.
// A mapping with Remove set tombstones an inherited column out of the merged
// result instead of contributing a value.
type FieldMapping struct {
	Column   string `json:"column"`
	JSONPath string `json:"jsonPath"`
	Type     string `json:"type,omitempty"`
	Nullable *bool  `json:"nullable,omitempty"`
	Default  any    `json:"default,omitempty"`
	Index    bool   `json:"index,omitempty"`
	Order    int    `json:"order,omitempty"`
	Remove   bool   `json:"remove,omitempty"`

	ExportToPlain bool     `json:"exportToPlain,omitempty"`
	PlainColumn   string   `json:"plainColumn,omitempty"`
	ExportDest    []string `json:"exportDest,omitempty"`

	Sensitive bool   `json:"sensitive,omitempty"`
	PIIMask   string `json:"piiMask,omitempty"`

	// Provenance, populated by the resolver while merging.
	SourceClass string `json:"-"`
	SourceKind  string `json:"-"`
}

// TargetsPlain reports whether this mapping exports into the plain
// projection table: either flagged directly, routed via exportDest, or given
// a dedicated plain column name.
func (m FieldMapping) TargetsPlain() bool {
	if m.ExportToPlain || m.PlainColumn != "" {
		return true
	}
	for _, d := range m.ExportDest {
		if d == "plain" {
			return true
		}
	}
	return false
}

// PlainColumnName returns the column the value lands in on the projection
// table: PlainColumn when set, else the mapping's own column name.
func (m FieldMapping) PlainColumnName() string {
	if m.PlainColumn != "" {
		return m.PlainColumn
	}
	return m.Column
}

// FieldDef declares the class of a nested payload field so the annotator can
// tag nested objects and array elements before extraction.
type FieldDef struct {
	Name         string `json:"name"`
	ClassName    string `json:"className,omitempty"`
	ElementClass string `json:"elementClass,omitempty"`
	IsArray      bool   `json:"isArray,omitempty"`
}

// PrimaryClass resolves the class hint for a scalar/object field.
func (f FieldDef) PrimaryClass() string {
	return f.ClassName
}

// MetadataOverride is an admin-managed definition stored in the database.
// The JSON definition column contains a MetadataDefinition.
type MetadataOverride struct {
	ID         int64     `json:"id"`
	ClassName  string    `json:"class_name"`
	EntityType string    `json:"entity_type"`
	Version    int       `json:"version"`
	Definition string    `json:"definition"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}
