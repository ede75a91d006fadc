package metadata

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caseidx/caseidx/internal/domain"
)

// Loader reads canonical mapping definitions from a directory of JSON files,
// one class per file, and indexes them by class name and entity type. The
// filesystem is read once; Reload re-reads it after edits.
type Loader struct {
	fsys fs.FS
	log  zerolog.Logger

	mu           sync.RWMutex
	byClass      map[string]domain.MetadataDefinition
	byEntityType map[string]domain.MetadataDefinition
}

// NewLoader creates a loader over fsys. Call Load before first use.
func NewLoader(fsys fs.FS, log zerolog.Logger) *Loader {
	return &Loader{
		fsys:         fsys,
		log:          log.With().Str("component", "metadata").Logger(),
		byClass:      make(map[string]domain.MetadataDefinition),
		byEntityType: make(map[string]domain.MetadataDefinition),
	}
}

// Load parses every *.json file in the tree. A malformed or structurally
// invalid file is logged and skipped; it never fails the whole load.
// Deprecated and disabled definitions are parsed but not indexed.
func (l *Loader) Load() error {
	byClass := make(map[string]domain.MetadataDefinition)
	byEntityType := make(map[string]domain.MetadataDefinition)

	err := fs.WalkDir(l.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(path.Ext(p), ".json") {
			return nil
		}

		raw, err := fs.ReadFile(l.fsys, p)
		if err != nil {
			l.log.Warn().Err(err).Str("file", p).Msg("failed to read metadata file")
			return nil
		}

		var def domain.MetadataDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			l.log.Warn().Err(err).Str("file", p).Msg("failed to parse metadata file")
			return nil
		}
		if err := Validate(def); err != nil {
			l.log.Warn().Err(err).Str("file", p).Msg("invalid metadata definition")
			return nil
		}
		if def.Deprecated || !def.IsEnabled() {
			l.log.Debug().Str("class", def.Class).Msg("skipping deprecated or disabled definition")
			return nil
		}

		byClass[strings.ToLower(def.Class)] = def
		if def.EntityType != "" {
			byEntityType[strings.ToLower(def.EntityType)] = def
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk metadata directory: %w", err)
	}

	l.mu.Lock()
	l.byClass = byClass
	l.byEntityType = byEntityType
	l.mu.Unlock()

	l.log.Info().Int("definitions", len(byClass)).Msg("loaded canonical metadata")
	return nil
}

// ByClass looks up a definition by class name, case-insensitively.
func (l *Loader) ByClass(name string) (domain.MetadataDefinition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.byClass[strings.ToLower(name)]
	return def, ok
}

// ByEntityType looks up a definition by its declared entity type.
func (l *Loader) ByEntityType(entityType string) (domain.MetadataDefinition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.byEntityType[strings.ToLower(entityType)]
	return def, ok
}

// All returns every indexed definition.
func (l *Loader) All() []domain.MetadataDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	defs := make([]domain.MetadataDefinition, 0, len(l.byClass))
	for _, def := range l.byClass {
		defs = append(defs, def)
	}
	return defs
}

// Validate checks a definition's structure before it is indexed or accepted
// as an override: the class name is mandatory, every mapping needs a column,
// and non-tombstone mappings need a JSON path. Duplicate columns within one
// definition are rejected; across the inheritance chain they are legal and
// resolved by the merge.
func Validate(def domain.MetadataDefinition) error {
	if strings.TrimSpace(def.Class) == "" {
		return fmt.Errorf("definition is missing a class name")
	}

	seen := make(map[string]bool, len(def.Mappings))
	for i, m := range def.Mappings {
		if strings.TrimSpace(m.Column) == "" {
			return fmt.Errorf("mapping %d of %s has no column", i, def.Class)
		}
		key := strings.ToLower(m.Column)
		if seen[key] {
			return fmt.Errorf("duplicate column %q in %s", m.Column, def.Class)
		}
		seen[key] = true
		if !m.Remove && strings.TrimSpace(m.JSONPath) == "" {
			return fmt.Errorf("mapping %q of %s has no jsonPath", m.Column, def.Class)
		}
	}
	return nil
}
