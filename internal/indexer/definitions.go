package indexer

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caseidx/caseidx/internal/domain"
	"github.com/caseidx/caseidx/internal/sqlgen"
)

// DefinitionStore holds ad-hoc index definitions shipped as JSON files, one
// derived table per file, keyed by table name. The directory is read once at
// startup; definitions submitted over the admin API bypass the store.
type DefinitionStore struct {
	fsys fs.FS
	log  zerolog.Logger

	mu      sync.RWMutex
	byTable map[string]domain.IndexDefinition
}

// NewDefinitionStore creates a store over fsys. Call Load before first use.
func NewDefinitionStore(fsys fs.FS, log zerolog.Logger) *DefinitionStore {
	return &DefinitionStore{
		fsys:    fsys,
		log:     log.With().Str("component", "indexer").Logger(),
		byTable: make(map[string]domain.IndexDefinition),
	}
}

// Load parses every *.json file in the tree. A malformed file, or one whose
// table name fails identifier validation, is logged and skipped; it never
// fails the whole load.
func (s *DefinitionStore) Load() error {
	byTable := make(map[string]domain.IndexDefinition)

	err := fs.WalkDir(s.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(path.Ext(p), ".json") {
			return nil
		}

		raw, err := fs.ReadFile(s.fsys, p)
		if err != nil {
			s.log.Warn().Err(err).Str("file", p).Msg("failed to read index definition file")
			return nil
		}

		var def domain.IndexDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			s.log.Warn().Err(err).Str("file", p).Msg("failed to parse index definition file")
			return nil
		}
		if !sqlgen.ValidIdentifier(def.Table) {
			s.log.Warn().Str("file", p).Str("table", def.Table).Msg("skipping index definition with invalid table name")
			return nil
		}
		if len(def.Columns) == 0 {
			s.log.Warn().Str("file", p).Str("table", def.Table).Msg("skipping index definition without columns")
			return nil
		}

		byTable[strings.ToLower(def.Table)] = def
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk index definition directory: %w", err)
	}

	s.mu.Lock()
	s.byTable = byTable
	s.mu.Unlock()

	s.log.Info().Int("definitions", len(byTable)).Msg("loaded index definitions")
	return nil
}

// ByTable looks up a definition by table name, case-insensitively.
func (s *DefinitionStore) ByTable(name string) (domain.IndexDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byTable[strings.ToLower(name)]
	return def, ok
}

// All returns every loaded definition, ordered by table name.
func (s *DefinitionStore) All() []domain.IndexDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]domain.IndexDefinition, 0, len(s.byTable))
	for _, def := range s.byTable {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Table < defs[j].Table })
	return defs
}
