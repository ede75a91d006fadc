package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/caseidx/caseidx/internal/domain"
)

const (
	cacheSize = 1024
	cacheTTL  = 10 * time.Minute
)

// Source kinds recorded in mapping provenance.
const (
	SourceCanonical = "canonical"
	SourceOverride  = "override"
)

// OverrideSource supplies admin-managed definitions from the database. A nil
// source means resolution is file-backed only.
type OverrideSource interface {
	// LatestEnabledByEntityType returns the newest enabled override whose
	// entity type matches, or nil when there is none.
	LatestEnabledByEntityType(ctx context.Context, entityType string) (*domain.MetadataOverride, error)
	// LatestEnabledByClassName returns the newest enabled override for a
	// class name, or nil when there is none.
	LatestEnabledByClassName(ctx context.Context, className string) (*domain.MetadataOverride, error)
}

// PathMapping is one column's JSON path, in resolved order.
type PathMapping struct {
	Column   string
	JSONPath string
}

// Resolver merges canonical and override definitions along the inheritance
// chain, plus any mixin classes each definition declares, into an effective
// per-class mapping set. Resolution never fails:
// any lookup or parse problem yields an empty set and a recorded diagnostic,
// so indexing degrades to writing only the fixed columns instead of
// stopping.
type Resolver struct {
	loader    *Loader
	overrides OverrideSource
	log       zerolog.Logger

	cache *expirable.LRU[string, []domain.FieldMapping]

	mu          sync.Mutex
	diagnostics map[string]string
}

// NewResolver creates a resolver over the canonical loader and an optional
// override source.
func NewResolver(loader *Loader, overrides OverrideSource, log zerolog.Logger) *Resolver {
	return &Resolver{
		loader:      loader,
		overrides:   overrides,
		log:         log.With().Str("component", "metadata").Logger(),
		cache:       expirable.NewLRU[string, []domain.FieldMapping](cacheSize, nil, cacheTTL),
		diagnostics: make(map[string]string),
	}
}

// Resolve returns the effective mapping set for a class or entity type name,
// ordered root-first with later definitions winning per column. The result
// is cached for up to ten minutes or until evicted.
func (r *Resolver) Resolve(ctx context.Context, name string) []domain.FieldMapping {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil
	}
	if cached, ok := r.cache.Get(key); ok {
		return cached
	}

	merged := r.resolve(ctx, name)
	r.cache.Add(key, merged)
	return merged
}

// LegacyPaths projects the resolved mapping set down to column/path pairs,
// preserving order.
func (r *Resolver) LegacyPaths(ctx context.Context, name string) []PathMapping {
	mappings := r.Resolve(ctx, name)
	paths := make([]PathMapping, 0, len(mappings))
	for _, m := range mappings {
		paths = append(paths, PathMapping{Column: m.Column, JSONPath: m.JSONPath})
	}
	return paths
}

// Evict drops one cached resolution, forcing a rebuild on next use.
func (r *Resolver) Evict(name string) {
	r.cache.Remove(strings.ToLower(strings.TrimSpace(name)))
}

// EvictAll clears the resolution cache. Admin mapping changes call this so
// new definitions take effect without waiting out the TTL.
func (r *Resolver) EvictAll() {
	r.cache.Purge()
}

// Diagnostics returns a copy of the per-class resolution problems recorded
// since startup.
func (r *Resolver) Diagnostics() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.diagnostics))
	for k, v := range r.diagnostics {
		out[k] = v
	}
	return out
}

func (r *Resolver) resolve(ctx context.Context, name string) []domain.FieldMapping {
	root, ok := r.findDefinition(ctx, name)
	if !ok {
		return []domain.FieldMapping{}
	}

	chain := r.buildChain(ctx, root)

	chainClasses := make(map[string]bool, len(chain))
	for _, def := range chain {
		chainClasses[strings.ToLower(def.class())] = true
	}

	// Fold root-first so a child definition (or override) replaces an
	// ancestor's mapping for the same column, and a tombstone removes it.
	// Each definition's mixins merge in first, so its own mappings win.
	merged := make(map[string]domain.FieldMapping)
	order := make([]string, 0)
	apply := func(def resolvedDef) {
		for _, m := range def.mappings() {
			col := strings.ToLower(m.Column)
			if m.Remove {
				delete(merged, col)
				continue
			}
			m.SourceClass = def.class()
			m.SourceKind = def.kind
			if _, seen := merged[col]; !seen {
				order = append(order, col)
			}
			merged[col] = m
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		def := chain[i]
		for _, mixinName := range def.def.Mixins {
			if strings.TrimSpace(mixinName) == "" {
				continue
			}
			if chainClasses[strings.ToLower(mixinName)] {
				r.recordDiagnostic(def.class(), fmt.Sprintf("circular mixin reference %q, mixin skipped", mixinName))
				continue
			}
			// A mixin is merged flat: its parent and mixins are not
			// followed, and an unknown mixin is skipped.
			if mixin, ok := r.findDefinition(ctx, mixinName); ok {
				apply(mixin)
			}
		}
		apply(def)
	}

	result := make([]domain.FieldMapping, 0, len(merged))
	emitted := make(map[string]bool, len(merged))
	for _, col := range order {
		if emitted[col] {
			continue
		}
		if m, ok := merged[col]; ok {
			result = append(result, m)
			emitted[col] = true
		}
	}
	return result
}

// resolvedDef pairs a definition with where it came from.
type resolvedDef struct {
	def  domain.MetadataDefinition
	kind string
}

func (d resolvedDef) class() string                   { return d.def.Class }
func (d resolvedDef) mappings() []domain.FieldMapping { return d.def.Mappings }
func (d resolvedDef) parent() string                  { return d.def.Parent }

// findDefinition locates the starting definition for a name. An enabled
// admin override for the entity type always replaces (never merges with) the
// canonical file of the same name; otherwise the canonical store is searched
// by class name and then by entity type.
func (r *Resolver) findDefinition(ctx context.Context, name string) (resolvedDef, bool) {
	if def, ok := r.overrideFor(ctx, name); ok {
		return def, true
	}
	if def, ok := r.loader.ByClass(name); ok {
		return resolvedDef{def: def, kind: SourceCanonical}, true
	}
	if def, ok := r.loader.ByEntityType(name); ok {
		return resolvedDef{def: def, kind: SourceCanonical}, true
	}
	return resolvedDef{}, false
}

func (r *Resolver) overrideFor(ctx context.Context, name string) (resolvedDef, bool) {
	if r.overrides == nil {
		return resolvedDef{}, false
	}

	ov, err := r.overrides.LatestEnabledByEntityType(ctx, name)
	if err != nil {
		r.recordDiagnostic(name, fmt.Sprintf("override lookup failed: %v", err))
		return resolvedDef{}, false
	}
	if ov == nil {
		ov, err = r.overrides.LatestEnabledByClassName(ctx, name)
		if err != nil {
			r.recordDiagnostic(name, fmt.Sprintf("override lookup failed: %v", err))
			return resolvedDef{}, false
		}
	}
	if ov == nil {
		return resolvedDef{}, false
	}

	var def domain.MetadataDefinition
	if err := json.Unmarshal([]byte(ov.Definition), &def); err != nil {
		r.recordDiagnostic(name, fmt.Sprintf("malformed override definition: %v", err))
		return resolvedDef{}, false
	}
	if def.Class == "" {
		def.Class = ov.ClassName
	}
	return resolvedDef{def: def, kind: SourceOverride}, true
}

// buildChain follows parent pointers from the starting definition, preferring
// an override for each ancestor. A missing parent ends the chain; revisiting
// a class name truncates it silently, with a diagnostic, so a metadata cycle
// cannot hang resolution.
func (r *Resolver) buildChain(ctx context.Context, root resolvedDef) []resolvedDef {
	chain := []resolvedDef{root}
	seen := map[string]bool{strings.ToLower(root.class()): true}

	current := root
	for current.parent() != "" {
		parentName := current.parent()
		key := strings.ToLower(parentName)
		if seen[key] {
			r.recordDiagnostic(root.class(), fmt.Sprintf("inheritance cycle at %q, chain truncated", parentName))
			break
		}

		parent, ok := r.findDefinition(ctx, parentName)
		if !ok {
			break
		}
		seen[key] = true
		chain = append(chain, parent)
		current = parent
	}
	return chain
}

func (r *Resolver) recordDiagnostic(class, msg string) {
	r.mu.Lock()
	r.diagnostics[class] = msg
	r.mu.Unlock()
	r.log.Warn().Str("class", class).Msg(msg)
}
