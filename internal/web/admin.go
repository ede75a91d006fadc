package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/caseidx/caseidx/internal/domain"
	"github.com/caseidx/caseidx/internal/indexer"
	"github.com/caseidx/caseidx/internal/metadata"
	"github.com/caseidx/caseidx/internal/repository"
)

// AdminHandler exposes the operator surface: metadata resolution and cache
// control, override management, manual reindexing, and ad-hoc index runs.
type AdminHandler struct {
	resolver  *metadata.Resolver
	overrides repository.OverrideRepository
	engine    *indexer.Engine
	defs      *indexer.DefinitionStore
	log       zerolog.Logger
}

// NewAdminHandler creates the admin API handler. defs may be nil when no
// file-shipped index definitions are configured.
func NewAdminHandler(resolver *metadata.Resolver, overrides repository.OverrideRepository, engine *indexer.Engine, defs *indexer.DefinitionStore, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		resolver:  resolver,
		overrides: overrides,
		engine:    engine,
		defs:      defs,
		log:       log.With().Str("component", "admin").Logger(),
	}
}

// Register mounts the admin routes on mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/metadata/resolve", h.resolve)
	mux.HandleFunc("GET /api/metadata/legacy-paths", h.legacyPaths)
	mux.HandleFunc("GET /api/metadata/ddl", h.previewDDL)
	mux.HandleFunc("GET /api/metadata/diagnostics", h.diagnostics)
	mux.HandleFunc("POST /api/metadata/evict", h.evict)
	mux.HandleFunc("POST /api/metadata/evict-all", h.evictAll)
	mux.HandleFunc("GET /api/metadata/overrides", h.listOverrides)
	mux.HandleFunc("POST /api/metadata/overrides", h.saveOverride)
	mux.HandleFunc("POST /api/reindex", h.reindex)
	mux.HandleFunc("POST /api/reindex-all", h.reindexAll)
	mux.HandleFunc("GET /api/index-definitions", h.listIndexDefinitions)
	mux.HandleFunc("POST /api/index-definitions/run", h.runIndexDefinition)
	mux.HandleFunc("POST /api/index-definitions/{table}/run", h.runStoredIndexDefinition)
}

func (h *AdminHandler) resolve(w http.ResponseWriter, r *http.Request) {
	name, ok := requiredParam(w, r, "name")
	if !ok {
		return
	}
	mappings := h.resolver.Resolve(r.Context(), name)
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "mappings": mappings})
}

func (h *AdminHandler) legacyPaths(w http.ResponseWriter, r *http.Request) {
	name, ok := requiredParam(w, r, "name")
	if !ok {
		return
	}
	paths := h.resolver.LegacyPaths(r.Context(), name)
	out := make([]map[string]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, map[string]string{"column": p.Column, "jsonPath": p.JSONPath})
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "paths": out})
}

// previewDDL shows the statements a reindex of the class would issue to
// host its exported mappings, without executing anything. The review step
// before an override or metadata change goes live.
func (h *AdminHandler) previewDDL(w http.ResponseWriter, r *http.Request) {
	name, ok := requiredParam(w, r, "name")
	if !ok {
		return
	}
	ddl, err := h.engine.PreviewDDL(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "ddl": ddl})
}

func (h *AdminHandler) diagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.resolver.Diagnostics())
}

func (h *AdminHandler) evict(w http.ResponseWriter, r *http.Request) {
	name, ok := requiredParam(w, r, "name")
	if !ok {
		return
	}
	h.resolver.Evict(name)
	writeJSON(w, http.StatusOK, map[string]string{"evicted": name})
}

func (h *AdminHandler) evictAll(w http.ResponseWriter, r *http.Request) {
	h.resolver.EvictAll()
	writeJSON(w, http.StatusOK, map[string]string{"evicted": "all"})
}

func (h *AdminHandler) listOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.overrides.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, overrides)
}

type overrideRequest struct {
	ClassName  string          `json:"className"`
	EntityType string          `json:"entityType"`
	Version    int             `json:"version,omitempty"`
	Enabled    bool            `json:"enabled"`
	Definition json.RawMessage `json:"definition"`
}

func (h *AdminHandler) saveOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ClassName) == "" || strings.TrimSpace(req.EntityType) == "" {
		http.Error(w, "className and entityType are required", http.StatusBadRequest)
		return
	}

	var def domain.MetadataDefinition
	if err := json.Unmarshal(req.Definition, &def); err != nil {
		http.Error(w, fmt.Sprintf("malformed definition: %v", err), http.StatusBadRequest)
		return
	}
	if def.Class == "" {
		def.Class = req.ClassName
	}
	if err := metadata.Validate(def); err != nil {
		http.Error(w, fmt.Sprintf("invalid definition: %v", err), http.StatusBadRequest)
		return
	}

	saved, err := h.overrides.Save(r.Context(), domain.MetadataOverride{
		ClassName:  req.ClassName,
		EntityType: req.EntityType,
		Version:    req.Version,
		Definition: string(req.Definition),
		Enabled:    req.Enabled,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// A stale cached resolution would shadow the new override for up to
	// ten minutes.
	h.resolver.Evict(req.EntityType)
	h.resolver.Evict(req.ClassName)

	h.log.Info().Str("class", saved.ClassName).Str("entity_type", saved.EntityType).Int64("id", saved.ID).Msg("metadata override saved")

	writeJSON(w, http.StatusCreated, saved)
}

func (h *AdminHandler) reindex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaseID string `json:"caseId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.CaseID) == "" {
		http.Error(w, "caseId is required", http.StatusBadRequest)
		return
	}
	if err := h.engine.Reindex(r.Context(), req.CaseID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"caseId": req.CaseID, "status": "indexed"})
}

func (h *AdminHandler) reindexAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityType string `json:"entityType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.EntityType) == "" {
		http.Error(w, "entityType is required", http.StatusBadRequest)
		return
	}
	if err := h.engine.ReindexAll(r.Context(), req.EntityType); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"entityType": req.EntityType, "status": "reindexed"})
}

type indexRunRequest struct {
	EntityType string                 `json:"entityType"`
	Definition domain.IndexDefinition `json:"definition"`
}

func (h *AdminHandler) runIndexDefinition(w http.ResponseWriter, r *http.Request) {
	var req indexRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.EntityType) == "" || strings.TrimSpace(req.Definition.Table) == "" {
		http.Error(w, "entityType and definition.table are required", http.StatusBadRequest)
		return
	}

	result, err := h.engine.RunIndexDefinition(r.Context(), req.Definition, req.EntityType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) listIndexDefinitions(w http.ResponseWriter, r *http.Request) {
	if h.defs == nil {
		writeJSON(w, http.StatusOK, []domain.IndexDefinition{})
		return
	}
	writeJSON(w, http.StatusOK, h.defs.All())
}

// runStoredIndexDefinition runs a file-shipped definition by table name. The
// definition's own entityType selects the cases; an entityType query
// parameter overrides it.
func (h *AdminHandler) runStoredIndexDefinition(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if h.defs == nil {
		http.Error(w, "no index definitions loaded", http.StatusNotFound)
		return
	}
	def, ok := h.defs.ByTable(table)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown index definition %q", table), http.StatusNotFound)
		return
	}

	entityType := def.EntityType
	if v := strings.TrimSpace(r.URL.Query().Get("entityType")); v != "" {
		entityType = v
	}
	if entityType == "" {
		http.Error(w, "definition has no entityType; pass one as a query parameter", http.StatusBadRequest)
		return
	}

	result, err := h.engine.RunIndexDefinition(r.Context(), def, entityType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func requiredParam(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		http.Error(w, key+" is required", http.StatusBadRequest)
		return "", false
	}
	return value, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
