package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caseidx/caseidx/internal/db"
	"github.com/caseidx/caseidx/internal/metadata"
	"github.com/caseidx/caseidx/internal/repository"
	"github.com/caseidx/caseidx/internal/sqlgen"
)

// processSuffix is the naming convention shared between a workflow-engine
// process definition and its underlying business object: "OrderProcess"
// falls back to "Order" metadata when no mapping set resolves directly.
const processSuffix = "Process"

// Legacy fallback extraction paths for well-known projection columns,
// applied only when metadata resolution produced no value for the column.
// These predate the metadata system and are kept for compatibility.
var legacyFallbacks = []struct {
	column string
	path   string
	hint   string
}{
	{"order_total", "$.total", "decimal"},
	{"customer_id", "$.customer.id", ""},
	{"priority", "$.meta.priority", ""},
}

// Engine is the metadata-driven indexing engine: it turns the latest
// snapshot of a case into a row (or rows) in query-optimized tables.
type Engine struct {
	conn      *db.Connection
	snapshots repository.SnapshotRepository
	resolver  *metadata.Resolver
	annotator *Annotator
	schema    *sqlgen.SchemaManager
	writer    *sqlgen.Writer
	log       zerolog.Logger
}

// NewEngine wires the indexing engine.
func NewEngine(conn *db.Connection, snapshots repository.SnapshotRepository, resolver *metadata.Resolver, annotator *Annotator, log zerolog.Logger) *Engine {
	return &Engine{
		conn:      conn,
		snapshots: snapshots,
		resolver:  resolver,
		annotator: annotator,
		schema:    sqlgen.NewSchemaManager(conn.Dialect, log),
		writer:    sqlgen.NewWriter(conn.Dialect),
		log:       log.With().Str("component", "indexer").Logger(),
	}
}

// plainWrite is the outcome of the read-and-resolve phase of the pipeline:
// the target table, the row to upsert, and the schema work to apply first.
type plainWrite struct {
	table       string
	row         sqlgen.Row
	hints       map[string]string
	indexedCols []string
}

// Reindex runs the per-case pipeline: fetch the latest snapshot, resolve
// mappings, extract values, ensure the projection table's schema, and upsert
// the row keyed by the case id. A case without snapshots is a no-op. Within
// the pipeline individual extraction failures are absorbed; only errors that
// escape this method mark the originating request FAILED.
func (e *Engine) Reindex(ctx context.Context, caseID string) error {
	w, err := e.prepare(ctx, caseID)
	if err != nil || w == nil {
		return err
	}

	err = e.conn.WithTx(ctx, func(tx *sql.Tx) error {
		return e.apply(ctx, tx, w)
	})
	if err != nil {
		return fmt.Errorf("failed to index case %s into %s: %w", caseID, w.table, err)
	}

	e.log.Info().Str("case_id", caseID).Str("table", w.table).Int("columns", len(w.row.Values)).Msg("indexed case")
	return nil
}

// prepare runs the read side of the pipeline and returns the write to
// apply, or nil when the case has no snapshot. Splitting the phases lets
// the poller commit the projection write and the request's terminal status
// in one transaction.
func (e *Engine) prepare(ctx context.Context, caseID string) (*plainWrite, error) {
	snap, err := e.snapshots.LatestByCaseID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		e.log.Debug().Str("case_id", caseID).Msg("no snapshot, nothing to index")
		return nil, nil
	}

	payload := parsePayload(snap.Payload)
	entityType := snap.EntityType

	e.annotator.Annotate(payload, entityType)

	mappings := e.resolver.Resolve(ctx, entityType)
	if len(mappings) == 0 && strings.HasSuffix(entityType, processSuffix) {
		base := strings.TrimSuffix(entityType, processSuffix)
		mappings = e.resolver.Resolve(ctx, base)
		if len(mappings) > 0 {
			entityType = base
			// Metadata lives under the base class, so annotation has to
			// run against it as well.
			e.annotator.Annotate(payload, base)
		}
	}

	values := make(map[string]any)
	hints := make(map[string]string)
	var indexedCols []string
	for _, m := range mappings {
		if !m.TargetsPlain() {
			continue
		}
		value, ok := extractPath(payload, m.JSONPath)
		if !ok || value == nil {
			if m.Default == nil {
				continue
			}
			value = m.Default
		}
		value = normalizeValue(value)
		if m.Sensitive {
			value = maskValue(value, m.PIIMask)
		}

		col := m.PlainColumnName()
		values[col] = value
		if m.Type != "" {
			hints[col] = m.Type
		}
		if m.Index {
			indexedCols = append(indexedCols, col)
		}
	}

	for _, fb := range legacyFallbacks {
		if _, have := values[fb.column]; have {
			continue
		}
		if value, ok := extractPath(payload, fb.path); ok && value != nil {
			values[fb.column] = normalizeValue(value)
			if fb.hint != "" {
				hints[fb.column] = fb.hint
			}
		}
	}

	return &plainWrite{
		table: e.plainTableName(ctx, entityType),
		row: sqlgen.Row{
			CaseID:    caseID,
			Values:    values,
			Payload:   snap.Payload,
			CreatedAt: snap.CreatedAt,
			UpdatedAt: time.Now().UTC(),
		},
		hints:       hints,
		indexedCols: indexedCols,
	}, nil
}

// apply runs the write side of the pipeline inside the caller's transaction.
func (e *Engine) apply(ctx context.Context, q sqlgen.Querier, w *plainWrite) error {
	if err := e.schema.EnsureTable(ctx, q, w.table, true); err != nil {
		return err
	}
	if err := e.schema.EnsureColumns(ctx, q, w.table, w.row.Values, w.hints); err != nil {
		return err
	}
	for _, col := range w.indexedCols {
		e.schema.EnsureColumnIndex(ctx, q, w.table, col)
	}
	return e.writer.Upsert(ctx, q, w.table, w.row)
}

// ReindexAll re-runs the per-case pipeline for every case of an entity type.
// Individual case failures are logged and skipped; stale projection rows for
// cases no longer present in the source are not deleted.
func (e *Engine) ReindexAll(ctx context.Context, entityType string) error {
	caseIDs, err := e.snapshots.ListCaseIDsByEntityType(ctx, entityType)
	if err != nil {
		return err
	}

	failed := 0
	for _, caseID := range caseIDs {
		if err := e.Reindex(ctx, caseID); err != nil {
			failed++
			e.log.Error().Err(err).Str("case_id", caseID).Str("entity_type", entityType).Msg("reindex failed")
		}
	}

	e.log.Info().Str("entity_type", entityType).Int("cases", len(caseIDs)).Int("failed", failed).Msg("bulk reindex finished")
	return nil
}

// PreviewDDL renders, without executing anything, the statements that would
// host every plain-targeted mapping of a class or entity type: the table's
// default shape plus one ADD COLUMN per exported mapping, typed from the
// declared hint. This is the review surface for metadata changes before a
// reindex makes them real.
func (e *Engine) PreviewDDL(ctx context.Context, name string) ([]string, error) {
	mappings := e.resolver.Resolve(ctx, name)
	if len(mappings) == 0 && strings.HasSuffix(name, processSuffix) {
		base := strings.TrimSuffix(name, processSuffix)
		if m := e.resolver.Resolve(ctx, base); len(m) > 0 {
			mappings, name = m, base
		}
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("no mappings resolved for %q", name)
	}

	values := make(map[string]any)
	hints := make(map[string]string)
	for _, m := range mappings {
		if !m.TargetsPlain() {
			continue
		}
		col := m.PlainColumnName()
		values[col] = nil
		if m.Type != "" {
			hints[col] = m.Type
		}
	}

	table := e.plainTableName(ctx, name)
	return e.schema.Preview(table, true, values, hints), nil
}

// plainTableName resolves the projection table for an entity type: the
// canonical definition's table override when set, else case_plain_<type>.
// A derived name that fails identifier validation falls back to the generic
// projection table so indexing still lands somewhere queryable.
func (e *Engine) plainTableName(ctx context.Context, entityType string) string {
	if def, ok := e.annotator.loader.ByEntityType(entityType); ok && def.Table != "" {
		return def.Table
	}
	name := "case_plain_" + strings.ToLower(strings.TrimSuffix(entityType, processSuffix))
	if !sqlgen.ValidIdentifier(name) {
		return "case_plain"
	}
	return name
}

// maskValue redacts a sensitive value for storage. A configured mask string
// replaces the value wholesale; otherwise everything but the last four
// characters is starred out. Masking counts runes, not bytes, so multibyte
// values are never cut mid-character.
func maskValue(v any, mask string) any {
	if mask != "" {
		return mask
	}
	runes := []rune(fmt.Sprintf("%v", v))
	if len(runes) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}
