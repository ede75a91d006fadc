package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/caseidx/caseidx/internal/domain"
	"github.com/caseidx/caseidx/internal/sqlgen"
)

const defaultChunkSize = 100

// AdhocResult summarizes a RunIndexDefinition invocation.
type AdhocResult struct {
	Table string `json:"table"`
	Cases int    `json:"cases"`
	Rows  int    `json:"rows"`
	// DDL carries the statements a dry run would have executed; empty on a
	// real run.
	DDL    []string `json:"ddl,omitempty"`
	DryRun bool     `json:"dryRun"`
}

// RunIndexDefinition materializes an ad-hoc derived table for every case of
// an entity type. Each case's previous rows are replaced wholesale, so
// re-running a definition is idempotent even with fan-out. Cases are
// processed in chunks, one transaction per chunk. A dry run computes rows
// and the DDL that would be issued without writing anything.
func (e *Engine) RunIndexDefinition(ctx context.Context, def domain.IndexDefinition, entityType string) (AdhocResult, error) {
	result := AdhocResult{Table: def.Table, DryRun: def.DryRun}

	if !sqlgen.ValidIdentifier(def.Table) {
		return result, fmt.Errorf("invalid table identifier %q", def.Table)
	}

	caseIDs, err := e.snapshots.ListCaseIDsByEntityType(ctx, entityType)
	if err != nil {
		return result, err
	}
	result.Cases = len(caseIDs)

	hints := make(map[string]string, len(def.Columns))
	for _, col := range def.Columns {
		if col.Type != "" {
			hints[col.Name] = col.Type
		}
	}

	chunk := def.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	now := time.Now().UTC()
	previewed := false
	for start := 0; start < len(caseIDs); start += chunk {
		end := start + chunk
		if end > len(caseIDs) {
			end = len(caseIDs)
		}
		batch := caseIDs[start:end]

		work := func(tx *sql.Tx) error {
			for _, caseID := range batch {
				snap, err := e.snapshots.LatestByCaseID(ctx, caseID)
				if err != nil {
					return err
				}
				if snap == nil {
					continue
				}

				payload := parsePayload(snap.Payload)
				e.annotator.Annotate(payload, snap.EntityType)
				rows := fanOutRows(payload, def)

				if def.DryRun {
					result.Rows += len(rows)
					if !previewed && len(rows) > 0 {
						result.DDL = e.schema.Preview(def.Table, false, rows[0], hints)
						previewed = true
					}
					continue
				}

				if err := e.schema.EnsureTable(ctx, tx, def.Table, false); err != nil {
					return err
				}
				for _, row := range rows {
					if err := e.schema.EnsureColumns(ctx, tx, def.Table, row, hints); err != nil {
						return err
					}
				}
				if err := e.writer.DeleteByCaseID(ctx, tx, def.Table, caseID); err != nil {
					return err
				}
				for _, row := range rows {
					err := e.writer.Insert(ctx, tx, def.Table, sqlgen.Row{
						CaseID:    caseID,
						Values:    row,
						Payload:   snap.Payload,
						CreatedAt: snap.CreatedAt,
						UpdatedAt: now,
					})
					if err != nil {
						return err
					}
					result.Rows++
				}
			}
			return nil
		}

		if def.DryRun {
			if err := work(nil); err != nil {
				return result, err
			}
			continue
		}
		if err := e.conn.WithTx(ctx, work); err != nil {
			return result, fmt.Errorf("failed to run index definition for %s: %w", def.Table, err)
		}
	}

	e.log.Info().
		Str("table", def.Table).
		Str("entity_type", entityType).
		Int("cases", result.Cases).
		Int("rows", result.Rows).
		Bool("dry_run", def.DryRun).
		Msg("index definition run finished")
	return result, nil
}
