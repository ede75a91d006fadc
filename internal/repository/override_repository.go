package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/caseidx/caseidx/internal/db"
	"github.com/caseidx/caseidx/internal/domain"
)

// overrideRepository implements OverrideRepository over metadata_overrides.
type overrideRepository struct {
	conn *db.Connection
}

// NewOverrideRepository creates a new metadata override repository.
func NewOverrideRepository(conn *db.Connection) OverrideRepository {
	return &overrideRepository{conn: conn}
}

// Save stores a new override row. Overrides are append-only; the latest
// enabled row per entity type wins, so "updating" means saving a new version.
func (r *overrideRepository) Save(ctx context.Context, ov domain.MetadataOverride) (domain.MetadataOverride, error) {
	if ov.CreatedAt.IsZero() {
		ov.CreatedAt = time.Now().UTC()
	}
	if ov.Version <= 0 {
		ov.Version = 1
	}

	query := r.conn.Dialect.Rebind(`
		INSERT INTO metadata_overrides (class_name, entity_type, version, definition, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	args := []any{ov.ClassName, ov.EntityType, ov.Version, ov.Definition, ov.Enabled, ov.CreatedAt}

	if r.conn.Dialect == db.DialectPostgres {
		if err := r.conn.DB.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&ov.ID); err != nil {
			return domain.MetadataOverride{}, fmt.Errorf("failed to save metadata override: %w", err)
		}
		return ov, nil
	}

	res, err := r.conn.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.MetadataOverride{}, fmt.Errorf("failed to save metadata override: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.MetadataOverride{}, fmt.Errorf("failed to read override id: %w", err)
	}
	ov.ID = id
	return ov, nil
}

// LatestEnabledByEntityType returns the newest enabled override for an
// entity type, or nil when there is none.
func (r *overrideRepository) LatestEnabledByEntityType(ctx context.Context, entityType string) (*domain.MetadataOverride, error) {
	return r.latest(ctx, "entity_type", entityType)
}

// LatestEnabledByClassName returns the newest enabled override for a class
// name, or nil when there is none.
func (r *overrideRepository) LatestEnabledByClassName(ctx context.Context, className string) (*domain.MetadataOverride, error) {
	return r.latest(ctx, "class_name", className)
}

func (r *overrideRepository) latest(ctx context.Context, column, value string) (*domain.MetadataOverride, error) {
	query := r.conn.Dialect.Rebind(fmt.Sprintf(`
		SELECT id, class_name, entity_type, version, definition, enabled, created_at
		FROM metadata_overrides
		WHERE %s = ? AND enabled = ?
		ORDER BY version DESC, created_at DESC, id DESC
		LIMIT 1`, column))

	var ov domain.MetadataOverride
	err := r.conn.DB.QueryRowContext(ctx, query, value, true).Scan(
		&ov.ID, &ov.ClassName, &ov.EntityType, &ov.Version, &ov.Definition, &ov.Enabled, &ov.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata override: %w", err)
	}
	return &ov, nil
}

// List returns all override rows, newest first.
func (r *overrideRepository) List(ctx context.Context) ([]domain.MetadataOverride, error) {
	query := `
		SELECT id, class_name, entity_type, version, definition, enabled, created_at
		FROM metadata_overrides
		ORDER BY created_at DESC, id DESC`

	rows, err := r.conn.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata overrides: %w", err)
	}
	defer rows.Close()

	var out []domain.MetadataOverride
	for rows.Next() {
		var ov domain.MetadataOverride
		if err := rows.Scan(&ov.ID, &ov.ClassName, &ov.EntityType, &ov.Version, &ov.Definition, &ov.Enabled, &ov.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metadata override: %w", err)
		}
		out = append(out, ov)
	}
	return out, rows.Err()
}
