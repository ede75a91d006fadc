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

// snapshotRepository implements SnapshotRepository over case_snapshots.
type snapshotRepository struct {
	conn *db.Connection
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(conn *db.Connection) SnapshotRepository {
	return &snapshotRepository{conn: conn}
}

// Insert writes a new immutable snapshot row. The version is assigned as one
// past the case's current maximum, so concurrent producers for different
// cases never contend.
func (r *snapshotRepository) Insert(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	query := r.conn.Dialect.Rebind(`
		INSERT INTO case_snapshots (case_id, entity_type, payload, created_at, version, status, error_message)
		VALUES (?, ?, ?, ?,
			COALESCE((SELECT MAX(s.version) + 1 FROM case_snapshots s WHERE s.case_id = ?), 1),
			?, ?)`)
	args := []any{snap.CaseID, snap.EntityType, snap.Payload, snap.CreatedAt, snap.CaseID, snap.Status, snap.ErrorMessage}

	if r.conn.Dialect == db.DialectPostgres {
		err := r.conn.DB.QueryRowContext(ctx, query+" RETURNING id, version", args...).Scan(&snap.ID, &snap.Version)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("failed to insert snapshot: %w", err)
		}
		return snap, nil
	}

	res, err := r.conn.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to read snapshot id: %w", err)
	}
	snap.ID = id

	err = r.conn.DB.QueryRowContext(ctx,
		r.conn.Dialect.Rebind("SELECT version FROM case_snapshots WHERE id = ?"), id).Scan(&snap.Version)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to read snapshot version: %w", err)
	}
	return snap, nil
}

// LatestByCaseID returns the newest snapshot for a case, or nil when the
// case has none.
func (r *snapshotRepository) LatestByCaseID(ctx context.Context, caseID string) (*domain.Snapshot, error) {
	query := r.conn.Dialect.Rebind(`
		SELECT id, case_id, entity_type, payload, created_at, version, status, error_message
		FROM case_snapshots
		WHERE case_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`)

	var snap domain.Snapshot
	var entityType, payload, status, errMsg sql.NullString
	err := r.conn.DB.QueryRowContext(ctx, query, caseID).Scan(
		&snap.ID, &snap.CaseID, &entityType, &payload, &snap.CreatedAt, &snap.Version, &status, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot for %s: %w", caseID, err)
	}

	snap.EntityType = entityType.String
	snap.Payload = payload.String
	snap.Status = status.String
	snap.ErrorMessage = errMsg.String
	return &snap, nil
}

// ListCaseIDsByEntityType returns the distinct cases having at least one
// snapshot of the given entity type.
func (r *snapshotRepository) ListCaseIDsByEntityType(ctx context.Context, entityType string) ([]string, error) {
	query := r.conn.Dialect.Rebind(
		"SELECT DISTINCT case_id FROM case_snapshots WHERE entity_type = ? ORDER BY case_id")

	rows, err := r.conn.DB.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases for %s: %w", entityType, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan case id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
