package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/caseidx/caseidx/internal/db"
	"github.com/caseidx/caseidx/internal/domain"
)

// requestRepository implements RequestRepository over index_requests.
type requestRepository struct {
	conn *db.Connection
}

// NewRequestRepository creates a new index request repository.
func NewRequestRepository(conn *db.Connection) RequestRepository {
	return &requestRepository{conn: conn}
}

// Enqueue persists a PENDING request in its own transaction. Once committed
// the request is visible to the poller regardless of what happens to the
// business transaction that triggered it.
func (r *requestRepository) Enqueue(ctx context.Context, req domain.IndexRequest) (domain.IndexRequest, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	req.Status = domain.RequestPending

	err := r.conn.WithTx(ctx, func(tx *sql.Tx) error {
		query := r.conn.Dialect.Rebind(`
			INSERT INTO index_requests (case_id, entity_type, requested_by, requested_at, status)
			VALUES (?, ?, ?, ?, ?)`)
		args := []any{req.CaseID, req.EntityType, req.RequestedBy, req.RequestedAt, req.Status}

		if r.conn.Dialect == db.DialectPostgres {
			return tx.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&req.ID)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		req.ID = id
		return nil
	})
	if err != nil {
		return domain.IndexRequest{}, fmt.Errorf("failed to enqueue index request: %w", err)
	}
	return req, nil
}

// ListPending returns PENDING requests, oldest first. A limit of zero or
// less means no limit.
func (r *requestRepository) ListPending(ctx context.Context, limit int) ([]domain.IndexRequest, error) {
	query := `
		SELECT id, case_id, entity_type, requested_by, requested_at, status, processed_at
		FROM index_requests
		WHERE status = ?
		ORDER BY requested_at ASC, id ASC`
	args := []any{domain.RequestPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.conn.DB.QueryContext(ctx, r.conn.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	defer rows.Close()

	var reqs []domain.IndexRequest
	for rows.Next() {
		var req domain.IndexRequest
		var entityType, requestedBy sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(&req.ID, &req.CaseID, &entityType, &requestedBy, &req.RequestedAt, &req.Status, &processedAt); err != nil {
			return nil, fmt.Errorf("failed to scan index request: %w", err)
		}
		req.EntityType = entityType.String
		req.RequestedBy = requestedBy.String
		if processedAt.Valid {
			t := processedAt.Time
			req.ProcessedAt = &t
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// MarkDone transitions a request to its terminal DONE state.
func (r *requestRepository) MarkDone(ctx context.Context, id int64) error {
	return r.setStatus(ctx, r.conn.DB, id, domain.RequestDone)
}

// MarkDoneIn transitions a request to DONE within the caller's transaction,
// so the status write commits or rolls back with the indexing work itself.
func (r *requestRepository) MarkDoneIn(ctx context.Context, tx *sql.Tx, id int64) error {
	return r.setStatus(ctx, tx, id, domain.RequestDone)
}

// MarkFailed transitions a request to its terminal FAILED state. Failure is
// recorded outside the failed work's transaction; that one already rolled
// back.
func (r *requestRepository) MarkFailed(ctx context.Context, id int64) error {
	return r.setStatus(ctx, r.conn.DB, id, domain.RequestFailed)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *requestRepository) setStatus(ctx context.Context, q execer, id int64, status string) error {
	query := r.conn.Dialect.Rebind(
		"UPDATE index_requests SET status = ?, processed_at = ? WHERE id = ?")
	if _, err := q.ExecContext(ctx, query, status, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark request %d %s: %w", id, status, err)
	}
	return nil
}
