package repository

import (
	"context"
	"database/sql"

	"github.com/caseidx/caseidx/internal/domain"
)

// SnapshotRepository defines the interface for case snapshot operations.
// Snapshots are immutable once written; there is no update or delete.
type SnapshotRepository interface {
	Insert(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error)
	// LatestByCaseID returns the newest snapshot for a case by creation
	// time, or nil when the case has none.
	LatestByCaseID(ctx context.Context, caseID string) (*domain.Snapshot, error)
	// ListCaseIDsByEntityType returns the distinct case ids that have at
	// least one snapshot of the entity type.
	ListCaseIDsByEntityType(ctx context.Context, entityType string) ([]string, error)
}

// RequestRepository defines the interface for the index request queue.
type RequestRepository interface {
	// Enqueue persists a PENDING request in its own transaction, so the
	// request survives whatever happens to the caller's transaction.
	Enqueue(ctx context.Context, req domain.IndexRequest) (domain.IndexRequest, error)
	ListPending(ctx context.Context, limit int) ([]domain.IndexRequest, error)
	MarkDone(ctx context.Context, id int64) error
	// MarkDoneIn writes the DONE transition inside the caller's
	// transaction, so it commits or rolls back with the work it records.
	MarkDoneIn(ctx context.Context, tx *sql.Tx, id int64) error
	MarkFailed(ctx context.Context, id int64) error
}

// OverrideRepository defines the interface for admin-managed metadata
// overrides.
type OverrideRepository interface {
	Save(ctx context.Context, ov domain.MetadataOverride) (domain.MetadataOverride, error)
	LatestEnabledByEntityType(ctx context.Context, entityType string) (*domain.MetadataOverride, error)
	LatestEnabledByClassName(ctx context.Context, className string) (*domain.MetadataOverride, error)
	List(ctx context.Context) ([]domain.MetadataOverride, error)
}
