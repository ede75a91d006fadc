package domain

import "time"

// Request statuses. PENDING requests are picked up by the poller; DONE and
// FAILED are terminal and never re-queued automatically.
const (
	RequestPending = "PENDING"
	RequestDone    = "DONE"
	RequestFailed  = "FAILED"
)

// IndexRequest is one durable unit of indexing work. It is persisted in a
// transaction isolated from the producer's business transaction so it
// survives a rollback of the originating event.
type IndexRequest struct {
	ID          int64      `json:"id"`
	CaseID      string     `json:"case_id"`
	EntityType  string     `json:"entity_type"`
	RequestedBy string     `json:"requested_by"`
	RequestedAt time.Time  `json:"requested_at"`
	Status      string     `json:"status"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
