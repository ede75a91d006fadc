package domain

import "time"

// Snapshot is one append-only capture of a case's state. Rows are written by
// the producer side (intake service or an external workflow delegate) and are
// never mutated or deleted by the indexing engine; the engine only ever reads
// the most recent row per case, ordered by CreatedAt.
type Snapshot struct {
	ID           int64     `json:"id"`
	CaseID       string    `json:"case_id"`
	EntityType   string    `json:"entity_type"`
	Payload      string    `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
	Version      int       `json:"version"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
