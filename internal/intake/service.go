package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/caseidx/caseidx/internal/domain"
	"github.com/caseidx/caseidx/internal/repository"
)

var (
	// ErrMissingCaseID is returned when a submission has no case id.
	ErrMissingCaseID = errors.New("case id is required")
	// ErrMissingEntityType is returned when a submission has no entity type.
	ErrMissingEntityType = errors.New("entity type is required")
)

// Service is the producer side of the pipeline: it persists an immutable
// case snapshot and enqueues the index request that makes the poller pick it
// up. The two writes are intentionally separate transactions — the request
// row is committed on its own, so it durably exists even if the caller's
// surrounding work is later abandoned.
type Service struct {
	snapshots repository.SnapshotRepository
	requests  repository.RequestRepository
	log       zerolog.Logger
}

// NewService creates a new intake service.
func NewService(snapshots repository.SnapshotRepository, requests repository.RequestRepository, log zerolog.Logger) *Service {
	return &Service{
		snapshots: snapshots,
		requests:  requests,
		log:       log.With().Str("component", "intake").Logger(),
	}
}

// Request describes one snapshot submission.
type Request struct {
	CaseID      string          `json:"caseId"`
	EntityType  string          `json:"entityType"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Summary reports what a submission produced.
type Summary struct {
	SnapshotID int64 `json:"snapshotId"`
	Version    int   `json:"version"`
	RequestID  int64 `json:"requestId"`
}

// Submit stores the snapshot and enqueues its index request. The payload is
// stored verbatim; the engine tolerates malformed JSON downstream, so intake
// does not reject it either.
func (s *Service) Submit(ctx context.Context, req Request) (Summary, error) {
	caseID := strings.TrimSpace(req.CaseID)
	if caseID == "" {
		return Summary{}, ErrMissingCaseID
	}
	entityType := strings.TrimSpace(req.EntityType)
	if entityType == "" {
		return Summary{}, ErrMissingEntityType
	}

	payload := string(req.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}

	snap, err := s.snapshots.Insert(ctx, domain.Snapshot{
		CaseID:     caseID,
		EntityType: entityType,
		Payload:    payload,
		Status:     "ACTIVE",
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to store snapshot for %s: %w", caseID, err)
	}

	idxReq, err := s.requests.Enqueue(ctx, domain.IndexRequest{
		CaseID:      caseID,
		EntityType:  entityType,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		// The snapshot is already durable; a lost request only delays
		// indexing until the next external trigger.
		return Summary{}, fmt.Errorf("failed to enqueue index request for %s: %w", caseID, err)
	}

	s.log.Info().
		Str("case_id", caseID).
		Str("entity_type", entityType).
		Int("version", snap.Version).
		Int64("request_id", idxReq.ID).
		Msg("snapshot accepted")

	return Summary{SnapshotID: snap.ID, Version: snap.Version, RequestID: idxReq.ID}, nil
}
