package indexer

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/caseidx/caseidx/internal/domain"
	"github.com/caseidx/caseidx/internal/repository"
)

// Poller drives the durable work queue: on a fixed timer it fetches PENDING
// index requests and processes each one independently, committing the
// projection write and the DONE transition in the same transaction. One
// item's failure neither blocks nor rolls back another's success.
//
// A single poller instance serializes its own ticks. Running multiple worker
// instances against the same queue can process a request more than once;
// there is no cross-instance lease.
type Poller struct {
	requests repository.RequestRepository
	engine   *Engine
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

// NewPoller creates a poller with the given tick interval and per-tick batch
// limit.
func NewPoller(requests repository.RequestRepository, engine *Engine, interval time.Duration, batch int, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		requests: requests,
		engine:   engine,
		interval: interval,
		batch:    batch,
		log:      log.With().Str("component", "poller").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", p.interval).Msg("index request poller started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("index request poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick processes one batch of pending requests sequentially. Exported so
// admin endpoints and tests can drive the queue without waiting on the
// timer.
func (p *Poller) Tick(ctx context.Context) {
	pending, err := p.requests.ListPending(ctx, p.batch)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to list pending requests")
		return
	}

	for _, req := range pending {
		if err := p.process(ctx, req); err != nil {
			// The only place a pipeline failure is durably recorded.
			p.log.Error().Err(err).
				Int64("request_id", req.ID).
				Str("case_id", req.CaseID).
				Msg("index request failed")
			if mErr := p.requests.MarkFailed(ctx, req.ID); mErr != nil {
				p.log.Error().Err(mErr).Int64("request_id", req.ID).Msg("failed to mark request failed")
			}
		}
	}
}

// process indexes one request and commits the projection write together with
// the DONE transition in a single transaction, so a request is never DONE
// without its row nor indexed without its status.
func (p *Poller) process(ctx context.Context, req domain.IndexRequest) error {
	w, err := p.engine.prepare(ctx, req.CaseID)
	if err != nil {
		return err
	}

	return p.engine.conn.WithTx(ctx, func(tx *sql.Tx) error {
		if w != nil {
			if err := p.engine.apply(ctx, tx, w); err != nil {
				return err
			}
		}
		return p.requests.MarkDoneIn(ctx, tx, req.ID)
	})
}
