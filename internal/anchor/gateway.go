package anchor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/metrics"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
	"github.com/tourist-safety/backend/pkg/circuitbreaker"
	"github.com/tourist-safety/backend/pkg/logger"
	"github.com/tourist-safety/backend/pkg/retry"
)

const (
	RefTypeIdentity = "identity"
	RefTypeIncident = "incident"
)

// Config tunes the background submission worker.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	PollInterval time.Duration
	BatchSize    int
}

// Gateway decouples record writes from ledger submission. Callers enqueue a
// content hash and return immediately; a background worker drains the queue
// with retries behind a circuit breaker.
type Gateway struct {
	db        *sqlite.Client
	submitter Submitter
	breaker   *circuitbreaker.CircuitBreaker
	cfg       Config
}

func NewGateway(db *sqlite.Client, submitter Submitter, cfg Config) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Gateway{
		db:        db,
		submitter: submitter,
		breaker: circuitbreaker.NewCircuitBreaker("ledger", circuitbreaker.Config{
			MaxRequests:      3,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
		}),
		cfg: cfg,
	}
}

// EnqueueIdentity queues an identity registration hash.
func (g *Gateway) EnqueueIdentity(did, contentHash string) error {
	_, err := g.db.EnqueueAnchor(contentHash, RefTypeIdentity, did)
	return err
}

// EnqueueIncident queues an incident hash.
func (g *Gateway) EnqueueIncident(incidentID, contentHash string) error {
	_, err := g.db.EnqueueAnchor(contentHash, RefTypeIncident, incidentID)
	return err
}

// QueueDepth reports pending submissions, for readiness and metrics.
func (g *Gateway) QueueDepth() (int, error) {
	return g.db.AnchorQueueDepth()
}

// Run drains the queue until ctx is cancelled. A request that exhausts its
// per-cycle attempt budget stays queued and is retried on the next poll, so
// a ledger outage only delays anchoring.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	logger.Info("Anchor worker started",
		zap.Duration("poll_interval", g.cfg.PollInterval),
		zap.Int("max_attempts", g.cfg.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Anchor worker stopped")
			return
		case <-ticker.C:
			g.Drain(ctx)
		}
	}
}

// Drain processes one batch of pending requests. Exposed for tests.
func (g *Gateway) Drain(ctx context.Context) {
	pending, err := g.db.PendingAnchors(g.cfg.BatchSize)
	if err != nil {
		logger.Error("Failed to load pending anchors", zap.Error(err))
		return
	}

	for _, req := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := g.submit(ctx, &req); err != nil {
			logger.Error("Anchor submission failed",
				zap.Int64("queue_id", req.ID),
				zap.String("ref_type", req.RefType),
				zap.String("ref_id", req.RefID),
				zap.Error(err),
			)
		}
	}
}

// submit tries one request with the per-cycle retry budget. Exhaustion
// records the cumulative attempt count and leaves the row queued; the next
// Drain picks it up again.
func (g *Gateway) submit(ctx context.Context, req *models.AnchorRequest) error {
	policy := retry.Policy{
		MaxAttempts:  g.cfg.MaxAttempts,
		InitialDelay: g.cfg.InitialDelay,
	}

	var txRef string
	err := retry.Do(ctx, policy, func() error {
		return g.breaker.Execute(ctx, func() error {
			var submitErr error
			txRef, submitErr = g.submitter.Submit(ctx, req.ContentHash, req.RefType)
			return submitErr
		})
	})
	if err != nil {
		attempts := req.Attempts + g.cfg.MaxAttempts
		if bumpErr := g.db.BumpAnchorAttempts(req.ID, attempts); bumpErr != nil {
			logger.Error("Failed to record anchor attempts", zap.Int64("queue_id", req.ID), zap.Error(bumpErr))
		}
		metrics.AnchorSubmissions.WithLabelValues("failed").Inc()
		return &models.AnchorTimeoutError{
			ContentHash: req.ContentHash,
			Attempts:    attempts,
			Err:         err,
		}
	}
	metrics.AnchorSubmissions.WithLabelValues("submitted").Inc()

	if err := g.db.MarkAnchorSubmitted(req.ID, txRef); err != nil {
		return fmt.Errorf("failed to mark anchor submitted: %w", err)
	}
	if err := g.recordTxRef(req, txRef); err != nil {
		logger.Error("Failed to record anchor tx ref on source record",
			zap.Int64("queue_id", req.ID),
			zap.String("tx_ref", txRef),
			zap.Error(err),
		)
	}

	logger.Info("Anchor submitted",
		zap.Int64("queue_id", req.ID),
		zap.String("ref_type", req.RefType),
		zap.String("ref_id", req.RefID),
		zap.String("tx_ref", txRef),
	)
	return nil
}

// recordTxRef writes the transaction reference back onto the anchored record.
func (g *Gateway) recordTxRef(req *models.AnchorRequest, txRef string) error {
	switch req.RefType {
	case RefTypeIdentity:
		return g.db.SetIdentityAnchor(req.RefID, txRef)
	case RefTypeIncident:
		return g.db.SetIncidentAnchor(req.RefID, txRef)
	default:
		return fmt.Errorf("unknown anchor ref type %q", req.RefType)
	}
}
