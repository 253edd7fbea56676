package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/metrics"
	"go.uber.org/zap"
)

const (
	reconcileQueueSize   = 256
	reconcileMaxAttempts = 5
)

// Reconciler repairs conversations whose post-send bookkeeping failed. One
// worker drains a queue of conversation ids, retrying each with
// exponential backoff.
type Reconciler struct {
	reconcile func(ctx context.Context, conversationID uuid.UUID) error
	backoff   time.Duration
	log       *zap.Logger
	queue     chan uuid.UUID

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
}

func NewReconciler(reconcile func(ctx context.Context, conversationID uuid.UUID) error, backoff time.Duration, log *zap.Logger) *Reconciler {
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Reconciler{
		reconcile: reconcile,
		backoff:   backoff,
		log:       log,
		queue:     make(chan uuid.UUID, reconcileQueueSize),
		pending:   make(map[uuid.UUID]struct{}),
	}
}

// Schedule queues a conversation. Ids already waiting are not queued twice.
// Never blocks; a full queue drops the request.
func (r *Reconciler) Schedule(conversationID uuid.UUID) {
	r.mu.Lock()
	if _, ok := r.pending[conversationID]; ok {
		r.mu.Unlock()
		return
	}
	r.pending[conversationID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.queue <- conversationID:
	default:
		r.done(conversationID)
		metrics.Reconciliations.WithLabelValues("dropped").Inc()
		r.log.Warn("reconcile queue full", zap.Stringer("conversation_id", conversationID))
	}
}

// Run processes the queue until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-r.queue:
			r.done(id)
			r.process(ctx, id)
		}
	}
}

func (r *Reconciler) process(ctx context.Context, conversationID uuid.UUID) {
	delay := r.backoff
	for attempt := 1; attempt <= reconcileMaxAttempts; attempt++ {
		err := r.reconcile(ctx, conversationID)
		if err == nil {
			metrics.Reconciliations.WithLabelValues("ok").Inc()
			r.log.Info("conversation reconciled",
				zap.Stringer("conversation_id", conversationID),
				zap.Int("attempt", attempt),
			)
			return
		}

		r.log.Warn("reconcile attempt failed",
			zap.Stringer("conversation_id", conversationID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == reconcileMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}

	metrics.Reconciliations.WithLabelValues("failed").Inc()
	r.log.Error("giving up on reconcile", zap.Stringer("conversation_id", conversationID))
}

func (r *Reconciler) done(conversationID uuid.UUID) {
	r.mu.Lock()
	delete(r.pending, conversationID)
	r.mu.Unlock()
}
