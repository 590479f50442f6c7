package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webcuts/orthopaedie-booking/internal/observability/metrics"
)

// Publisher hands a queued entry to a delivery transport.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, entry Entry) error
}

type outboxSource interface {
	FetchPending(ctx context.Context, limit int32, maxAttempts int) ([]Entry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
}

// Relay polls the outbox and forwards entries to the publisher.
type Relay struct {
	store       outboxSource
	publisher   Publisher
	logger      *zap.Logger
	metrics     *metrics.BookingMetrics
	batchSize   int32
	maxAttempts int
	interval    time.Duration
}

func NewRelay(store outboxSource, publisher Publisher, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:       store,
		publisher:   publisher,
		logger:      logger,
		batchSize:   50,
		maxAttempts: 10,
		interval:    2 * time.Second,
	}
}

func (r *Relay) WithBatchSize(size int32) *Relay {
	if size > 0 {
		r.batchSize = size
	}
	return r
}

func (r *Relay) WithInterval(interval time.Duration) *Relay {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithMetrics(m *metrics.BookingMetrics) *Relay {
	r.metrics = m
	return r
}

// Start drains the outbox every interval until ctx is done.
func (r *Relay) Start(ctx context.Context) {
	if r.store == nil || r.publisher == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain forwards one batch and returns how many entries were delivered.
func (r *Relay) Drain(ctx context.Context) int {
	entries, err := r.store.FetchPending(ctx, r.batchSize, r.maxAttempts)
	if err != nil {
		r.logger.Error("outbox fetch failed", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, entry := range entries {
		if err := r.publisher.Publish(ctx, entry); err != nil {
			r.metrics.ObserveRelay(r.publisher.Name(), false)
			r.logger.Warn("outbox delivery failed",
				zap.Stringer("entry_id", entry.ID),
				zap.String("kind", string(entry.Kind)),
				zap.Int("attempt", entry.Attempts+1),
				zap.Error(err),
			)
			if merr := r.store.MarkFailed(ctx, entry.ID, err); merr != nil {
				r.logger.Error("failed to record outbox failure", zap.Stringer("entry_id", entry.ID), zap.Error(merr))
			}
			continue
		}
		r.metrics.ObserveRelay(r.publisher.Name(), true)

		ok, err := r.store.MarkDelivered(ctx, entry.ID)
		if err != nil {
			r.logger.Error("failed to mark outbox delivered", zap.Stringer("entry_id", entry.ID), zap.Error(err))
			continue
		}
		if ok {
			delivered++
			r.logger.Debug("outbox delivered", zap.Stringer("entry_id", entry.ID), zap.String("kind", string(entry.Kind)))
		}
	}
	return delivered
}
