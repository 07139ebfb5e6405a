package timer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/metrics"
	"github.com/stepflow/stepflow/pkg/model"
)

// Store is the slice of the timer repository the poller needs.
type Store interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.WorkflowTimer, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
}

// Signaler delivers a timer firing to its run. The boolean reports whether
// the run actually advanced; a run that already moved on yields a no-op.
type Signaler interface {
	Signal(ctx context.Context, runID uuid.UUID, signalName string, payload map[string]interface{}) (bool, error)
}

// Poller scans for due timers and converts each into a signal delivery.
// Timers are processed sequentially within a batch; a failing timer stays
// pending and is retried on the next tick, so delivery is at-least-once.
type Poller struct {
	store        Store
	signaler     Signaler
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
}

func NewPoller(store Store, signaler Signaler, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Poller {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Poller{
		store:        store,
		signaler:     signaler,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("timer poller starting",
		zap.Duration("poll_interval", p.pollInterval),
		zap.Int("batch_size", p.batchSize),
	)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("timer poller shutting down")
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll processes one batch of due timers.
func (p *Poller) Poll(ctx context.Context) {
	timers, err := p.store.ListDue(ctx, time.Now().UTC(), p.batchSize)
	if err != nil {
		p.logger.Warn("failed to list due timers", zap.Error(err))
		return
	}

	for _, timer := range timers {
		p.fire(ctx, timer)
	}
}

func (p *Poller) fire(ctx context.Context, timer model.WorkflowTimer) {
	payload := map[string]interface{}(timer.Payload)

	advanced, err := p.signaler.Signal(ctx, timer.RunID, timer.SignalName, payload)
	if err != nil {
		// Leave the timer pending: the next tick retries it.
		metrics.TimersProcessedTotal.WithLabelValues("error").Inc()
		p.logger.Warn("failed to deliver timer signal",
			zap.Error(err),
			zap.String("timer_id", timer.ID.String()),
			zap.String("run_id", timer.RunID.String()),
			zap.String("signal", timer.SignalName),
		)
		return
	}

	outcome := "resumed"
	if !advanced {
		// The run resumed through another path before the deadline hit.
		outcome = "noop"
	}
	metrics.TimersProcessedTotal.WithLabelValues(outcome).Inc()

	if err := p.store.MarkProcessed(ctx, timer.ID); err != nil {
		p.logger.Warn("failed to mark timer processed",
			zap.Error(err),
			zap.String("timer_id", timer.ID.String()),
		)
	}
}
