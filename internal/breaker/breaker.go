// Package breaker pauses the control loop when the recent failure ratio
// crosses a threshold. A tripped breaker stays open until a human
// resumes the run.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/notify"
	"github.com/fyrsmithlabs/autopilot/internal/state"
)

// Actor is recorded on transitions the breaker causes.
const Actor = "circuit-breaker"

// Store is the subset of state.Store the breaker needs.
type Store interface {
	RecordOutcome(ctx context.Context, o state.Outcome) (state.WindowStats, error)
	WindowStats() state.WindowStats
	RunState() (state.RunState, state.PauseReason)
	Pause(ctx context.Context, reason state.PauseReason, actor string) error
}

// Breaker feeds outcomes into the store's error window and trips on the
// configured failure ratio.
type Breaker struct {
	store     Store
	threshold float64
	notifier  notify.Notifier
	logger    *logging.Logger
	metrics   *metrics.Metrics

	// mu serializes record-then-trip so two failures cannot both trip.
	// It also guards threshold.
	mu sync.Mutex
}

// New returns a breaker with failure-ratio threshold.
func New(store Store, threshold float64, n notify.Notifier, logger *logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Breaker{
		store:     store,
		threshold: threshold,
		notifier:  n,
		logger:    logger.Named("breaker"),
		metrics:   metrics.Get(),
	}
}

// Threshold returns the configured failure ratio.
func (b *Breaker) Threshold() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold
}

// SetThreshold replaces the failure ratio. It applies from the next
// recorded outcome.
func (b *Breaker) SetThreshold(threshold float64) {
	b.mu.Lock()
	b.threshold = threshold
	b.mu.Unlock()
}

// Ratio returns the current failure ratio. Safe for concurrent use.
func (b *Breaker) Ratio() float64 { return b.store.WindowStats().Ratio }

// Record appends an outcome and trips the breaker when the failure
// ratio reaches the threshold while the run is Active. It reports
// whether this call tripped the breaker.
func (b *Breaker) Record(ctx context.Context, o state.Outcome) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats, err := b.store.RecordOutcome(ctx, o)
	if err != nil {
		return false, fmt.Errorf("record outcome: %w", err)
	}
	b.metrics.ErrorRatio.Set(stats.Ratio)

	if stats.Ratio < b.threshold {
		return false, nil
	}
	msg := fmt.Sprintf("circuit breaker tripped: %d failures in last %d outcomes (ratio %.3f >= %.3f)",
		stats.Failures, stats.Capacity, stats.Ratio, b.threshold)
	return b.trip(ctx, msg, zap.Int("failures", stats.Failures), zap.Float64("ratio", stats.Ratio))
}

// Trip forces a circuit-breaker pause regardless of the error window.
// It is used for conditions that demand a hard stop, such as a failed
// rollback.
func (b *Breaker) Trip(ctx context.Context, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.trip(ctx, "hard stop: "+reason)
	return err
}

func (b *Breaker) trip(ctx context.Context, msg string, fields ...zap.Field) (bool, error) {
	if rs, _ := b.store.RunState(); rs != state.Active {
		return false, nil
	}
	if err := b.store.Pause(ctx, state.PauseCircuitBreaker, Actor); err != nil {
		if errors.Is(err, state.ErrIllegalTransition) {
			return false, nil
		}
		return false, fmt.Errorf("pause run: %w", err)
	}

	b.metrics.BreakerTrips.Inc()
	b.logger.Error(ctx, msg, fields...)
	if b.notifier != nil {
		_ = b.notifier.Notify(ctx, notify.ChannelCritical, msg)
	}
	return true, nil
}
