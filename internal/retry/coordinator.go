// Package retry runs operations under a bounded, linearly backed-off retry
// budget, deciding retryability through the fault classifier.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/faults"
)

// DefaultMaxAttempts is the attempt budget when none is configured.
const DefaultMaxAttempts = 3

// AttemptFunc is told about every failed attempt that will be retried.
type AttemptFunc func(attempt int, verr *faults.VerificationError)

// Outcome summarizes a run.
type Outcome struct {
	Attempts int
	Err      *faults.VerificationError
	// ShouldShowFallback is set once the budget is exhausted on retryable
	// failures; the caller should offer a degraded path instead of retrying.
	ShouldShowFallback bool
}

// Decision is the verdict for a single failure.
type Decision struct {
	Err          *faults.VerificationError
	Retry        bool
	Delay        time.Duration
	ShowFallback bool
}

// Coordinator applies the retry policy.
type Coordinator struct {
	classifier  *faults.Classifier
	logger      *zap.Logger
	baseDelay   time.Duration
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewCoordinator builds a coordinator waiting attempt×baseDelay between attempts.
func NewCoordinator(classifier *faults.Classifier, baseDelay time.Duration, maxAttempts int, logger *zap.Logger) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{
		classifier:  classifier,
		logger:      logger.Named("retry"),
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		sleep:       sleepContext,
	}
}

// MaxAttempts returns the configured budget.
func (c *Coordinator) MaxAttempts() int {
	return c.maxAttempts
}

// Decide classifies the failure of attempt (1-based) and says whether another
// attempt should follow.
func (c *Coordinator) Decide(err error, attempt int, fc faults.Context) Decision {
	fc.Attempt = attempt
	verr := c.classifier.Classify(err, fc)
	d := Decision{Err: verr}
	switch {
	case !verr.Retryable:
	case attempt >= c.maxAttempts:
		d.ShowFallback = true
	default:
		d.Retry = true
		d.Delay = time.Duration(attempt) * c.baseDelay
	}
	return d
}

// Run executes op until it succeeds, fails with a non-retryable fault, or
// exhausts the attempt budget.
func Run[T any](ctx context.Context, c *Coordinator, fc faults.Context, op func(ctx context.Context) (T, error), onAttempt AttemptFunc) (T, Outcome) {
	var zero T
	for attempt := 1; ; attempt++ {
		value, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("operation succeeded after retry", zap.String("operation", fc.Operation), zap.Int("attempt", attempt))
			}
			return value, Outcome{Attempts: attempt}
		}

		d := c.Decide(err, attempt, fc)
		if !d.Retry {
			c.logger.Warn("operation failed",
				zap.String("operation", fc.Operation),
				zap.Int("attempt", attempt),
				zap.String("kind", string(d.Err.Kind)),
				zap.Bool("retryable", d.Err.Retryable),
			)
			return zero, Outcome{Attempts: attempt, Err: d.Err, ShouldShowFallback: d.ShowFallback}
		}

		c.logger.Warn("retrying operation",
			zap.String("operation", fc.Operation),
			zap.Int("attempt", attempt),
			zap.String("kind", string(d.Err.Kind)),
			zap.Duration("delay", d.Delay),
		)
		if onAttempt != nil {
			onAttempt(attempt, d.Err)
		}
		if err := c.sleep(ctx, d.Delay); err != nil {
			return zero, Outcome{Attempts: attempt, Err: c.classifier.Classify(err, fc)}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
