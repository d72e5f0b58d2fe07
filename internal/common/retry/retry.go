package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/fabricla/connector/internal/common/collectorerrors"
	"github.com/fabricla/connector/internal/common/logctx"
)

// BackoffMode selects how the delay grows between attempts.
type BackoffMode string

const (
	Exponential BackoffMode = "exponential"
	Linear      BackoffMode = "linear"
)

// Policy configures an Executor.
type Policy struct {
	// Number of retries after the first attempt. At most MaxRetries+1 attempts are made.
	MaxRetries int
	// Delay before the first retry.
	BaseDelay time.Duration
	// Upper bound for any single delay, including server supplied hints.
	MaxDelay time.Duration
	// Exponential (default) or Linear.
	Mode BackoffMode
}

// DefaultPolicy mirrors the ingestion defaults: 3 retries, 1s base, 5m cap, exponential.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Minute,
		Mode:       Exponential,
	}
}

// Classification is the verdict of a Classifier on a single error.
type Classification struct {
	Retryable bool
	// If non-zero, overrides the computed backoff (still capped at MaxDelay).
	SuggestedDelay time.Duration
}

// Classifier decides whether an error is worth retrying.
type Classifier func(error) Classification

// Attempt describes one failed attempt. It is only handed to the OnRetry hook and the logs.
type Attempt struct {
	Number     int
	ErrorClass collectorerrors.Kind
	Delay      time.Duration
	Err        error
}

// Sleeper blocks for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// ClockSleeper returns a Sleeper backed by the supplied clock.
func ClockSleeper(c clock.Clock) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		timer := c.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
			return nil
		}
	}
}

// Executor runs operations with bounded retries. It holds no state between calls so a single Executor can be
// shared by concurrent pipelines.
type Executor struct {
	policy   Policy
	classify Classifier
	sleep    Sleeper
	onRetry  func(Attempt)
}

// Option customises an Executor.
type Option func(*Executor)

// WithClassifier overrides DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		if c != nil {
			e.classify = c
		}
	}
}

// WithSleeper overrides the real-time sleeper. Mainly useful in tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithOnRetry registers a hook called once per retry, before sleeping.
func WithOnRetry(f func(Attempt)) Option {
	return func(e *Executor) {
		e.onRetry = f
	}
}

func NewExecutor(policy Policy, opts ...Option) *Executor {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.Mode == "" {
		policy.Mode = Exponential
	}
	e := &Executor{
		policy:   policy,
		classify: DefaultClassifier,
		sleep:    ClockSleeper(clock.RealClock{}),
		onRetry:  func(Attempt) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs op until it succeeds, fails with a non-retryable error or the retry budget is spent.
//   - Non-retryable errors are returned immediately, unchanged.
//   - Once MaxRetries retries have failed, an *ErrMaxRetriesExceeded wrapping the last error is returned.
//   - If ctx is cancelled while waiting, the context error is returned wrapped with the last operation error.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	log := logctx.FromContext(ctx).Log
	maxAttempts := e.policy.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		class := e.classify(err)
		if !class.Retryable {
			return err
		}
		if attempt >= maxAttempts {
			log.WithError(err).Warnf("Giving up after %d attempts", attempt)
			return errors.WithStack(&collectorerrors.ErrMaxRetriesExceeded{Attempts: attempt, LastError: err})
		}

		delay := e.Delay(attempt, class)
		e.onRetry(Attempt{
			Number:     attempt,
			ErrorClass: collectorerrors.KindOf(err),
			Delay:      delay,
			Err:        err,
		})
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":    attempt,
			"maxRetries": e.policy.MaxRetries,
		}).Warnf("Retryable error encountered, will wait for %s before retrying", delay)

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return errors.WithMessagef(sleepErr, "cancelled while backing off after %d attempts (last error: %s)", attempt, err)
		}
	}
}

// Delay returns how long to wait after the given (1-based) failed attempt.
func (e *Executor) Delay(attempt int, class Classification) time.Duration {
	var delay time.Duration
	if class.SuggestedDelay > 0 {
		delay = class.SuggestedDelay
	} else if e.policy.Mode == Linear {
		delay = e.policy.BaseDelay * time.Duration(attempt)
	} else {
		delay = e.policy.BaseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if e.policy.MaxDelay > 0 && delay >= e.policy.MaxDelay {
				break
			}
		}
	}
	if e.policy.MaxDelay > 0 && delay > e.policy.MaxDelay {
		delay = e.policy.MaxDelay
	}
	return delay
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, func(ctx context.Context) error {
		r, err := op(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
