package retry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/fabricla/connector/internal/common/collectorerrors"
)

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return ctx.Err()
}

func testPolicy(maxRetries int) Policy {
	return Policy{MaxRetries: maxRetries, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Mode: Exponential}
}

func TestExecute_SucceedsFirstTime(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	err := NewExecutor(testPolicy(3), WithSleeper(sleeper.Sleep)).Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.sleeps)
}

func TestExecute_SucceedsAfterFailures(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	err := NewExecutor(testPolicy(3), WithSleeper(sleeper.Sleep)).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &collectorerrors.ErrTransient{StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.sleeps)
}

func TestExecute_NonRetryableReturnsImmediately(t *testing.T) {
	tests := map[string]error{
		"400": &collectorerrors.ErrBadRequest{StatusCode: 400},
		"401": &collectorerrors.ErrAuthentication{},
		"403": &collectorerrors.ErrAuthorization{},
		"404": &collectorerrors.ErrNotFound{},
		"413": &collectorerrors.ErrPayloadTooLarge{},
	}
	for name, opErr := range tests {
		t.Run(name, func(t *testing.T) {
			sleeper := &recordingSleeper{}
			calls := 0
			err := NewExecutor(testPolicy(3), WithSleeper(sleeper.Sleep)).Execute(context.Background(), func(context.Context) error {
				calls++
				return opErr
			})
			assert.Equal(t, opErr, err)
			assert.Equal(t, 1, calls)
			assert.Empty(t, sleeper.sleeps)
		})
	}
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	err := NewExecutor(testPolicy(3), WithSleeper(sleeper.Sleep)).Execute(context.Background(), func(context.Context) error {
		calls++
		return &collectorerrors.ErrTransient{StatusCode: 503}
	})

	var exceeded *collectorerrors.ErrMaxRetriesExceeded
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 4, exceeded.Attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.sleeps)

	var transient *collectorerrors.ErrTransient
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 503, transient.StatusCode)
}

func TestExecute_NeverExceedsRetryBound(t *testing.T) {
	sequences := [][]error{
		{&collectorerrors.ErrTransient{}, &collectorerrors.ErrRateLimited{RetryAfter: time.Second}},
		{&collectorerrors.ErrRateLimited{}, &collectorerrors.ErrTransient{}, &collectorerrors.ErrBadRequest{}},
		{&collectorerrors.ErrTransient{}},
		{errors.New("unknown")},
	}
	for maxRetries := 0; maxRetries <= 5; maxRetries++ {
		for i, seq := range sequences {
			t.Run(fmt.Sprintf("retries=%d/seq=%d", maxRetries, i), func(t *testing.T) {
				sleeper := &recordingSleeper{}
				calls := 0
				_ = NewExecutor(testPolicy(maxRetries), WithSleeper(sleeper.Sleep)).Execute(context.Background(), func(context.Context) error {
					err := seq[calls%len(seq)]
					calls++
					return err
				})
				assert.LessOrEqual(t, calls, maxRetries+1)
				assert.Equal(t, calls-1, len(sleeper.sleeps))
			})
		}
	}
}

func TestExecute_RetryAfterWins(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	err := NewExecutor(testPolicy(3), WithSleeper(sleeper.Sleep)).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &collectorerrors.ErrRateLimited{RetryAfter: 5 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.sleeps)
}

func TestExecute_RetryAfterCapped(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	err := NewExecutor(testPolicy(1), WithSleeper(sleeper.Sleep)).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &collectorerrors.ErrRateLimited{RetryAfter: 10 * time.Minute}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second}, sleeper.sleeps)
}

func TestExecute_OnRetryHook(t *testing.T) {
	var attempts []Attempt
	calls := 0
	sleeper := &recordingSleeper{}
	err := NewExecutor(testPolicy(2), WithSleeper(sleeper.Sleep), WithOnRetry(func(a Attempt) {
		attempts = append(attempts, a)
	})).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &collectorerrors.ErrRateLimited{RetryAfter: 7 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Number)
	assert.Equal(t, collectorerrors.KindRateLimited, attempts[0].ErrorClass)
	assert.Equal(t, 7*time.Second, attempts[0].Delay)
}

func TestExecute_CustomClassifier(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	err := NewExecutor(testPolicy(2), WithSleeper(sleeper.Sleep), WithClassifier(func(error) Classification {
		return Classification{Retryable: true, SuggestedDelay: time.Millisecond}
	})).Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New("anything")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, time.Millisecond}, sleeper.sleeps)
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	executor := NewExecutor(testPolicy(5), WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))
	err := executor.Execute(ctx, func(context.Context) error {
		calls++
		return &collectorerrors.ErrTransient{StatusCode: 502}
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestExecute_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := NewExecutor(testPolicy(3)).Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 0, calls)
}

func TestDelay(t *testing.T) {
	tests := map[string]struct {
		policy  Policy
		attempt int
		class   Classification
		want    time.Duration
	}{
		"exponential first":  {testPolicy(5), 1, Classification{}, time.Second},
		"exponential fourth": {testPolicy(5), 4, Classification{}, 8 * time.Second},
		"exponential capped": {testPolicy(10), 9, Classification{}, 30 * time.Second},
		"linear third": {
			Policy{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, Mode: Linear}, 3, Classification{}, 6 * time.Second,
		},
		"linear capped": {
			Policy{BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second, Mode: Linear}, 3, Classification{}, 5 * time.Second,
		},
		"suggested wins":   {testPolicy(5), 4, Classification{SuggestedDelay: 3 * time.Second}, 3 * time.Second},
		"suggested capped": {testPolicy(5), 1, Classification{SuggestedDelay: time.Hour}, 30 * time.Second},
		"no cap":           {Policy{BaseDelay: time.Second, Mode: Exponential}, 3, Classification{}, 4 * time.Second},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, NewExecutor(tc.policy).Delay(tc.attempt, tc.class))
		})
	}
}

func TestDo(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	got, err := Do(context.Background(), NewExecutor(testPolicy(2), WithSleeper(sleeper.Sleep)), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &collectorerrors.ErrTransient{}
		}
		return "page", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "page", got)
}

func TestClockSleeper(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(time.Now())
	sleep := ClockSleeper(fakeClock)

	done := make(chan error)
	go func() {
		done <- sleep(context.Background(), 5*time.Second)
	}()
	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	fakeClock.Step(5 * time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleeper did not wake up")
	}
}

func TestClockSleeper_Cancelled(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ClockSleeper(fakeClock)(ctx, time.Hour)
	assert.Equal(t, context.Canceled, err)
}
