package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/fabricla/connector/internal/collector/fetch"
	"github.com/fabricla/connector/internal/collector/strategy"
	"github.com/fabricla/connector/internal/common/collectorerrors"
	"github.com/fabricla/connector/internal/common/ingest"
	"github.com/fabricla/connector/internal/common/ingest/metrics"
	"github.com/fabricla/connector/internal/common/logctx"
	"github.com/fabricla/connector/internal/common/retry"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSources struct {
	mu      sync.Mutex
	streams map[string]func() ingest.RecordStream
	asked   []string
	windows []fetch.TimeWindow
}

func (f *fakeSources) Stream(source string, window fetch.TimeWindow) (ingest.RecordStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, source)
	f.windows = append(f.windows, window)
	if s, ok := f.streams[source]; ok {
		return s(), nil
	}
	return ingest.SliceStream(nil), nil
}

func records(n int) func() ingest.RecordStream {
	return func() ingest.RecordStream {
		rs := make([]ingest.Record, n)
		for i := range rs {
			rs[i] = ingest.MustNewRecord(ingest.Field{Key: ingest.TimeGeneratedField, Value: "2024-03-01T11:00:00Z"})
		}
		return ingest.SliceStream(rs)
	}
}

func failing(err error) func() ingest.RecordStream {
	return func() ingest.RecordStream {
		return ingest.FuncStream(func(context.Context) (ingest.Record, bool, error) {
			return ingest.Record{}, false, err
		})
	}
}

type memoryUploader struct {
	mu       sync.Mutex
	received map[string]int
	fail     map[string]error
}

func (u *memoryUploader) factory(source string) (ingest.Uploader, error) {
	return uploaderFunc(func(_ *logctx.Context, batch *ingest.Batch) error {
		u.mu.Lock()
		defer u.mu.Unlock()
		if err := u.fail[source]; err != nil {
			return err
		}
		if u.received == nil {
			u.received = map[string]int{}
		}
		u.received[source] += batch.Len()
		return nil
	}), nil
}

type uploaderFunc func(ctx *logctx.Context, batch *ingest.Batch) error

func (f uploaderFunc) Upload(ctx *logctx.Context, batch *ingest.Batch) error {
	return f(ctx, batch)
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestRunner(config Config, sources StreamSource, uploader *memoryUploader, reg *prometheus.Registry) *Runner {
	m := metrics.NewMetrics("test_", reg)
	executor := NewExecutor(retry.DefaultPolicy(), metrics.RequestTargetSink, m, retry.WithSleeper(noSleep))
	if config.Ingest.MaxBytes == 0 {
		config.Ingest = ingest.Config{MaxBytes: 950_000, MaxCount: 1000, MaxSplitDepth: ingest.DefaultMaxSplitDepth}
	}
	return NewRunner(config, sources, nil, uploader.factory, executor, clocktesting.NewFakePassiveClock(testNow), m)
}

func TestRun_SourceFailuresDoNotStopOtherSources(t *testing.T) {
	sources := &fakeSources{streams: map[string]func() ingest.RecordStream{
		strategy.SourcePipelineExecution: records(3),
		strategy.SourceUserActivity:      failing(&collectorerrors.ErrAuthorization{Resource: "admin/workspaces/ws-1/activities"}),
	}}
	uploader := &memoryUploader{}
	runner := newTestRunner(Config{
		WorkspaceId:          "ws-1",
		Lookback:             24 * time.Hour,
		Strategy:             strategy.ModeFull,
		MaxConcurrentSources: 2,
		Sources: []string{
			strategy.SourcePipelineExecution,
			strategy.SourceUserActivity,
			strategy.SourceDatasetRefresh,
		},
	}, sources, uploader, prometheus.NewRegistry())

	report, err := runner.Run(logctx.Background())
	require.Error(t, err)
	assert.Equal(t, collectorerrors.KindAuthorization, collectorerrors.KindOf(err))
	assert.Contains(t, err.Error(), "source user_activity")

	assert.NotEmpty(t, report.RunId)
	assert.Equal(t, Summary{Collected: 3, Failed: 1, SentCount: 3}, report.Summary)
	assert.Equal(t, 3, uploader.received[strategy.SourcePipelineExecution])

	pipeline, ok := report.Source(strategy.SourcePipelineExecution)
	require.True(t, ok)
	assert.Equal(t, ingest.StatusCompleted, pipeline.Result.Status)

	refresh, ok := report.Source(strategy.SourceDatasetRefresh)
	require.True(t, ok)
	assert.Equal(t, ingest.StatusSkipped, refresh.Result.Status)
	assert.Empty(t, refresh.Error)

	activity, ok := report.Source(strategy.SourceUserActivity)
	require.True(t, ok)
	assert.NotEmpty(t, activity.Error)
}

func TestRun_WindowEndsNow(t *testing.T) {
	sources := &fakeSources{}
	runner := newTestRunner(Config{
		Lookback: 6 * time.Hour,
		Strategy: strategy.ModeMinimal,
	}, sources, &memoryUploader{}, prometheus.NewRegistry())

	report, err := runner.Run(logctx.Background())
	require.NoError(t, err)
	assert.Equal(t, fetch.TimeWindow{Since: testNow.Add(-6 * time.Hour), Until: testNow}, report.Window)
	for _, w := range sources.windows {
		assert.Equal(t, report.Window, w)
	}
}

func TestRun_MinimalStrategyOnlyAsksCoreSources(t *testing.T) {
	sources := &fakeSources{}
	runner := newTestRunner(Config{
		Lookback: time.Hour,
		Strategy: strategy.ModeMinimal,
	}, sources, &memoryUploader{}, prometheus.NewRegistry())

	report, err := runner.Run(logctx.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		strategy.SourcePipelineExecution,
		strategy.SourceDataflowExecution,
		strategy.SourceCapacityUtilization,
	}, sources.asked)
	assert.Equal(t, len(strategy.KnownSources())-3, report.Summary.Skipped)

	activity, ok := report.Source(strategy.SourceUserActivity)
	require.True(t, ok)
	assert.False(t, activity.Decision.Collect)
	assert.Nil(t, activity.Result)
}

func TestRun_AuthenticationFailureAbortsCycle(t *testing.T) {
	sources := &fakeSources{streams: map[string]func() ingest.RecordStream{
		strategy.SourcePipelineExecution: records(2),
		strategy.SourceDataflowExecution: records(2),
	}}
	uploader := &memoryUploader{fail: map[string]error{
		strategy.SourcePipelineExecution: &collectorerrors.ErrAuthentication{Resource: "sink"},
	}}
	runner := newTestRunner(Config{
		Lookback:             time.Hour,
		Strategy:             strategy.ModeFull,
		MaxConcurrentSources: 1,
		Sources:              []string{strategy.SourcePipelineExecution, strategy.SourceDataflowExecution},
	}, sources, uploader, prometheus.NewRegistry())

	report, err := runner.Run(logctx.Background())
	require.Error(t, err)
	assert.True(t, collectorerrors.IsFatal(err))
	assert.Contains(t, err.Error(), "collection cycle aborted")

	pipeline, _ := report.Source(strategy.SourcePipelineExecution)
	require.NotNil(t, pipeline.Result)
	assert.Equal(t, 2, pipeline.Result.FailedCount)

	dataflow, _ := report.Source(strategy.SourceDataflowExecution)
	if dataflow.Result != nil {
		assert.True(t, dataflow.Result.Cancelled)
		assert.Equal(t, 0, dataflow.Result.SentCount)
	}
}

func TestRun_InvalidStrategy(t *testing.T) {
	runner := newTestRunner(Config{
		Lookback: time.Hour,
		Strategy: strategy.StrategyMode("aggressive"),
	}, &fakeSources{}, &memoryUploader{}, prometheus.NewRegistry())

	_, err := runner.Run(logctx.Background())
	assert.Equal(t, collectorerrors.KindValidation, collectorerrors.KindOf(err))
}

func TestRun_RetriesAreCounted(t *testing.T) {
	sources := &fakeSources{streams: map[string]func() ingest.RecordStream{
		strategy.SourcePipelineExecution: records(1),
	}}
	calls := 0
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test_", reg)
	executor := NewExecutor(retry.DefaultPolicy(), metrics.RequestTargetSink, m, retry.WithSleeper(noSleep))
	runner := NewRunner(Config{
		Lookback: time.Hour,
		Strategy: strategy.ModeFull,
		Sources:  []string{strategy.SourcePipelineExecution},
		Ingest:   ingest.Config{MaxBytes: 950_000, MaxCount: 10, MaxSplitDepth: 3},
	}, sources, nil, func(string) (ingest.Uploader, error) {
		return uploaderFunc(func(*logctx.Context, *ingest.Batch) error {
			calls++
			if calls == 1 {
				return &collectorerrors.ErrRateLimited{RetryAfter: time.Second}
			}
			return nil
		}), nil
	}, executor, clocktesting.NewFakePassiveClock(testNow), m)

	report, err := runner.Run(logctx.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.SentCount)
	assert.Equal(t, 1.0, counterValue(t, reg, "test_retries_total", map[string]string{
		"target": string(metrics.RequestTargetSink),
		"error":  string(collectorerrors.KindRateLimited),
	}))
}

func TestRun_UploaderFactoryFailure(t *testing.T) {
	sources := &fakeSources{streams: map[string]func() ingest.RecordStream{
		strategy.SourcePipelineExecution: records(1),
	}}
	runner := NewRunner(Config{
		Lookback: time.Hour,
		Strategy: strategy.ModeFull,
		Sources:  []string{strategy.SourcePipelineExecution},
	}, sources, nil, func(string) (ingest.Uploader, error) {
		return nil, errors.New("no stream configured")
	}, retry.NewExecutor(retry.DefaultPolicy()), clocktesting.NewFakePassiveClock(testNow), metrics.NewMetrics("test_", prometheus.NewRegistry()))

	report, err := runner.Run(logctx.Background())
	require.Error(t, err)
	assert.Equal(t, 1, report.Summary.Failed)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	nextMetric:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue nextMetric
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}
