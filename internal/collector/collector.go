// Package collector runs collection cycles: decide which sources to collect, then stream, batch and upload each
// of them concurrently.
package collector

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/fabricla/connector/internal/collector/fetch"
	"github.com/fabricla/connector/internal/collector/source"
	"github.com/fabricla/connector/internal/collector/strategy"
	"github.com/fabricla/connector/internal/common/collectorerrors"
	"github.com/fabricla/connector/internal/common/ingest"
	"github.com/fabricla/connector/internal/common/ingest/metrics"
	"github.com/fabricla/connector/internal/common/logctx"
	"github.com/fabricla/connector/internal/common/retry"
)

type Config struct {
	WorkspaceId string
	Lookback    time.Duration
	Strategy    strategy.StrategyMode
	// Used when detection is disabled or no detector is configured.
	MonitoringStatus     strategy.MonitoringStatus
	MaxConcurrentSources int
	// Restricts the sources considered. All known sources when empty.
	Sources []string
	Ingest  ingest.Config
}

// StreamSource builds the record stream of one source.
type StreamSource interface {
	Stream(source string, window fetch.TimeWindow) (ingest.RecordStream, error)
}

// UploaderFactory returns the uploader for a source's records.
type UploaderFactory func(source string) (ingest.Uploader, error)

type Runner struct {
	config    Config
	sources   StreamSource
	detector  *strategy.Detector
	uploaders UploaderFactory
	executor  *retry.Executor
	clock     clock.PassiveClock
	metrics   *metrics.Metrics
}

// NewRunner creates a Runner. detector may be nil, in which case Config.MonitoringStatus is used.
func NewRunner(
	config Config,
	sources StreamSource,
	detector *strategy.Detector,
	uploaders UploaderFactory,
	executor *retry.Executor,
	c clock.PassiveClock,
	m *metrics.Metrics,
) *Runner {
	if config.MaxConcurrentSources < 1 {
		config.MaxConcurrentSources = 1
	}
	if len(config.Sources) == 0 {
		config.Sources = source.Sources()
	}
	if config.MonitoringStatus == "" {
		config.MonitoringStatus = strategy.MonitoringUnknown
	}
	if c == nil {
		c = clock.RealClock{}
	}
	if m == nil {
		m = metrics.Get()
	}
	return &Runner{
		config:    config,
		sources:   sources,
		detector:  detector,
		uploaders: uploaders,
		executor:  executor,
		clock:     c,
		metrics:   m,
	}
}

// NewExecutor returns a retry.Executor that counts its retries against target.
func NewExecutor(policy retry.Policy, target metrics.RequestTarget, m *metrics.Metrics, opts ...retry.Option) *retry.Executor {
	if m == nil {
		m = metrics.Get()
	}
	opts = append([]retry.Option{
		retry.WithOnRetry(func(a retry.Attempt) {
			m.RecordRetry(target, string(a.ErrorClass))
		}),
	}, opts...)
	return retry.NewExecutor(policy, opts...)
}

// Decide works out the monitoring status of the workspace and the decision for every source.
func (r *Runner) Decide(ctx *logctx.Context) ([]strategy.Decision, *strategy.Detection, error) {
	status := r.config.MonitoringStatus
	var detection *strategy.Detection
	if r.detector != nil {
		d := r.detector.Detect(ctx, r.config.WorkspaceId)
		detection = &d
		status = d.Status
	}
	engine, err := strategy.NewEngine(r.config.Strategy, status)
	if err != nil {
		return nil, detection, err
	}
	return engine.DecideAll(r.config.Sources), detection, nil
}

// Run performs one collection cycle. Failures of individual sources are collected into the returned error while
// the other sources carry on; an authentication failure cancels the whole cycle. The report is returned in every
// case.
func (r *Runner) Run(ctx *logctx.Context) (*Report, error) {
	report := &Report{
		RunId:     uuid.NewString(),
		StartedAt: r.clock.Now().UTC(),
	}
	ctx = logctx.WithLogFields(ctx, logrus.Fields{"runId": report.RunId, "workspaceId": r.config.WorkspaceId})

	window, err := fetch.NewTimeWindow(r.clock, r.config.Lookback)
	if err != nil {
		return report, err
	}
	report.Window = window

	decisions, detection, err := r.Decide(ctx)
	report.Detection = detection
	if err != nil {
		return report, err
	}
	report.Sources = make([]SourceReport, len(decisions))

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, gctx := logctx.ErrGroup(ctx)
	g.SetLimit(r.config.MaxConcurrentSources)
	for i, decision := range decisions {
		report.Sources[i].Decision = decision
		if !decision.Collect {
			ctx.Log.WithField("source", decision.Source).Infof("Skipping source: %s", decision.Reason)
			continue
		}
		i, name := i, decision.Source
		g.Go(func() error {
			sctx := logctx.WithLogField(gctx, "source", name)
			res, err := r.collect(sctx, name, window)
			report.Sources[i].Result = res
			if err == nil {
				return nil
			}
			report.Sources[i].Error = err.Error()
			mu.Lock()
			result = multierror.Append(result, errors.WithMessagef(err, "source %s", name))
			mu.Unlock()
			if collectorerrors.KindOf(err) == collectorerrors.KindAuthentication {
				return err
			}
			sctx.Log.WithError(err).Error("Source failed; continuing with the remaining sources")
			return nil
		})
	}
	fatal := g.Wait()

	report.FinishedAt = r.clock.Now().UTC()
	report.summarize()
	ctx.Log.WithFields(logrus.Fields{
		"collected": report.Summary.Collected,
		"skipped":   report.Summary.Skipped,
		"failed":    report.Summary.Failed,
		"sent":      report.Summary.SentCount,
		"notSent":   report.Summary.FailedCount,
	}).Info("Collection cycle finished")

	if fatal != nil {
		return report, errors.WithMessage(fatal, "collection cycle aborted")
	}
	return report, result.ErrorOrNil()
}

func (r *Runner) collect(ctx *logctx.Context, name string, window fetch.TimeWindow) (*ingest.IngestionResult, error) {
	stream, err := r.sources.Stream(name, window)
	if err != nil {
		return nil, err
	}
	uploader, err := r.uploaders(name)
	if err != nil {
		return nil, err
	}
	ingester := ingest.NewIngester(name, uploader, r.executor, r.config.Ingest, r.metrics)
	return ingester.Ingest(ctx, stream)
}
