package collector

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/fabricla/connector/internal/collector/auth"
	"github.com/fabricla/connector/internal/collector/configuration"
	"github.com/fabricla/connector/internal/collector/fetch"
	"github.com/fabricla/connector/internal/collector/normalize"
	"github.com/fabricla/connector/internal/collector/sink"
	"github.com/fabricla/connector/internal/collector/source"
	"github.com/fabricla/connector/internal/collector/strategy"
	"github.com/fabricla/connector/internal/common"
	"github.com/fabricla/connector/internal/common/ingest"
	"github.com/fabricla/connector/internal/common/ingest/metrics"
	"github.com/fabricla/connector/internal/common/logctx"
	"github.com/fabricla/connector/internal/common/retry"
)

const defaultHttpTimeout = time.Minute

// NewRunnerFromConfig wires every component described by config.
func NewRunnerFromConfig(ctx *logctx.Context, config configuration.CollectorConfiguration) (*Runner, error) {
	m := metrics.Get()
	realClock := clock.RealClock{}

	tokens, err := tokenProvider(ctx, config.Auth)
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = config.MaxRetries
	if config.Retry.BaseDelay > 0 {
		policy.BaseDelay = config.Retry.BaseDelay
	}
	if config.Retry.MaxDelay > 0 {
		policy.MaxDelay = config.Retry.MaxDelay
	}
	if config.Retry.Linear {
		policy.Mode = retry.Linear
	}

	fetcher, err := fetch.New(
		fetch.Config{
			BaseUrl:           config.Fabric.BaseUrl,
			Scope:             config.Fabric.Scope,
			RequestsPerSecond: config.Fabric.RequestsPerSecond,
			Burst:             config.Fabric.Burst,
		},
		httpClient(config.Fabric.Timeout),
		tokens,
		NewExecutor(policy, metrics.RequestTargetUpstream, m),
		m,
	)
	if err != nil {
		return nil, err
	}

	var detector *strategy.Detector
	if config.MonitoringDetection.Enabled {
		detector = strategy.NewDetector(fetcher, strategy.DetectorConfig{
			CacheTtl:      config.MonitoringDetection.CacheTtl,
			ProbeAttempts: config.MonitoringDetection.ProbeAttempts,
			ProbeDelay:    config.MonitoringDetection.ProbeDelay,
		})
	}

	collector := source.NewCollector(
		fetcher,
		normalize.New(realClock),
		source.Target{
			WorkspaceId:   config.WorkspaceId,
			WorkspaceName: config.WorkspaceName,
			CapacityId:    config.CapacityId,
		},
		source.Options{
			ActivityRuns:       config.CollectActivityRuns,
			SparkResourceUsage: config.CollectSparkResourceUsage,
		},
	)

	sinkClient := httpClient(config.Sink.Timeout)
	uploaders := func(src string) (ingest.Uploader, error) {
		return sink.NewUploader(sink.Config{
			Endpoint:   config.Sink.Endpoint,
			RuleId:     config.Sink.RuleId,
			StreamName: config.Sink.StreamFor(src),
			Scope:      config.Sink.Scope,
			Compress:   config.Sink.Compress,
		}, sinkClient, tokens)
	}

	return NewRunner(
		Config{
			WorkspaceId:          config.WorkspaceId,
			Lookback:             config.Lookback(),
			Strategy:             config.Strategy,
			MonitoringStatus:     config.MonitoringDetection.Status,
			MaxConcurrentSources: config.MaxConcurrentSources,
			Sources:              config.Sources,
			Ingest: ingest.Config{
				MaxBytes:      config.MaxPayloadBytes,
				MaxCount:      config.ChunkSize,
				MaxSplitDepth: config.MaxSplitDepth,
			},
		},
		collector,
		detector,
		uploaders,
		NewExecutor(policy, metrics.RequestTargetSink, m),
		realClock,
		m,
	), nil
}

func tokenProvider(ctx *logctx.Context, config configuration.AuthConfig) (auth.TokenProvider, error) {
	if config.StaticToken != "" {
		ctx.Log.Warn("Using a static bearer token; tokens will not be refreshed")
		return auth.NewStaticTokenProvider(config.StaticToken), nil
	}
	return auth.NewClientCredentialsProvider(ctx, auth.ClientCredentialsDetails{
		TenantId:     config.TenantId,
		ClientId:     config.ClientId,
		ClientSecret: config.ClientSecret,
		TokenUrl:     config.TokenUrl,
		ProviderUrl:  config.ProviderUrl,
	}, httpClient(0))
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHttpTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Run runs collection cycles. With a zero interval it runs a single cycle and returns its error; otherwise it
// runs a cycle every interval until ctx is cancelled, logging failed cycles rather than stopping. onReport is
// called after every cycle.
func Run(ctx *logctx.Context, config configuration.CollectorConfiguration, interval time.Duration, onReport func(*Report)) error {
	checker := NewCycleChecker(clock.RealClock{}, staleAfter(interval))
	if config.MetricsPort > 0 {
		shutdownMetricServer := common.ServeMetrics(config.MetricsPort, checker)
		defer shutdownMetricServer()
	}

	runner, err := NewRunnerFromConfig(ctx, config)
	if err != nil {
		return err
	}

	for {
		report, err := runner.Run(ctx)
		checker.Observe(report, err)
		if onReport != nil && report != nil {
			onReport(report)
		}
		if interval <= 0 {
			return err
		}
		if err != nil {
			ctx.Log.WithError(err).Error("Collection cycle finished with errors")
		}

		ctx.Log.Infof("Next collection cycle in %s", interval)
		select {
		case <-ctx.Done():
			ctx.Log.Info("Stopping collector")
			return nil
		case <-time.After(interval):
		}
	}
}

// staleAfter is how long daemon mode may go without a finished cycle before it reports itself unhealthy.
func staleAfter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return 3 * interval
}

// Decisions reports what a cycle would collect without collecting anything.
func Decisions(ctx *logctx.Context, config configuration.CollectorConfiguration) ([]strategy.Decision, *strategy.Detection, error) {
	runner, err := NewRunnerFromConfig(ctx, config)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "creating collector")
	}
	return runner.Decide(ctx)
}
