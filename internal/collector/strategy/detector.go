package strategy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/fabricla/connector/internal/collector/fetch"
	"github.com/fabricla/connector/internal/common/logctx"
)

// Upstream is the part of fetch.Fetcher the detector needs.
type Upstream interface {
	Probe(ctx context.Context, path string) (int, error)
	Fetch(endpoint fetch.Endpoint, window fetch.TimeWindow, params url.Values) *fetch.PageIterator
}

// Detection is the outcome of probing one workspace.
type Detection struct {
	WorkspaceId  string           `json:"workspaceId"`
	Status       MonitoringStatus `json:"status"`
	Method       string           `json:"method"`
	EventhouseId string           `json:"eventhouseId,omitempty"`
	Reason       string           `json:"reason"`
}

type DetectorConfig struct {
	// How long a detection is reused before the workspace is probed again.
	CacheTtl time.Duration
	// Attempts of the monitoring endpoint probe, including the first.
	ProbeAttempts uint
	ProbeDelay    time.Duration
}

// Detector works out whether workspace monitoring is enabled. It never fails: anything it cannot determine is
// reported as MonitoringUnknown.
type Detector struct {
	upstream Upstream
	config   DetectorConfig
	cache    *cache.Cache
}

func NewDetector(upstream Upstream, config DetectorConfig) *Detector {
	if config.ProbeAttempts == 0 {
		config.ProbeAttempts = 3
	}
	if config.ProbeDelay <= 0 {
		config.ProbeDelay = time.Second
	}
	return &Detector{
		upstream: upstream,
		config:   config,
		cache:    cache.New(config.CacheTtl, 2*config.CacheTtl+time.Minute),
	}
}

// errProbeRetryable marks probe outcomes worth another attempt (throttling and 5xx).
var errProbeRetryable = errors.New("monitoring probe returned a retryable status")

func (d *Detector) Detect(ctx *logctx.Context, workspaceId string) Detection {
	if d.config.CacheTtl > 0 {
		if cached, ok := d.cache.Get(workspaceId); ok {
			return cached.(Detection)
		}
	}

	detection := d.probe(ctx, workspaceId)
	if detection.Status == MonitoringUnknown {
		detection = d.scanItems(ctx, workspaceId, detection)
	}
	ctx.Log.WithField("workspace", workspaceId).Infof("Workspace monitoring %s (%s: %s)", detection.Status, detection.Method, detection.Reason)

	if d.config.CacheTtl > 0 && detection.Status != MonitoringUnknown {
		d.cache.Set(workspaceId, detection, cache.DefaultExpiration)
	}
	return detection
}

// probe asks the monitoring endpoint directly: 200 means enabled, 404 disabled, anything else unknown.
func (d *Detector) probe(ctx *logctx.Context, workspaceId string) Detection {
	detection := Detection{WorkspaceId: workspaceId, Status: MonitoringUnknown, Method: "monitoring_endpoint"}
	path := fmt.Sprintf("workspaces/%s/monitoring", url.PathEscape(workspaceId))

	var status int
	err := retry.Do(
		func() error {
			s, err := d.upstream.Probe(ctx, path)
			if err != nil {
				return err
			}
			status = s
			if s == http.StatusTooManyRequests || s >= 500 {
				return errors.WithMessagef(errProbeRetryable, "status %d", s)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.config.ProbeAttempts),
		retry.Delay(d.config.ProbeDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Debugf("Retrying monitoring probe for workspace %s (attempt %d)", workspaceId, n+1)
		}),
	)

	switch {
	case err != nil && status == 0:
		detection.Reason = "monitoring_endpoint_unreachable"
	case status == http.StatusOK:
		detection.Status = MonitoringEnabled
		detection.Reason = "monitoring_endpoint_available"
	case status == http.StatusNotFound:
		detection.Status = MonitoringDisabled
		detection.Reason = "monitoring_endpoint_not_found"
	default:
		detection.Reason = fmt.Sprintf("monitoring_endpoint_status_%d", status)
	}
	return detection
}

// scanItems looks for an Eventhouse whose name mentions monitoring.
func (d *Detector) scanItems(ctx *logctx.Context, workspaceId string, previous Detection) Detection {
	it := d.upstream.Fetch(fetch.Endpoint{
		Entity: "workspace_items",
		Path:   fmt.Sprintf("workspaces/%s/items", url.PathEscape(workspaceId)),
	}, fetch.TimeWindow{}, url.Values{"type": {"Eventhouse"}})

	for it.Next(ctx) {
		for _, item := range it.Page().Items {
			if !isMonitoringEventhouse(item) {
				continue
			}
			id, _ := item["id"].(string)
			return Detection{
				WorkspaceId:  workspaceId,
				Status:       MonitoringEnabled,
				Method:       "workspace_items",
				EventhouseId: id,
				Reason:       "monitoring_eventhouse_found",
			}
		}
	}
	if err := it.Err(); err != nil {
		ctx.Log.WithError(err).Warnf("Could not list items of workspace %s; monitoring status stays unknown", workspaceId)
		return previous
	}
	return Detection{
		WorkspaceId: workspaceId,
		Status:      MonitoringDisabled,
		Method:      "workspace_items",
		Reason:      "no_monitoring_eventhouse_found",
	}
}

func isMonitoringEventhouse(item map[string]any) bool {
	if t, _ := item["type"].(string); t != "" && !strings.EqualFold(t, "Eventhouse") {
		return false
	}
	name, _ := item["displayName"].(string)
	return strings.Contains(strings.ToLower(name), "monitor")
}
