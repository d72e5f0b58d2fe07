// Package source turns each collectable data source into a lazy stream of normalized records.
//
// A stream fetches nothing until it is drained. Nested collections (pipelines, their runs, the activities of each
// run) are walked depth first, one upstream page at a time, so memory stays bounded by a page regardless of how
// much a workspace holds.
package source

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/fabricla/connector/internal/collector/catalog"
	"github.com/fabricla/connector/internal/collector/fetch"
	"github.com/fabricla/connector/internal/collector/normalize"
	"github.com/fabricla/connector/internal/collector/strategy"
	"github.com/fabricla/connector/internal/common/collectorerrors"
	"github.com/fabricla/connector/internal/common/ingest"
	"github.com/fabricla/connector/internal/common/logctx"
)

// Upstream is the part of fetch.Fetcher the collectors need.
type Upstream interface {
	Fetch(endpoint fetch.Endpoint, window fetch.TimeWindow, params url.Values) *fetch.PageIterator
	GetObject(ctx context.Context, path string, params url.Values, optional bool) (map[string]any, bool, error)
}

// Target identifies what is being monitored.
type Target struct {
	WorkspaceId   string
	WorkspaceName string
	// Capacity utilization is only collected when set.
	CapacityId string
}

type Options struct {
	// Also collect the activity runs of every pipeline run.
	ActivityRuns bool
	// Also collect resource usage of active Spark applications.
	SparkResourceUsage bool
}

// livy session states whose application still reports resource usage
var activeSessionStates = []string{"idle", "busy", "starting"}

const limitedConfigNote = "Limited data - requires admin permissions for full workspace config"

type Collector struct {
	upstream   Upstream
	normalizer *normalize.Normalizer
	target     Target
	options    Options
}

func NewCollector(upstream Upstream, normalizer *normalize.Normalizer, target Target, options Options) *Collector {
	return &Collector{
		upstream:   upstream,
		normalizer: normalizer,
		target:     target,
		options:    options,
	}
}

// Sources lists the sources Stream understands.
func Sources() []string {
	return strategy.KnownSources()
}

// Stream returns the records of one source within window.
func (c *Collector) Stream(source string, window fetch.TimeWindow) (ingest.RecordStream, error) {
	var p pager
	switch source {
	case strategy.SourcePipelineExecution:
		p = c.pipelineRuns(window)
	case strategy.SourceDataflowExecution:
		p = c.items(catalog.Dataflows, func(item map[string]any) pager {
			nctx := c.itemContext(item)
			return c.list(catalog.DataflowRuns, c.ids(nctx), window, normalize.DataflowRun, nctx)
		})
	case strategy.SourceDatasetRefresh:
		p = c.items(catalog.SemanticModels, func(item map[string]any) pager {
			nctx := c.itemContext(item)
			return c.list(catalog.DatasetRefreshes, c.ids(nctx), window, normalize.DatasetRefresh, nctx)
		})
	case strategy.SourceDatasetMetadata:
		nctx := normalize.Context{WorkspaceID: c.target.WorkspaceId}
		p = c.list(catalog.SemanticModels, c.ids(nctx), fetch.TimeWindow{}, normalize.DatasetMetadata, nctx)
	case strategy.SourceCapacityUtilization:
		if c.target.CapacityId == "" {
			p = empty
			break
		}
		nctx := normalize.Context{CapacityID: c.target.CapacityId}
		p = c.list(catalog.CapacityWorkloads, catalog.Ids{CapacityId: c.target.CapacityId}, window, normalize.CapacityMetric, nctx)
	case strategy.SourceUserActivity:
		nctx := normalize.Context{WorkspaceID: c.target.WorkspaceId}
		p = c.list(catalog.UserActivities, c.ids(nctx), window, normalize.UserActivity, nctx)
	case strategy.SourceSparkSessions:
		p = c.sparkSessions(window)
	case strategy.SourceSparkItemSessions:
		p = c.sparkItems(func(nctx normalize.Context) pager {
			return c.list(catalog.ItemLivySessions, c.ids(nctx), window, normalize.LivySession, nctx)
		})
	case strategy.SourceSparkApplications:
		nctx := normalize.Context{WorkspaceID: c.target.WorkspaceId}
		p = concat(
			c.sparkApplications(catalog.SparkSessions, catalog.SparkSessionDetails, nctx, window),
			c.sparkItems(func(nctx normalize.Context) pager {
				return c.sparkApplications(catalog.ItemSparkSessions, catalog.ItemSparkSessionDetails, nctx, window)
			}),
		)
	case strategy.SourceWorkspaceConfig:
		p = c.workspaceConfig()
	default:
		return nil, &collectorerrors.ErrInvalidArgument{Name: "source", Value: source, Message: "unknown data source"}
	}
	return streamOf(p), nil
}

func (c *Collector) ids(nctx normalize.Context) catalog.Ids {
	return catalog.Ids{
		WorkspaceId:    c.target.WorkspaceId,
		ItemId:         nctx.ItemID,
		RunId:          nctx.RunID,
		CapacityId:     c.target.CapacityId,
		SessionId:      nctx.SessionID,
		ItemCollection: catalog.ItemCollections[nctx.ItemType],
	}
}

func (c *Collector) itemContext(item map[string]any) normalize.Context {
	return normalize.Context{
		WorkspaceID:   c.target.WorkspaceId,
		WorkspaceName: c.target.WorkspaceName,
		ItemID:        stringAt(item, "id"),
		ItemName:      stringAt(item, "displayName"),
		ItemType:      stringAt(item, "type"),
	}
}

// open starts paginating a catalogued list.
func (c *Collector) open(key catalog.Key, ids catalog.Ids, window fetch.TimeWindow) (*fetch.PageIterator, error) {
	endpoint, params, err := catalog.Endpoint(key, ids)
	if err != nil {
		return nil, err
	}
	return c.upstream.Fetch(endpoint, window, params), nil
}

// list normalizes every item of a catalogued list as entity.
func (c *Collector) list(key catalog.Key, ids catalog.Ids, window fetch.TimeWindow, entity normalize.EntityType, nctx normalize.Context) pager {
	return lazy(func(context.Context) (pager, error) {
		it, err := c.open(key, ids, window)
		if err != nil {
			return nil, err
		}
		return forEachItem(it, func(item map[string]any) pager {
			return c.normalized(entity, nctx, item)
		}), nil
	})
}

// items walks the workspace items listed under key and builds a child pager for each.
func (c *Collector) items(key catalog.Key, child func(item map[string]any) pager) pager {
	return lazy(func(context.Context) (pager, error) {
		it, err := c.open(key, catalog.Ids{WorkspaceId: c.target.WorkspaceId}, fetch.TimeWindow{})
		if err != nil {
			return nil, err
		}
		return forEachItem(it, child), nil
	})
}

func (c *Collector) normalized(entity normalize.EntityType, nctx normalize.Context, raw map[string]any) pager {
	r, err := c.normalizer.Normalize(entity, nctx, raw)
	if err != nil {
		return func(context.Context) ([]ingest.Record, bool, error) {
			return nil, false, err
		}
	}
	return once([]ingest.Record{r})
}

func (c *Collector) pipelineRuns(window fetch.TimeWindow) pager {
	return c.items(catalog.Pipelines, func(pipeline map[string]any) pager {
		nctx := c.itemContext(pipeline)
		if !c.options.ActivityRuns {
			return c.list(catalog.PipelineRuns, c.ids(nctx), window, normalize.PipelineRun, nctx)
		}
		return lazy(func(context.Context) (pager, error) {
			runs, err := c.open(catalog.PipelineRuns, c.ids(nctx), window)
			if err != nil {
				return nil, err
			}
			return forEachItem(runs, func(run map[string]any) pager {
				runCtx := nctx
				runCtx.RunID = stringAt(run, "id")
				activities := empty
				if runCtx.RunID != "" {
					activities = c.list(catalog.ActivityRuns, c.ids(runCtx), fetch.TimeWindow{}, normalize.ActivityRun, runCtx)
				}
				return concat(c.normalized(normalize.PipelineRun, nctx, run), activities)
			}), nil
		})
	})
}

func (c *Collector) sparkSessions(window fetch.TimeWindow) pager {
	nctx := normalize.Context{
		WorkspaceID:   c.target.WorkspaceId,
		WorkspaceName: c.target.WorkspaceName,
		ItemType:      "Workspace",
		ItemID:        c.target.WorkspaceId,
		ItemName:      c.target.WorkspaceName,
	}
	if nctx.ItemName == "" {
		nctx.ItemName = c.target.WorkspaceId
	}
	return lazy(func(context.Context) (pager, error) {
		sessions, err := c.open(catalog.LivySessions, c.ids(nctx), window)
		if err != nil {
			return nil, err
		}
		return forEachItem(sessions, func(session map[string]any) pager {
			p := c.normalized(normalize.LivySession, nctx, session)
			if !c.options.SparkResourceUsage || !isActiveSession(session) {
				return p
			}
			usageCtx := nctx
			usageCtx.SessionID = firstString(session, "id", "livyId")
			usageCtx.ApplicationID = firstString(session, "appId", "applicationId", "sparkApplicationId")
			if usageCtx.ApplicationID == "" {
				return p
			}
			return concat(p, c.resourceUsage(usageCtx))
		}), nil
	})
}

// sparkItems walks the workspace items that run Spark and builds a child pager for each.
func (c *Collector) sparkItems(child func(nctx normalize.Context) pager) pager {
	return c.items(catalog.SparkItems, func(item map[string]any) pager {
		nctx := c.itemContext(item)
		if _, ok := catalog.ItemCollections[nctx.ItemType]; !ok || nctx.ItemID == "" {
			return empty
		}
		return child(nctx)
	})
}

// sparkApplications lists the Spark sessions under key and enriches each with its details, when available, before
// normalizing it.
func (c *Collector) sparkApplications(key, detailKey catalog.Key, nctx normalize.Context, window fetch.TimeWindow) pager {
	return lazy(func(context.Context) (pager, error) {
		sessions, err := c.open(key, c.ids(nctx), window)
		if err != nil {
			return nil, err
		}
		return forEachItem(sessions, func(session map[string]any) pager {
			return lazy(func(ctx context.Context) (pager, error) {
				sessionCtx := nctx
				sessionCtx.SessionID = stringAt(session, "id")
				if sessionCtx.SessionID == "" {
					return c.normalized(normalize.SparkApplication, nctx, session), nil
				}
				details, err := c.sessionDetails(ctx, detailKey, sessionCtx)
				if err != nil {
					return nil, err
				}
				raw := session
				if details != nil {
					raw = with(session, "details", details)
				}
				return c.normalized(normalize.SparkApplication, nctx, raw), nil
			})
		}), nil
	})
}

// sessionDetails returns nil when the details are missing or could not be read.
func (c *Collector) sessionDetails(ctx context.Context, key catalog.Key, nctx normalize.Context) (map[string]any, error) {
	path, err := catalog.Path(key, c.ids(nctx))
	if err != nil {
		return nil, err
	}
	details, found, err := c.upstream.GetObject(ctx, path, nil, true)
	if err != nil {
		if collectorerrors.IsFatal(err) {
			return nil, err
		}
		logctx.FromContext(ctx).Log.WithError(err).Warnf("Could not fetch details of Spark session %s", nctx.SessionID)
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	return details, nil
}

// workspaceConfig reads the workspace settings through the admin endpoint. Callers without admin rights get the
// subset the regular workspace endpoint serves, flagged with a note.
func (c *Collector) workspaceConfig() pager {
	return lazy(func(ctx context.Context) (pager, error) {
		nctx := normalize.Context{WorkspaceID: c.target.WorkspaceId}
		ids := c.ids(nctx)
		path, err := catalog.Path(catalog.WorkspaceConfigAdmin, ids)
		if err != nil {
			return nil, err
		}
		config, found, err := c.upstream.GetObject(ctx, path, nil, false)
		if err != nil && collectorerrors.FallbackPolicyFor(collectorerrors.KindOf(err)) == collectorerrors.UseFallback {
			logctx.FromContext(ctx).Log.WithError(err).Info("Admin workspace endpoint refused, falling back to the workspace endpoint")
			nctx.Note = limitedConfigNote
			if path, err = catalog.Path(catalog.WorkspaceConfig, ids); err != nil {
				return nil, err
			}
			config, found, err = c.upstream.GetObject(ctx, path, nil, false)
		}
		if err != nil {
			return nil, err
		}
		if !found {
			return empty, nil
		}
		return c.normalized(normalize.WorkspaceConfig, nctx, config), nil
	})
}

// resourceUsage fetches the resource usage snapshot of one Spark application and emits a record for the driver,
// each executor and the aggregates.
func (c *Collector) resourceUsage(nctx normalize.Context) pager {
	return lazy(func(ctx context.Context) (pager, error) {
		path, err := catalog.Path(catalog.SparkResourceUsage, catalog.Ids{
			WorkspaceId:   nctx.WorkspaceID,
			ApplicationId: nctx.ApplicationID,
		})
		if err != nil {
			return nil, err
		}
		usage, found, err := c.upstream.GetObject(ctx, path, nil, true)
		if err != nil {
			if collectorerrors.IsFatal(err) {
				return nil, err
			}
			// Usage is best effort; a failure must not lose the sessions already collected.
			logctx.FromContext(ctx).Log.WithError(err).Warnf("Could not fetch resource usage of application %s", nctx.ApplicationID)
			return empty, nil
		}
		if !found {
			return empty, nil
		}

		timestamp, _ := normalize.Lookup(usage, "timestamp")
		var records []ingest.Record
		add := func(resourceType string, raw map[string]any) error {
			if _, ok := raw["timestamp"]; !ok && timestamp != nil {
				raw = with(raw, "timestamp", timestamp)
			}
			rctx := nctx
			rctx.ResourceType = resourceType
			r, err := c.normalizer.Normalize(normalize.SparkResource, rctx, raw)
			if err != nil {
				return err
			}
			records = append(records, r)
			return nil
		}
		if driver, ok := usage["driver"].(map[string]any); ok {
			if err := add("driver", driver); err != nil {
				return nil, err
			}
		}
		if executors, ok := usage["executors"].([]any); ok {
			for _, e := range executors {
				if executor, ok := e.(map[string]any); ok {
					if err := add("executor", executor); err != nil {
						return nil, err
					}
				}
			}
		}
		if aggregates, ok := usage["aggregates"].(map[string]any); ok {
			if err := add("aggregate", aggregates); err != nil {
				return nil, err
			}
		}
		if len(records) == 0 {
			return empty, nil
		}
		return once(records), nil
	})
}

// with returns a copy of raw with key set, leaving raw untouched.
func with(raw map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out[key] = value
	return out
}

func isActiveSession(session map[string]any) bool {
	state := strings.ToLower(stringAt(session, "state"))
	for _, s := range activeSessionStates {
		if state == s {
			return true
		}
	}
	return false
}

func stringAt(raw map[string]any, path string) string {
	v, ok := normalize.Lookup(raw, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func firstString(raw map[string]any, paths ...string) string {
	for _, p := range paths {
		if s := stringAt(raw, p); s != "" {
			return s
		}
	}
	return ""
}

// Drain reads a whole stream into memory. It is meant for small streams and tests.
func Drain(ctx context.Context, stream ingest.RecordStream) ([]ingest.Record, error) {
	var records []ingest.Record
	for stream.Next(ctx) {
		records = append(records, stream.Record())
	}
	if err := stream.Err(); err != nil {
		return records, errors.WithMessage(err, "draining record stream")
	}
	return records, nil
}
