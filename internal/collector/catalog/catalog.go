// Package catalog maps every upstream collection onto the endpoint that lists it.
package catalog

import (
	"net/url"
	"regexp"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fabricla/connector/internal/collector/fetch"
	"github.com/fabricla/connector/internal/common/collectorerrors"
)

// Key names one upstream collection.
type Key string

const (
	Pipelines          Key = "pipelines"
	Dataflows          Key = "dataflows"
	SemanticModels     Key = "semantic_models"
	PipelineRuns       Key = "pipeline_runs"
	DataflowRuns       Key = "dataflow_runs"
	ActivityRuns       Key = "activity_runs"
	DatasetRefreshes   Key = "dataset_refreshes"
	CapacityWorkloads  Key = "capacity_workloads"
	UserActivities     Key = "user_activities"
	LivySessions       Key = "livy_sessions"
	SparkResourceUsage Key = "spark_resource_usage"

	WorkspaceConfigAdmin    Key = "workspace_config_admin"
	WorkspaceConfig         Key = "workspace_config"
	SparkItems              Key = "spark_items"
	ItemLivySessions        Key = "item_livy_sessions"
	SparkSessions           Key = "spark_app_sessions"
	SparkSessionDetails     Key = "spark_app_session_details"
	ItemSparkSessions       Key = "item_spark_app_sessions"
	ItemSparkSessionDetails Key = "item_spark_app_session_details"
)

// ItemCollections maps the item types that run Spark onto the path segment their item level endpoints live under.
var ItemCollections = map[string]string{
	"Notebook":           "notebooks",
	"SparkJobDefinition": "sparkJobDefinitions",
	"Lakehouse":          "lakehouses",
}

// Ids fills the placeholders of an entry's path.
type Ids struct {
	WorkspaceId   string
	ItemId        string
	RunId         string
	CapacityId    string
	ApplicationId string
	SessionId     string
	// Path segment of the item's type, see ItemCollections.
	ItemCollection string
}

func (ids Ids) lookup(name string) string {
	switch name {
	case "workspaceId":
		return ids.WorkspaceId
	case "itemId":
		return ids.ItemId
	case "runId":
		return ids.RunId
	case "capacityId":
		return ids.CapacityId
	case "applicationId":
		return ids.ApplicationId
	case "sessionId":
		return ids.SessionId
	case "itemCollection":
		return ids.ItemCollection
	default:
		return ""
	}
}

// Entry describes one collection.
type Entry struct {
	// Path template relative to the API base URL; {name} placeholders are filled from Ids.
	Path string
	// Fixed query parameters.
	Params url.Values
	// Dotted path of the item timestamp used for window filtering.
	TimeField string
	// 404 means "nothing to collect" rather than a failure.
	Optional bool
	// Detail entries return a single object rather than a paginated list.
	Detail bool
	// Top level field holding the items of a page, when not "value".
	ItemsField string
}

var entries = map[Key]Entry{
	Pipelines: {
		Path:   "workspaces/{workspaceId}/items",
		Params: url.Values{"type": {"DataPipeline"}},
	},
	Dataflows: {
		Path:   "workspaces/{workspaceId}/items",
		Params: url.Values{"type": {"Dataflow"}},
	},
	SemanticModels: {
		Path:   "workspaces/{workspaceId}/items",
		Params: url.Values{"type": {"SemanticModel"}},
	},
	PipelineRuns: {
		Path:      "workspaces/{workspaceId}/items/{itemId}/jobs/instances",
		TimeField: "startTimeUtc",
	},
	DataflowRuns: {
		Path:      "workspaces/{workspaceId}/items/{itemId}/jobs/instances",
		TimeField: "startTimeUtc",
	},
	ActivityRuns: {
		Path:     "workspaces/{workspaceId}/items/{itemId}/jobs/instances/{runId}/activities",
		Optional: true,
	},
	DatasetRefreshes: {
		Path:      "workspaces/{workspaceId}/items/{itemId}/refreshes",
		TimeField: "startTime",
		Optional:  true,
	},
	CapacityWorkloads: {
		Path:      "capacities/{capacityId}/workloads",
		TimeField: "timestamp",
		Optional:  true,
	},
	UserActivities: {
		Path:      "admin/workspaces/{workspaceId}/activities",
		TimeField: "CreationTime",
	},
	LivySessions: {
		Path:      "workspaces/{workspaceId}/spark/livySessions",
		TimeField: "submittedDateTime",
	},
	SparkResourceUsage: {
		Path:     "workspaces/{workspaceId}/spark/applications/{applicationId}/resource-usage",
		Optional: true,
		Detail:   true,
	},
	WorkspaceConfigAdmin: {
		Path:   "admin/workspaces/{workspaceId}",
		Detail: true,
	},
	WorkspaceConfig: {
		Path:   "workspaces/{workspaceId}",
		Detail: true,
	},
	// Filtered down to ItemCollections by the caller; the type parameter only takes one value.
	SparkItems: {
		Path: "workspaces/{workspaceId}/items",
	},
	ItemLivySessions: {
		Path:       "workspaces/{workspaceId}/{itemCollection}/{itemId}/spark/livySessions",
		TimeField:  "createdAt",
		Optional:   true,
		ItemsField: "sessions",
	},
	SparkSessions: {
		Path:      "workspaces/{workspaceId}/spark/sessions",
		TimeField: "submissionTime",
	},
	SparkSessionDetails: {
		Path:     "workspaces/{workspaceId}/spark/sessions/{sessionId}",
		Optional: true,
		Detail:   true,
	},
	ItemSparkSessions: {
		Path:      "workspaces/{workspaceId}/{itemCollection}/{itemId}/spark/sessions",
		TimeField: "submissionTime",
		Optional:  true,
	},
	ItemSparkSessionDetails: {
		Path:     "workspaces/{workspaceId}/{itemCollection}/{itemId}/spark/sessions/{sessionId}",
		Optional: true,
		Detail:   true,
	},
}

var placeholder = regexp.MustCompile(`\{([A-Za-z]+)\}`)

// Lookup returns the entry for key.
func Lookup(key Key) (Entry, bool) {
	e, ok := entries[key]
	return e, ok
}

// Keys returns every catalogued key, sorted.
func Keys() []Key {
	keys := maps.Keys(entries)
	slices.Sort(keys)
	return keys
}

// Path fills the placeholders of key's path. Every placeholder must have a value.
func Path(key Key, ids Ids) (string, error) {
	entry, ok := entries[key]
	if !ok {
		return "", &collectorerrors.ErrInvalidArgument{Name: "catalog key", Value: string(key), Message: "unknown collection"}
	}
	var missing error
	path := placeholder.ReplaceAllStringFunc(entry.Path, func(m string) string {
		name := m[1 : len(m)-1]
		v := ids.lookup(name)
		if v == "" && missing == nil {
			missing = &collectorerrors.ErrInvalidArgument{
				Name:    name,
				Value:   v,
				Message: "required to build the " + string(key) + " path",
			}
		}
		return url.PathEscape(v)
	})
	if missing != nil {
		return "", missing
	}
	return path, nil
}

// Endpoint builds the fetch.Endpoint for a list collection along with its fixed query parameters.
func Endpoint(key Key, ids Ids) (fetch.Endpoint, url.Values, error) {
	path, err := Path(key, ids)
	if err != nil {
		return fetch.Endpoint{}, nil, err
	}
	entry := entries[key]
	if entry.Detail {
		return fetch.Endpoint{}, nil, &collectorerrors.ErrInvalidArgument{
			Name:    "catalog key",
			Value:   string(key),
			Message: "is a detail endpoint and cannot be paginated",
		}
	}
	params := url.Values{}
	for k, vs := range entry.Params {
		params[k] = append([]string(nil), vs...)
	}
	return fetch.Endpoint{
		Entity:     string(key),
		Path:       path,
		TimeField:  entry.TimeField,
		Optional:   entry.Optional,
		ItemsField: entry.ItemsField,
	}, params, nil
}
