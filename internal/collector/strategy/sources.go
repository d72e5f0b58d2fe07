package strategy

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	SourcePipelineExecution   = "pipeline_execution"
	SourceDataflowExecution   = "dataflow_execution"
	SourceCapacityUtilization = "capacity_utilization"
	SourceSparkSessions       = "spark_sessions"
	SourceUserActivity        = "user_activity"
	SourceDatasetRefresh      = "dataset_refresh"
	SourceDatasetMetadata     = "dataset_metadata"
	SourceWorkspaceConfig     = "workspace_config"
	SourceSparkItemSessions   = "spark_item_sessions"
	SourceSparkApplications   = "spark_applications"
)

// AlternativeMonitoringEventhouse points callers at the workspace monitoring store for data we deliberately skip.
const AlternativeMonitoringEventhouse = "query_workspace_monitoring_eventhouse"

type sourceInfo struct {
	Conflict ConflictLevel
	// Reason code used by the auto strategy when monitoring is enabled.
	EnabledReason string
}

var sources = map[string]sourceInfo{
	SourceUserActivity:        {ConflictHigh, "covered_by_workspace_monitoring"},
	SourceDatasetRefresh:      {ConflictHigh, "covered_by_semantic_model_operations"},
	SourceDatasetMetadata:     {ConflictHigh, "covered_by_semantic_model_operations"},
	SourcePipelineExecution:   {ConflictNone, "unique_value_not_covered_by_workspace_monitoring"},
	SourceDataflowExecution:   {ConflictNone, "unique_value_not_covered_by_workspace_monitoring"},
	SourceCapacityUtilization: {ConflictNone, "critical_infrastructure_not_covered"},
	SourceSparkSessions:       {ConflictNone, "complementary_to_workspace_monitoring"},
	SourceSparkItemSessions:   {ConflictNone, "complementary_to_workspace_monitoring"},
	SourceSparkApplications:   {ConflictNone, "complementary_to_workspace_monitoring"},
	SourceWorkspaceConfig:     {ConflictNone, "configuration_snapshot_not_covered"},
}

// minimalSources always carry unique value and are the only ones collected by the minimal strategy, or by auto
// when the monitoring status cannot be determined.
var minimalSources = []string{
	SourcePipelineExecution,
	SourceDataflowExecution,
	SourceCapacityUtilization,
}

// ConflictLevelOf returns the static conflict level of a source. Unknown sources are ConflictUnknown.
func ConflictLevelOf(source string) ConflictLevel {
	if info, ok := sources[source]; ok {
		return info.Conflict
	}
	return ConflictUnknown
}

// IsMinimalSource reports whether source is on the always-collect allow-list.
func IsMinimalSource(source string) bool {
	return slices.Contains(minimalSources, source)
}

// KnownSources returns every catalogued source, sorted.
func KnownSources() []string {
	names := maps.Keys(sources)
	slices.Sort(names)
	return names
}
