package normalize

import (
	"github.com/fabricla/connector/internal/common/collectorerrors"
)

// EntityType names one upstream payload shape.
type EntityType string

const (
	PipelineRun      EntityType = "pipeline_run"
	DataflowRun      EntityType = "dataflow_run"
	ActivityRun      EntityType = "activity_run"
	DatasetRefresh   EntityType = "dataset_refresh"
	DatasetMetadata  EntityType = "dataset_metadata"
	CapacityMetric   EntityType = "capacity_metric"
	UserActivity     EntityType = "user_activity"
	LivySession      EntityType = "livy_session"
	SparkResource    EntityType = "spark_resource"
	WorkspaceConfig  EntityType = "workspace_config"
	SparkApplication EntityType = "spark_application"
)

func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if _, ok := entities[t]; !ok {
		return "", &collectorerrors.ErrInvalidArgument{
			Name:    "EntityType",
			Value:   s,
			Message: "unknown entity type",
		}
	}
	return t, nil
}

type valueType int

const (
	anyValue valueType = iota
	// Only JSON objects are accepted; anything else counts as absent.
	objectValue
	// Only JSON arrays are accepted; anything else counts as absent.
	listValue
)

// field is one output column. Paths are tried in order and the first present, non-null value wins, so the order
// encodes which upstream API version takes precedence.
type field struct {
	Name  string
	Paths []string
	Type  valueType
}

type contextField struct {
	Name  string
	Value func(Context) string
}

// entity describes how one payload shape becomes a Record.
type entity struct {
	Context []contextField
	Fields  []field
	// Candidate paths for the start and end of whatever the entity describes. End -> start -> now populates
	// TimeGenerated.
	Start []string
	End   []string
	// Explicit duration in milliseconds supplied by the upstream. Only consulted when ComputeDuration is set.
	Duration        []string
	ComputeDuration bool
}

func workspaceID(c Context) string   { return c.WorkspaceID }
func workspaceName(c Context) string { return c.WorkspaceName }
func itemID(c Context) string        { return c.ItemID }
func itemName(c Context) string      { return c.ItemName }
func itemType(c Context) string      { return c.ItemType }
func capacityID(c Context) string    { return c.CapacityID }
func runID(c Context) string         { return c.RunID }
func sessionID(c Context) string     { return c.SessionID }
func applicationID(c Context) string { return c.ApplicationID }
func resourceType(c Context) string  { return c.ResourceType }
func note(c Context) string          { return c.Note }

func constant(v string) func(Context) string {
	return func(Context) string { return v }
}

// Sessions listed under an item are reported apart from the workspace wide ones.
func sparkApplicationMetric(c Context) string {
	if c.ItemID != "" {
		return "SparkApplicationItem"
	}
	return "SparkApplication"
}

func paths(p ...string) []string {
	return p
}

var sparkUsageFields = []field{
	{Name: "ExecutorId", Paths: paths("executorId")},
	{Name: "CpuUsagePercent", Paths: paths("cpuUsagePercent")},
	{Name: "MemoryUsedMB", Paths: paths("memoryUsedMB")},
	{Name: "MemoryTotalMB", Paths: paths("memoryTotalMB")},
	{Name: "MemoryUsagePercent", Paths: paths("memoryUsagePercent")},
	{Name: "DiskUsedMB", Paths: paths("diskUsedMB")},
	{Name: "DiskTotalMB", Paths: paths("diskTotalMB")},
	{Name: "NetworkReadMB", Paths: paths("networkReadMB")},
	{Name: "NetworkWriteMB", Paths: paths("networkWriteMB")},
	{Name: "GcTimeMs", Paths: paths("gcTimeMs")},
	{Name: "TasksActive", Paths: paths("tasksActive")},
	{Name: "TasksCompleted", Paths: paths("tasksCompleted")},
	{Name: "TasksFailed", Paths: paths("tasksFailed")},
	{Name: "ShuffleReadMB", Paths: paths("shuffleReadMB")},
	{Name: "ShuffleWriteMB", Paths: paths("shuffleWriteMB")},
	{Name: "Timestamp", Paths: paths("timestamp")},
}

func jobInstance(idField string, nameField string) entity {
	return entity{
		Context: []contextField{
			{"WorkspaceId", workspaceID},
			{idField, itemID},
			{nameField, itemName},
		},
		Fields: []field{
			{Name: "RunId", Paths: paths("id")},
			{Name: "Status", Paths: paths("status")},
			{Name: "StartTime", Paths: paths("startTimeUtc")},
			{Name: "EndTime", Paths: paths("endTimeUtc")},
			{Name: "InvokeType", Paths: paths("invokeType")},
			{Name: "JobType", Paths: paths("jobType")},
			{Name: "RootActivityRunId", Paths: paths("rootActivityRunId")},
			{Name: "ErrorCode", Paths: paths("failureReason.errorCode")},
			{Name: "ErrorMessage", Paths: paths("failureReason.message")},
		},
		Start:           paths("startTimeUtc"),
		End:             paths("endTimeUtc"),
		ComputeDuration: true,
	}
}

var entities = map[EntityType]entity{
	PipelineRun: jobInstance("PipelineId", "PipelineName"),
	DataflowRun: jobInstance("DataflowId", "DataflowName"),
	ActivityRun: {
		Context: []contextField{
			{"WorkspaceId", workspaceID},
			{"PipelineId", itemID},
			{"PipelineName", itemName},
			{"RunId", runID},
		},
		Fields: []field{
			{Name: "ActivityName", Paths: paths("activityName", "ActivityName")},
			{Name: "ActivityType", Paths: paths("activityType", "ActivityType")},
			{Name: "ActivityRunId", Paths: paths("activityRunId", "ActivityRunId")},
			{Name: "Status", Paths: paths("status", "Status")},
			{Name: "StartTimeUtc", Paths: paths("startTimeUtc", "activityRunStart", "ActivityRunStart")},
			{Name: "EndTimeUtc", Paths: paths("endTimeUtc", "activityRunEnd", "ActivityRunEnd")},
			{Name: "DataRead", Paths: paths("output.dataRead", "output.rowsRead", "output.recordsRead", "output.bytesRead")},
			{Name: "DataWritten", Paths: paths("output.dataWritten", "output.rowsWritten", "output.recordsWritten", "output.bytesWritten")},
			{Name: "RecordsProcessed", Paths: paths("output.recordsProcessed", "output.rowsProcessed", "output.itemsProcessed")},
			{Name: "ExecutionStatistics", Paths: paths("output"), Type: objectValue},
			{Name: "ErrorCode", Paths: paths("error.code", "error.errorCode")},
			{Name: "ErrorMessage", Paths: paths("error.message")},
		},
		Start:           paths("startTimeUtc", "activityRunStart", "ActivityRunStart"),
		End:             paths("endTimeUtc", "activityRunEnd", "ActivityRunEnd"),
		Duration:        paths("durationInMs", "DurationInMs"),
		ComputeDuration: true,
	},
	DatasetRefresh: {
		Context: []contextField{
			{"WorkspaceId", workspaceID},
			{"DatasetId", itemID},
			{"DatasetName", itemName},
		},
		Fields: []field{
			{Name: "RefreshId", Paths: paths("id", "requestId")},
			{Name: "RefreshType", Paths: paths("refreshType")},
			{Name: "Status", Paths: paths("status")},
			{Name: "StartTime", Paths: paths("startTime")},
			{Name: "EndTime", Paths: paths("endTime")},
			{Name: "ServicePrincipalId", Paths: paths("servicePrincipalId")},
			{Name: "ErrorCode", Paths: paths("errorCode", "serviceExceptionJson.errorCode")},
			{Name: "ErrorMessage", Paths: paths("errorMessage", "serviceExceptionJson.errorDescription")},
			{Name: "RequestId", Paths: paths("requestId")},
		},
		Start:           paths("startTime"),
		End:             paths("endTime"),
		ComputeDuration: true,
	},
	DatasetMetadata: {
		Context: []contextField{
			{"WorkspaceId", workspaceID},
		},
		Fields: []field{
			{Name: "DatasetId", Paths: paths("id")},
			{Name: "DatasetName", Paths: paths("displayName", "name")},
			{Name: "Description", Paths: paths("description")},
			{Name: "Type", Paths: paths("type")},
			{Name: "CreatedDate", Paths: paths("createdDate")},
			{Name: "ModifiedDate", Paths: paths("modifiedDate")},
			{Name: "CreatedBy", Paths: paths("createdBy")},
			{Name: "ModifiedBy", Paths: paths("modifiedBy")},
		},
	},
	CapacityMetric: {
		Context: []contextField{
			{"CapacityId", capacityID},
		},
		Fields: []field{
			{Name: "WorkloadType", Paths: paths("workloadType", "name")},
			{Name: "State", Paths: paths("state")},
			{Name: "CpuPercentage", Paths: paths("cpuPercentage")},
			{Name: "MemoryPercentage", Paths: paths("memoryPercentage", "maxMemoryPercentageSetByUser")},
			{Name: "ActiveRequests", Paths: paths("activeRequests")},
			{Name: "QueuedRequests", Paths: paths("queuedRequests")},
			{Name: "Timestamp", Paths: paths("timestamp")},
		},
		End: paths("timestamp"),
	},
	UserActivity: {
		Context: []contextField{
			{"WorkspaceId", workspaceID},
		},
		Fields: []field{
			{Name: "ActivityId", Paths: paths("Id", "id")},
			{Name: "UserId", Paths: paths("UserId", "userId")},
			{Name: "UserEmail", Paths: paths("UserKey", "userKey")},
			{Name: "ActivityType", Paths: paths("Activity", "activity")},
			{Name: "CreationTime", Paths: paths("CreationTime", "creationTime")},
			{Name: "ItemName", Paths: paths("ItemName", "itemName")},
			{Name: "WorkspaceName", Paths: paths("WorkspaceName", "workspaceName")},
			{Name: "ItemType", Paths: paths("ItemType", "itemType")},
			{Name: "ObjectId", Paths: paths("ObjectId", "objectId")},
		},
		End: paths("CreationTime", "creationTime"),
	},
	LivySession: {
		Context: []contextField{
			{"WorkspaceId", workspaceID},
			{"WorkspaceName", workspaceName},
			{"ItemType", itemType},
			{"ItemId", itemID},
			{"ItemName", itemName},
		},
		Fields: []field{
			{Name: "SessionId", Paths: paths("id", "livyId")},
			{Name: "ApplicationId", Paths: paths("appId", "applicationId", "sparkApplicationId")},
			{Name: "Owner", Paths: paths("owner", "submitter.id")},
			{Name: "ProxyUser", Paths: paths("proxyUser")},
			{Name: "Kind", Paths: paths("kind")},
			{Name: "State", Paths: paths("state")},
			{Name: "DriverLogUrl", Paths: paths("driverLogUrl")},
			{Name: "SparkUiUrl", Paths: paths("sparkUiUrl", "appInfo.sparkUiUrl")},
			{Name: "SessionLogs", Paths: paths("log", "logs"), Type: listValue},
			{Name: "CreatedTime", Paths: paths("createdAt", "createdTime")},
			{Name: "LastUpdatedTime", Paths: paths("lastUpdatedAt", "lastUpdatedTime", "createdAt", "createdTime")},
		},
		Start: paths("createdAt", "createdTime"),
		End:   paths("lastUpdatedAt", "lastUpdatedTime"),
	},
	SparkResource: {
		Context: []contextField{
			{"WorkspaceId", workspaceID},
			{"SessionId", sessionID},
			{"ApplicationId", applicationID},
			{"ItemType", itemType},
			{"ItemId", itemID},
			{"ItemName", itemName},
			{"ResourceType", resourceType},
		},
		Fields: sparkUsageFields,
		End:    paths("timestamp"),
	},
	WorkspaceConfig: {
		Context: []contextField{
			{"WorkspaceId", workspaceID},
			{"MetricType", constant("WorkspaceConfig")},
			{"Note", note},
		},
		Fields: []field{
			{Name: "WorkspaceName", Paths: paths("displayName")},
			{Name: "WorkspaceType", Paths: paths("type")},
			{Name: "State", Paths: paths("state")},
			{Name: "CapacityId", Paths: paths("capacityId")},
			{Name: "OneLakeAccessEnabled", Paths: paths("oneLakeAccessEnabled")},
			{Name: "OneLakeAccessPointEnabled", Paths: paths("settings.oneLakeAccessPointEnabled")},
			{Name: "PublicInternetAccess", Paths: paths("settings.publicInternetAccess")},
			{Name: "ReadOnlyState", Paths: paths("settings.readOnlyState")},
			{Name: "ManagedVirtualNetwork", Paths: paths("settings.managedVirtualNetwork")},
			{Name: "GitEnabled", Paths: paths("settings.gitEnabled")},
			{Name: "GitConnectionId", Paths: paths("gitConnection.gitConnectionId")},
			{Name: "GitRepositoryUrl", Paths: paths("gitConnection.repositoryUrl")},
			{Name: "DataClassification", Paths: paths("dataClassification")},
			{Name: "SensitivityLabel", Paths: paths("sensitivityLabel.labelId")},
			{Name: "IsCompliant", Paths: paths("complianceFlags.isCompliant")},
			{Name: "IsOnDedicatedCapacity", Paths: paths("isOnDedicatedCapacity")},
			{Name: "CreatedDate", Paths: paths("createdDate")},
			{Name: "ModifiedDate", Paths: paths("modifiedDate")},
			{Name: "Description", Paths: paths("description")},
		},
	},
	SparkApplication: {
		Context: []contextField{
			{"WorkspaceId", workspaceID},
			{"ItemId", itemID},
			{"ItemType", itemType},
			{"MetricType", sparkApplicationMetric},
		},
		Fields: []field{
			{Name: "SessionId", Paths: paths("id")},
			{Name: "ApplicationId", Paths: paths("appId")},
			{Name: "ApplicationName", Paths: paths("name")},
			{Name: "State", Paths: paths("state")},
			{Name: "SubmissionTime", Paths: paths("submissionTime")},
			{Name: "Kind", Paths: paths("kind")},
			{Name: "SparkVersion", Paths: paths("sparkVersion")},
			{Name: "DriverCores", Paths: paths("details.driverCores")},
			{Name: "DriverMemory", Paths: paths("details.driverMemory")},
			{Name: "ExecutorCores", Paths: paths("details.executorCores")},
			{Name: "ExecutorMemory", Paths: paths("details.executorMemory")},
			{Name: "ExecutorCount", Paths: paths("details.numExecutors")},
			{Name: "Duration", Paths: paths("details.duration")},
			{Name: "Tags", Paths: paths("tags"), Type: objectValue},
		},
		Start: paths("submissionTime"),
	},
}
