package configuration

import (
	"time"

	"github.com/fabricla/connector/internal/collector/strategy"
)

const (
	// DefaultMaxPayloadBytes leaves headroom below the sink's hard limit for request framing.
	DefaultMaxPayloadBytes = 950_000
	// HardMaxPayloadBytes is the largest request body the sink accepts.
	HardMaxPayloadBytes = 1_000_000
)

type CollectorConfiguration struct {
	// How far back each collection cycle looks.
	LookbackHours int `validate:"gte=0"`
	// Maximum number of records per upload.
	ChunkSize int `validate:"gt=0"`
	// Retries after the first attempt of every upstream or sink request.
	MaxRetries int `validate:"gte=0"`
	// Maximum serialized size of one upload.
	MaxPayloadBytes int `validate:"gt=2,lte=1000000"`
	// Maximum number of times a batch rejected as too large is halved.
	MaxSplitDepth int                   `validate:"gte=0"`
	Strategy      strategy.StrategyMode `validate:"required"`
	WorkspaceId   string                `validate:"required"`
	WorkspaceName string
	// Capacity utilization is only collected when set.
	CapacityId string
	// Restricts the sources collected. All known sources when empty.
	Sources              []string
	MaxConcurrentSources int `validate:"gte=1"`
	// Also collect activity runs for every pipeline run.
	CollectActivityRuns bool
	// Also collect resource usage for active Spark applications.
	CollectSparkResourceUsage bool
	MetricsPort               uint16
	LogLevel                  string
	Fabric                    FabricConfig
	Auth                      AuthConfig
	Sink                      SinkConfig
	Retry                     RetryConfig
	MonitoringDetection       MonitoringDetectionConfig
}

func (c CollectorConfiguration) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

type FabricConfig struct {
	BaseUrl string `validate:"required,url"`
	Scope   string `validate:"required"`
	// Client side request pacing. Zero disables it.
	RequestsPerSecond float64 `validate:"gte=0"`
	Burst             int     `validate:"gte=0"`
	Timeout           time.Duration
}

type AuthConfig struct {
	TenantId     string
	ClientId     string `validate:"required_without=StaticToken"`
	ClientSecret string `validate:"required_without=StaticToken"`
	// Overrides the token endpoint derived from TenantId.
	TokenUrl string
	// OIDC issuer used to discover the token endpoint when TokenUrl is not set.
	ProviderUrl string
	// Used instead of client credentials when set, mainly for local testing.
	StaticToken string
}

type SinkConfig struct {
	Endpoint   string `validate:"required,url"`
	RuleId     string `validate:"required"`
	StreamName string `validate:"required"`
	// Per source stream overrides, keyed by source name.
	Streams  map[string]string
	Scope    string
	Compress bool
	Timeout  time.Duration
}

// StreamFor returns the stream a source's records are sent to.
func (c SinkConfig) StreamFor(source string) string {
	if s, ok := c.Streams[source]; ok && s != "" {
		return s
	}
	return c.StreamName
}

type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Linear    bool
}

type MonitoringDetectionConfig struct {
	Enabled bool
	// Used when detection is disabled.
	Status        strategy.MonitoringStatus
	CacheTtl      time.Duration
	ProbeAttempts uint
	ProbeDelay    time.Duration
}
