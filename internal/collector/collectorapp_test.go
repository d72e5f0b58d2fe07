package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricla/connector/internal/collector/configuration"
	"github.com/fabricla/connector/internal/collector/strategy"
	"github.com/fabricla/connector/internal/common/compress"
	"github.com/fabricla/connector/internal/common/ingest"
	"github.com/fabricla/connector/internal/common/logctx"
)

type fakeSink struct {
	mu      sync.Mutex
	streams map[string][]map[string]any
}

func (s *fakeSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	decompressor, err := compress.ForEncoding(r.Header.Get("Content-Encoding"))
	if err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	payload, err := decompressor.Decompress(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var records []map[string]any
	if err := json.Unmarshal(payload, &records); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams == nil {
		s.streams = map[string][]map[string]any{}
	}
	s.streams[r.URL.Path] = append(s.streams[r.URL.Path], records...)
	w.WriteHeader(http.StatusNoContent)
}

func fakeFabricApi(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/workspaces/ws-1/items", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer static-token", r.Header.Get("Authorization"))
		switch r.URL.Query().Get("type") {
		case "DataPipeline":
			fmt.Fprint(w, `{"value": [{"id": "pl-1", "displayName": "Nightly load"}]}`)
		default:
			fmt.Fprint(w, `{"value": []}`)
		}
	})
	mux.HandleFunc("/v1/workspaces/ws-1/items/pl-1/jobs/instances", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		fmt.Fprintf(w, `{"value": [
			{"id": "run-1", "status": "Completed", "startTimeUtc": %q, "endTimeUtc": %q},
			{"id": "run-2", "status": "Failed", "startTimeUtc": %q}
		]}`,
			now.Add(-2*time.Hour).Format(time.RFC3339),
			now.Add(-time.Hour).Format(time.RFC3339),
			now.Add(-30*time.Minute).Format(time.RFC3339),
		)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestRunFromConfig(t *testing.T) {
	fabric := fakeFabricApi(t)
	sinkHandler := &fakeSink{}
	sinkServer := httptest.NewServer(sinkHandler)
	defer sinkServer.Close()

	config := configuration.CollectorConfiguration{
		LookbackHours:        24,
		ChunkSize:            1,
		MaxRetries:           0,
		MaxPayloadBytes:      configuration.DefaultMaxPayloadBytes,
		MaxSplitDepth:        3,
		Strategy:             strategy.ModeMinimal,
		WorkspaceId:          "ws-1",
		MaxConcurrentSources: 2,
		Fabric:               configuration.FabricConfig{BaseUrl: fabric.URL + "/v1", Scope: "fabric"},
		Auth:                 configuration.AuthConfig{StaticToken: "static-token"},
		Sink: configuration.SinkConfig{
			Endpoint:   sinkServer.URL,
			RuleId:     "dcr-1",
			StreamName: "Custom-Default_CL",
			Streams:    map[string]string{strategy.SourcePipelineExecution: "Custom-FabricPipelineRuns_CL"},
			Compress:   true,
		},
	}

	var report *Report
	err := Run(logctx.Background(), config, 0, func(r *Report) { report = r })
	require.NoError(t, err)
	require.NotNil(t, report)

	pipeline, ok := report.Source(strategy.SourcePipelineExecution)
	require.True(t, ok)
	require.NotNil(t, pipeline.Result)
	assert.Equal(t, ingest.StatusCompleted, pipeline.Result.Status)
	assert.Equal(t, 2, pipeline.Result.SentCount)

	dataflow, _ := report.Source(strategy.SourceDataflowExecution)
	assert.Equal(t, ingest.StatusSkipped, dataflow.Result.Status)

	records := sinkHandler.streams["/dataCollectionRules/dcr-1/streams/Custom-FabricPipelineRuns_CL"]
	require.Len(t, records, 2)
	assert.Equal(t, "run-1", records[0]["RunId"])
	assert.Equal(t, "Nightly load", records[0]["PipelineName"])
	assert.Equal(t, "run-2", records[1]["RunId"])
}

func TestDecisions(t *testing.T) {
	config := configuration.CollectorConfiguration{
		Strategy:             strategy.ModeComplement,
		WorkspaceId:          "ws-1",
		MaxConcurrentSources: 1,
		Fabric:               configuration.FabricConfig{BaseUrl: "https://api.example.com/v1", Scope: "fabric"},
		Auth:                 configuration.AuthConfig{StaticToken: "static-token"},
		MonitoringDetection:  configuration.MonitoringDetectionConfig{Status: strategy.MonitoringEnabled},
	}

	decisions, detection, err := Decisions(logctx.Background(), config)
	require.NoError(t, err)
	assert.Nil(t, detection)
	require.Len(t, decisions, len(strategy.KnownSources()))
	for _, d := range decisions {
		assert.Equal(t, strategy.ConflictLevelOf(d.Source) != strategy.ConflictHigh, d.Collect, d.Source)
	}
}
