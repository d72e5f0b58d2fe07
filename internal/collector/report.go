package collector

import (
	"time"

	"github.com/fabricla/connector/internal/collector/fetch"
	"github.com/fabricla/connector/internal/collector/strategy"
	"github.com/fabricla/connector/internal/common/ingest"
)

type SourceReport struct {
	Decision strategy.Decision       `json:"decision"`
	Result   *ingest.IngestionResult `json:"result,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

type Summary struct {
	// Sources the strategy chose to collect.
	Collected int `json:"collected"`
	// Sources the strategy skipped.
	Skipped int `json:"skipped"`
	// Collected sources that ended in an error.
	Failed      int `json:"failed"`
	SentCount   int `json:"sentCount"`
	FailedCount int `json:"failedCount"`
}

// Report describes one collection cycle.
type Report struct {
	RunId      string              `json:"runId"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
	Window     fetch.TimeWindow    `json:"window"`
	Detection  *strategy.Detection `json:"detection,omitempty"`
	Sources    []SourceReport      `json:"sources"`
	Summary    Summary             `json:"summary"`
}

func (r *Report) summarize() {
	s := Summary{}
	for _, src := range r.Sources {
		if !src.Decision.Collect {
			s.Skipped++
			continue
		}
		s.Collected++
		if src.Error != "" {
			s.Failed++
		}
		if src.Result != nil {
			s.SentCount += src.Result.SentCount
			s.FailedCount += src.Result.FailedCount
		}
	}
	r.Summary = s
}

// Source returns the report of the named source.
func (r *Report) Source(name string) (SourceReport, bool) {
	for _, s := range r.Sources {
		if s.Decision.Source == name {
			return s, true
		}
	}
	return SourceReport{}, false
}
