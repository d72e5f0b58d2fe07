package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	BatchOutcome  string
	RequestTarget string
)

const (
	BatchOutcomeSent      BatchOutcome = "sent"
	BatchOutcomeFailed    BatchOutcome = "failed"
	BatchOutcomeCancelled BatchOutcome = "cancelled"

	RequestTargetUpstream RequestTarget = "upstream"
	RequestTargetSink     RequestTarget = "sink"
)

const CollectorMetricsPrefix = "fabricla_collector_"

type Metrics struct {
	batches       *prometheus.CounterVec
	records       *prometheus.CounterVec
	retries       *prometheus.CounterVec
	batchSplits   prometheus.Counter
	oversized     prometheus.Counter
	pages         *prometheus.CounterVec
	pageItems     *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
}

// NewMetrics registers the collector metrics with reg. Pass prometheus.DefaultRegisterer for the process wide
// registry, or a fresh registry in tests.
func NewMetrics(prefix string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "batches_total",
			Help: "Number of batches handed to the sink grouped by outcome",
		}, []string{"source", "outcome"}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "records_total",
			Help: "Number of records handed to the sink grouped by outcome",
		}, []string{"source", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "retries_total",
			Help: "Number of retried requests grouped by target and error kind",
		}, []string{"target", "error"}),
		batchSplits: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batch_splits_total",
			Help: "Number of batches split in half after the sink rejected them as too large",
		}),
		oversized: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "oversized_records_total",
			Help: "Number of single records larger than the payload limit",
		}),
		pages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "pages_total",
			Help: "Number of upstream pages fetched grouped by entity",
		}, []string{"entity"}),
		pageItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "page_items_total",
			Help: "Number of upstream items grouped by entity and whether they fell inside the time window",
		}, []string{"entity", "window"}),
		requestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "request_errors_total",
			Help: "Number of failed requests grouped by target and error kind",
		}, []string{"target", "error"}),
	}
}

func (m *Metrics) RecordBatch(source string, outcome BatchOutcome, records int) {
	m.batches.With(prometheus.Labels{"source": source, "outcome": string(outcome)}).Inc()
	m.records.With(prometheus.Labels{"source": source, "outcome": string(outcome)}).Add(float64(records))
}

func (m *Metrics) RecordRetry(target RequestTarget, kind string) {
	m.retries.With(prometheus.Labels{"target": string(target), "error": kind}).Inc()
}

func (m *Metrics) RecordRequestError(target RequestTarget, kind string) {
	m.requestErrors.With(prometheus.Labels{"target": string(target), "error": kind}).Inc()
}

func (m *Metrics) RecordBatchSplit() {
	m.batchSplits.Inc()
}

func (m *Metrics) RecordOversized() {
	m.oversized.Inc()
}

func (m *Metrics) RecordPage(entity string, kept int, dropped int) {
	m.pages.With(prometheus.Labels{"entity": entity}).Inc()
	m.pageItems.With(prometheus.Labels{"entity": entity, "window": "inside"}).Add(float64(kept))
	m.pageItems.With(prometheus.Labels{"entity": entity, "window": "outside"}).Add(float64(dropped))
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Get returns the process wide metrics, registering them on first use.
func Get() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(CollectorMetricsPrefix, prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
