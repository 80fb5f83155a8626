package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ingestion outcome labels.
const (
	StageNormalize = "normalize"
	StageImage     = "image"
	StagePersist   = "persist"

	ImageStored    = "stored"
	ImageDiscarded = "discarded"
)

// IngestMetrics counts ingestion outcomes per kind and transport.
type IngestMetrics struct {
	Accepted *prometheus.CounterVec   // records persisted
	Rejected *prometheus.CounterVec   // submissions that yielded no record
	Failures *prometheus.CounterVec   // infrastructure failures by stage
	Images   *prometheus.CounterVec   // materialized or discarded images
	Duration *prometheus.HistogramVec // submission latency
}

// NewIngestMetrics creates and registers the ingestion metrics.
func NewIngestMetrics(registry prometheus.Registerer) (*IngestMetrics, error) {
	m := &IngestMetrics{
		Accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_accepted_total",
			Help: "Total number of detection records persisted by kind and transport",
		}, []string{"kind", "transport"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_submissions_rejected_total",
			Help: "Total number of submissions without a usable detection by kind and transport",
		}, []string{"kind", "transport"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_failures_total",
			Help: "Total number of ingestion failures by kind, transport and stage",
		}, []string{"kind", "transport", "stage"}),
		Images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_images_total",
			Help: "Total number of submitted images by kind and result",
		}, []string{"kind", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_duration_seconds",
			Help:    "Time from receiving a submission to publishing it",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind", "transport"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ingest metrics: %w", err)
	}
	return m, nil
}

// RecordAccepted counts n persisted records.
func (m *IngestMetrics) RecordAccepted(kind, transport string, n int) {
	m.Accepted.WithLabelValues(kind, transport).Add(float64(n))
}

// RecordRejected counts a submission without a usable detection.
func (m *IngestMetrics) RecordRejected(kind, transport string) {
	m.Rejected.WithLabelValues(kind, transport).Inc()
}

// RecordFailure counts an infrastructure failure at stage.
func (m *IngestMetrics) RecordFailure(kind, transport, stage string) {
	m.Failures.WithLabelValues(kind, transport, stage).Inc()
}

// RecordImage counts an image outcome.
func (m *IngestMetrics) RecordImage(kind, result string) {
	m.Images.WithLabelValues(kind, result).Inc()
}

// ObserveDuration records the latency of one submission.
func (m *IngestMetrics) ObserveDuration(kind, transport string, d time.Duration) {
	m.Duration.WithLabelValues(kind, transport).Observe(d.Seconds())
}

// Describe implements the prometheus.Collector interface.
func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Accepted.Describe(ch)
	m.Rejected.Describe(ch)
	m.Failures.Describe(ch)
	m.Images.Describe(ch)
	m.Duration.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Accepted.Collect(ch)
	m.Rejected.Collect(ch)
	m.Failures.Collect(ch)
	m.Images.Collect(ch)
	m.Duration.Collect(ch)
}
