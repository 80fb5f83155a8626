package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// BroadcastMetrics tracks live fan-out. It satisfies broadcast.Metrics.
type BroadcastMetrics struct {
	Published   *prometheus.CounterVec
	Delivered   *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Subscribers prometheus.Gauge
}

// NewBroadcastMetrics creates and registers the fan-out metrics.
func NewBroadcastMetrics(registry prometheus.Registerer) (*BroadcastMetrics, error) {
	m := &BroadcastMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_events_published_total",
			Help: "Total number of live events published",
		}, []string{"event"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_events_delivered_total",
			Help: "Total number of live events queued to subscribers",
		}, []string{"event"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_events_dropped_total",
			Help: "Total number of live events dropped because a subscriber queue was full",
		}, []string{"event"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_subscribers",
			Help: "Current number of live subscribers",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register broadcast metrics: %w", err)
	}
	return m, nil
}

// RecordPublished counts one published event and its deliveries.
func (m *BroadcastMetrics) RecordPublished(event string, delivered int) {
	m.Published.WithLabelValues(event).Inc()
	m.Delivered.WithLabelValues(event).Add(float64(delivered))
}

// RecordDropped counts one dropped delivery.
func (m *BroadcastMetrics) RecordDropped(event string) {
	m.Dropped.WithLabelValues(event).Inc()
}

// SetSubscribers sets the current subscriber count.
func (m *BroadcastMetrics) SetSubscribers(n int) {
	m.Subscribers.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *BroadcastMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Published.Describe(ch)
	m.Delivered.Describe(ch)
	m.Dropped.Describe(ch)
	m.Subscribers.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *BroadcastMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Published.Collect(ch)
	m.Delivered.Collect(ch)
	m.Dropped.Collect(ch)
	m.Subscribers.Collect(ch)
}
