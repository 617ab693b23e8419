// Package prometheus is the Prometheus-backed implementation of
// pkg/metrics's TableMetrics and CoordinatorMetrics interfaces, registered
// at init time via the reference codebase's import-cycle-avoidance
// indirection (see pkg/metrics/prometheus/cache.go there): this package
// imports pkg/metrics and registers constructor functions instead of
// pkg/metrics importing this package directly.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/imagetable/pkg/metrics"
)

func init() {
	metrics.RegisterTableMetricsConstructor(newTableMetrics)
	metrics.RegisterCoordinatorMetricsConstructor(newCoordinatorMetrics)
}

type tableMetrics struct {
	getOperations *prometheus.CounterVec
	getDuration   *prometheus.HistogramVec
	putOperations *prometheus.CounterVec
	putDuration   *prometheus.HistogramVec
	evictions     *prometheus.CounterVec
	occupancy     *prometheus.GaugeVec
	mappedChunks  *prometheus.GaugeVec
}

func newTableMetrics() metrics.TableMetrics {
	return &tableMetrics{
		getOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imagetable_get_operations_total",
			Help: "Total Table.Get calls by format and outcome",
		}, []string{"format", "outcome"}), // outcome: "hit", "miss"
		getDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagetable_get_duration_milliseconds",
			Help:    "Duration of Table.Get calls",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 50},
		}, []string{"format"}),
		putOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imagetable_put_operations_total",
			Help: "Total Table.Put calls by format",
		}, []string{"format"}),
		putDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagetable_put_duration_milliseconds",
			Help:    "Duration of Table.Put calls, including the drawing callback",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
		}, []string{"format"}),
		evictions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imagetable_evictions_total",
			Help: "Total slot evictions by format",
		}, []string{"format"}),
		occupancy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imagetable_occupied_slots",
			Help: "Current occupied slot count by format",
		}, []string{"format"}),
		mappedChunks: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imagetable_mapped_chunks",
			Help: "Current mapped chunk count by format",
		}, []string{"format"}),
	}
}

func (m *tableMetrics) ObserveGet(format string, hit bool, duration time.Duration) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.getOperations.WithLabelValues(format, outcome).Inc()
	m.getDuration.WithLabelValues(format).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *tableMetrics) ObservePut(format string, duration time.Duration) {
	m.putOperations.WithLabelValues(format).Inc()
	m.putDuration.WithLabelValues(format).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *tableMetrics) RecordEviction(format string) {
	m.evictions.WithLabelValues(format).Inc()
}

func (m *tableMetrics) RecordOccupancy(format string, occupied, maxEntries int) {
	m.occupancy.WithLabelValues(format).Set(float64(occupied))
}

func (m *tableMetrics) RecordMappedChunks(format string, count int) {
	m.mappedChunks.WithLabelValues(format).Set(float64(count))
}
