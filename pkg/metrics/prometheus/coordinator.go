package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/imagetable/pkg/metrics"
)

type coordinatorMetrics struct {
	retrieves      *prometheus.CounterVec
	coalesced      *prometheus.CounterVec
	sourceFetch    *prometheus.HistogramVec
	familyFanout   *prometheus.HistogramVec
	cancellations  *prometheus.CounterVec
}

func newCoordinatorMetrics() metrics.CoordinatorMetrics {
	return &coordinatorMetrics{
		retrieves: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imagetable_coordinator_retrieves_total",
			Help: "Total Coordinator.Retrieve calls by format and outcome",
		}, []string{"format", "outcome"}), // outcome: "hit", "miss"
		coalesced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imagetable_coordinator_coalesced_total",
			Help: "Total retrieves that joined an already in-flight request",
		}, []string{"format"}),
		sourceFetch: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagetable_coordinator_source_fetch_duration_milliseconds",
			Help:    "Latency from want_source to the delegate's callback firing",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000},
		}, []string{"format"}),
		familyFanout: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagetable_coordinator_family_fanout_formats",
			Help:    "Number of formats drawn per source delivery",
			Buckets: []float64{1, 2, 3, 4, 8, 16},
		}, []string{"family"}),
		cancellations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imagetable_coordinator_cancellations_total",
			Help: "Total Coordinator.Cancel calls by format",
		}, []string{"format"}),
	}
}

func (m *coordinatorMetrics) RecordRetrieve(format string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.retrieves.WithLabelValues(format, outcome).Inc()
}

func (m *coordinatorMetrics) RecordCoalesced(format string) {
	m.coalesced.WithLabelValues(format).Inc()
}

func (m *coordinatorMetrics) RecordSourceFetch(format string, duration time.Duration) {
	m.sourceFetch.WithLabelValues(format).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *coordinatorMetrics) RecordFamilyFanout(family string, formatsDrawn int) {
	m.familyFanout.WithLabelValues(family).Observe(float64(formatsDrawn))
}

func (m *coordinatorMetrics) RecordCancellation(format string) {
	m.cancellations.WithLabelValues(format).Inc()
}
