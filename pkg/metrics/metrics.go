// Package metrics exposes the observability surface for image tables and
// the cache coordinator without forcing a hard dependency on Prometheus
// from the hot path packages. pkg/metrics/prometheus registers the real
// implementation at init time; callers that never import that package get
// a nil TableMetrics/CoordinatorMetrics and every call becomes a no-op.
//
// This indirection mirrors the reference codebase's pkg/metrics package,
// which avoids an import cycle between the metrics-interface package and
// its prometheus implementation the same way.
package metrics

import (
	"sync/atomic"
	"time"
)

var enabled atomic.Bool

// SetEnabled toggles whether New/NewCoordinatorMetrics return a real
// implementation. The toggle starts false and nothing in this module sets
// it, so metrics stay disabled until a caller enables them.
func SetEnabled(v bool) { enabled.Store(v) }

// IsEnabled reports the current toggle state.
func IsEnabled() bool { return enabled.Load() }

// TableMetrics is the observability surface for one or more image tables.
// A single instance is shared across tables; the format name is passed
// per-call so the underlying vectors carry it as a label.
type TableMetrics interface {
	ObserveGet(format string, hit bool, duration time.Duration)
	ObservePut(format string, duration time.Duration)
	RecordEviction(format string)
	RecordOccupancy(format string, occupied, maxEntries int)
	RecordMappedChunks(format string, count int)
}

// CoordinatorMetrics is the observability surface for the cache
// coordinator's request-coalescing behavior.
type CoordinatorMetrics interface {
	RecordRetrieve(format string, hit bool)
	RecordCoalesced(format string)
	RecordSourceFetch(format string, duration time.Duration)
	RecordFamilyFanout(family string, formatsDrawn int)
	RecordCancellation(format string)
}

var (
	newTableMetrics       func() TableMetrics
	newCoordinatorMetrics func() CoordinatorMetrics
)

// RegisterTableMetricsConstructor is called by pkg/metrics/prometheus's
// init() to install the real implementation.
func RegisterTableMetricsConstructor(fn func() TableMetrics) {
	newTableMetrics = fn
}

// RegisterCoordinatorMetricsConstructor mirrors RegisterTableMetricsConstructor
// for the coordinator's metrics surface.
func RegisterCoordinatorMetricsConstructor(fn func() CoordinatorMetrics) {
	newCoordinatorMetrics = fn
}

// New returns a TableMetrics implementation, or nil if metrics are
// disabled or no implementation has been registered. Callers must treat a
// nil TableMetrics as a valid, fully inert no-op.
func New() TableMetrics {
	if !IsEnabled() || newTableMetrics == nil {
		return nil
	}
	return newTableMetrics()
}

// NewCoordinatorMetrics is the CoordinatorMetrics analogue of New.
func NewCoordinatorMetrics() CoordinatorMetrics {
	if !IsEnabled() || newCoordinatorMetrics == nil {
		return nil
	}
	return newCoordinatorMetrics()
}
