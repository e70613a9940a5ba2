package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/aqmap/model"
)

// RecomputeCollector exposes render scheduler metrics. It satisfies
// render.Metrics.
type RecomputeCollector struct {
	gatherer prometheus.Gatherer

	Recomputes      *prometheus.CounterVec
	ComputeDuration *prometheus.HistogramVec
	MarkerOps       *prometheus.CounterVec
	StaleDeltas     *prometheus.CounterVec
}

// NewRecomputeCollector registers scheduler metrics against the provided
// registerer.
func NewRecomputeCollector(reg prometheus.Registerer) (*RecomputeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	recomputes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aqmap_recomputes_total",
		Help: "Completed recomputes, labeled by layer and delivery outcome.",
	}, []string{"layer", "outcome"}), "aqmap_recomputes_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aqmap_recompute_duration_seconds",
		Help:    "Duration of the query, sample, and diff pass.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"layer"}), "aqmap_recompute_duration_seconds")
	if err != nil {
		return nil, err
	}

	ops, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aqmap_markers_delta_total",
		Help: "Marker operations delivered to the render surface, labeled by layer and op.",
	}, []string{"layer", "op"}), "aqmap_markers_delta_total")
	if err != nil {
		return nil, err
	}

	stale, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aqmap_stale_deltas_total",
		Help: "Deltas superseded before delivery, labeled by layer and action taken.",
	}, []string{"layer", "action"}), "aqmap_stale_deltas_total")
	if err != nil {
		return nil, err
	}

	return &RecomputeCollector{
		gatherer:        gatherer,
		Recomputes:      recomputes,
		ComputeDuration: duration,
		MarkerOps:       ops,
		StaleDeltas:     stale,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RecomputeCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveRecompute records one delivered or dropped recompute.
func (c *RecomputeCollector) ObserveRecompute(layer model.Layer, outcome string, d time.Duration, added, removed, updated int) {
	if c == nil {
		return
	}
	l := layer.String()
	c.Recomputes.WithLabelValues(l, outcome).Inc()
	c.ComputeDuration.WithLabelValues(l).Observe(d.Seconds())
	if outcome == "dropped" {
		return
	}
	c.MarkerOps.WithLabelValues(l, "add").Add(float64(added))
	c.MarkerOps.WithLabelValues(l, "remove").Add(float64(removed))
	c.MarkerOps.WithLabelValues(l, "update").Add(float64(updated))
}

// IncStaleDelta counts a superseded delta.
func (c *RecomputeCollector) IncStaleDelta(layer model.Layer, action string) {
	if c == nil {
		return
	}
	c.StaleDeltas.WithLabelValues(layer.String(), action).Inc()
}
