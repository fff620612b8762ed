// Package metrics ships the Prometheus and InfluxDB implementations of the
// core metrics sink.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/dronefleet/core/metrics"
)

// PromSink records fleet activity in Prometheus metrics.
type PromSink struct {
	assignments *prometheus.CounterVec
	ticks       *prometheus.CounterVec
	completions prometheus.Counter
	duration    prometheus.Histogram
}

// NewPromSink registers the fleet metrics on the default Prometheus
// registerer. The HTTP server is started separately via StartPromServer.
func NewPromSink() (coremetrics.Sink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_assignments_total",
		Help: "Total number of drone assignments",
	}, []string{"mode", "fallback"})
	ticks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_gps_ticks_total",
		Help: "Total number of simulation ticks",
	}, []string{"segment"})
	completions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_deliveries_completed_total",
		Help: "Total number of completed deliveries",
	})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_delivery_duration_seconds",
		Help:    "Time from assignment to delivery completion",
		Buckets: prometheus.ExponentialBuckets(30, 2, 8),
	})

	if err := reg.Register(assignments); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			assignments = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(ticks); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			ticks = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(completions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			completions = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(duration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			duration = are.ExistingCollector.(prometheus.Histogram)
		} else {
			return nil, err
		}
	}

	return &PromSink{assignments: assignments, ticks: ticks, completions: completions, duration: duration}, nil
}

// RecordAssignment counts a dispatch decision by mode and fallback use.
func (s *PromSink) RecordAssignment(rec coremetrics.AssignmentRecord) error {
	s.assignments.WithLabelValues(string(rec.Mode), strconv.FormatBool(rec.Fallback)).Inc()
	return nil
}

// RecordTick counts one simulation tick per segment.
func (s *PromSink) RecordTick(rec coremetrics.TickRecord) error {
	s.ticks.WithLabelValues(string(rec.Segment)).Inc()
	return nil
}

// RecordCompletion counts the delivery and observes its duration.
func (s *PromSink) RecordCompletion(rec coremetrics.CompletionRecord) error {
	s.completions.Inc()
	s.duration.Observe(rec.Duration.Seconds())
	return nil
}
