// Package metrics defines the sink interface the fleet core reports
// operational measurements to. Implementations live under infra/metrics.
package metrics

import (
	"time"

	"github.com/kilianp07/dronefleet/core/model"
)

// AssignmentRecord describes one dispatch decision.
type AssignmentRecord struct {
	OrderID           string
	DroneID           string
	DeliveryID        string
	Mode              model.AssignmentMode
	DistanceToStoreKm float64
	ETASeconds        int
	Fallback          bool // true when round-robin was used
	Time              time.Time
}

// TickRecord describes one simulation tick of an active delivery.
type TickRecord struct {
	DeliveryID string
	DroneID    string
	Segment    model.Segment
	Lat        float64
	Lng        float64
	ETASeconds int
	Time       time.Time
}

// CompletionRecord describes a finished delivery flight.
type CompletionRecord struct {
	DeliveryID string
	DroneID    string
	OrderID    string
	Duration   time.Duration
	Time       time.Time
}

// Sink receives fleet measurements. Implementations must be safe for
// concurrent use; errors are logged by callers, never fatal.
type Sink interface {
	RecordAssignment(rec AssignmentRecord) error
	RecordTick(rec TickRecord) error
	RecordCompletion(rec CompletionRecord) error
}

// NopSink discards all measurements.
type NopSink struct{}

func (NopSink) RecordAssignment(AssignmentRecord) error { return nil }
func (NopSink) RecordTick(TickRecord) error             { return nil }
func (NopSink) RecordCompletion(CompletionRecord) error { return nil }
