package model

import (
	"time"

	"github.com/kilianp07/dronefleet/core/geo"
)

// DeliveryStatus is the lifecycle state of a delivery flight.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryAssigned   DeliveryStatus = "ASSIGNED"
	DeliveryInProgress DeliveryStatus = "IN_PROGRESS"
	DeliveryCompleted  DeliveryStatus = "COMPLETED"
	DeliveryFailed     DeliveryStatus = "FAILED"
)

// Terminal reports whether the delivery can no longer be ticked.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryCompleted || s == DeliveryFailed
}

// Segment identifies one leg of the waypoint state machine
// W0_W1 -> W1_W2 -> DWELL. SegmentReturn exists only for the cosmetic
// return-to-base animation and is never part of the business state machine.
type Segment string

const (
	SegmentToStore    Segment = "W0_W1"
	SegmentToCustomer Segment = "W1_W2"
	SegmentDwell      Segment = "DWELL"
	SegmentReturn     Segment = "W2_W3"
)

// Next returns the segment that follows s, or false when s is the last one.
func (s Segment) Next() (Segment, bool) {
	switch s {
	case SegmentToStore:
		return SegmentToCustomer, true
	case SegmentToCustomer:
		return SegmentDwell, true
	default:
		return "", false
	}
}

// DroneStatus maps a segment to the drone status it implies.
func (s Segment) DroneStatus() DroneStatus {
	switch s {
	case SegmentToStore:
		return DroneEnRouteToStore
	case SegmentToCustomer:
		return DroneEnRouteToCustomer
	case SegmentDwell:
		return DroneArriving
	case SegmentReturn:
		return DroneReturnToBase
	default:
		return DroneIdle
	}
}

// Delivery is the flight record of a single order. W0 is the drone position
// at dispatch, W1 the store, W2 the customer and W3 the drone's home pad.
type Delivery struct {
	ID                  string
	OrderID             string
	DroneID             string
	Status              DeliveryStatus
	W0                  geo.Point
	W1                  geo.Point
	W2                  geo.Point
	W3                  geo.Point
	CurrentSegment      Segment
	SegmentStart        *time.Time
	ETASeconds          int
	DwellTicksRemaining int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SegmentEndpoints returns the start and end waypoints of seg. DWELL hovers
// at the customer, so both endpoints are W2.
func (d Delivery) SegmentEndpoints(seg Segment) (start, end geo.Point) {
	switch seg {
	case SegmentToStore:
		return d.W0, d.W1
	case SegmentToCustomer:
		return d.W1, d.W2
	case SegmentDwell:
		return d.W2, d.W2
	case SegmentReturn:
		return d.W2, d.W3
	default:
		return d.W0, d.W0
	}
}
