package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/dronefleet/core/geo"
)

// EventType classifies entries of the append-only delivery event log.
type EventType string

const (
	EventDeliveryStart    EventType = "DELIVERY_START"
	EventGPSUpdate        EventType = "GPS_UPDATE"
	EventDeliveryComplete EventType = "DELIVERY_COMPLETE"
	EventError            EventType = "ERROR"
)

// DeliveryEvent is an immutable log entry. Events are never updated after
// creation; the nonce deduplicates redelivered events downstream.
type DeliveryEvent struct {
	ID         string    `json:"id"`
	DeliveryID string    `json:"delivery_id"`
	Type       EventType `json:"type"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	SpeedKmh   float64   `json:"speed_kmh"`
	Heading    float64   `json:"heading"`
	BatteryPct float64   `json:"battery_pct"`
	Timestamp  time.Time `json:"ts"`
	Nonce      string    `json:"nonce"`
	Note       string    `json:"note,omitempty"`
}

// NewDeliveryEvent builds an event with a fresh id and dedup nonce.
func NewDeliveryEvent(deliveryID string, typ EventType, pos geo.Point, battery float64, ts time.Time) DeliveryEvent {
	return DeliveryEvent{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		Type:       typ,
		Lat:        pos.Lat,
		Lng:        pos.Lng,
		BatteryPct: battery,
		Timestamp:  ts,
		Nonce:      uuid.NewString(),
	}
}
