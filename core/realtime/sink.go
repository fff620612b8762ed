// Package realtime defines the outbound real-time collaborator: a
// fire-and-forget publisher that pushes tracking updates to clients. No
// acknowledgement contract is required by the core.
package realtime

// Kind classifies a published message.
type Kind string

const (
	KindDroneGPS         Kind = "DRONE_GPS_UPDATE"
	KindDeliveryProgress Kind = "DELIVERY_PROGRESS_UPDATE"
	KindDroneStatus      Kind = "DRONE_STATUS_CHANGE"
	KindDeliveryETA      Kind = "DELIVERY_ETA_UPDATE"
	KindFleetStatus      Kind = "FLEET_STATUS_UPDATE"
)

// Sink publishes a payload for the given subject (drone id, delivery id or
// a well-known channel name). Implementations must not block on consumers.
type Sink interface {
	Publish(subject string, kind Kind, payload any) error
}

// NopSink discards all messages.
type NopSink struct{}

func (NopSink) Publish(string, Kind, any) error { return nil }
