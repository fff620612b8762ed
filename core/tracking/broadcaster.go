// Package tracking validates and republishes GPS and state updates to the
// real-time sink, keeping small read-side caches for query callers.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/dronefleet/core/fleet"
	"github.com/kilianp07/dronefleet/core/geo"
	"github.com/kilianp07/dronefleet/core/model"
	"github.com/kilianp07/dronefleet/core/realtime"
	"github.com/kilianp07/dronefleet/infra/logger"
)

// Config bounds the operating area. GPS updates outside the box are
// rejected before any state is touched.
type Config struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

// SetDefaults fills an empty box with the Ho Chi Minh City operating area.
func (c *Config) SetDefaults() {
	if c.MinLat == 0 && c.MaxLat == 0 && c.MinLng == 0 && c.MaxLng == 0 {
		c.MinLat, c.MaxLat = 10.35, 11.00
		c.MinLng, c.MaxLng = 106.20, 106.95
	}
}

// Validate checks the box is well-formed.
func (c Config) Validate() error {
	if c.MinLat >= c.MaxLat || c.MinLng >= c.MaxLng {
		return fmt.Errorf("tracking bounds are degenerate: %+v", c)
	}
	return nil
}

// Contains reports whether p lies inside the operating area.
func (c Config) Contains(p geo.Point) bool {
	return p.Lat >= c.MinLat && p.Lat <= c.MaxLat && p.Lng >= c.MinLng && p.Lng <= c.MaxLng
}

// Broadcaster applies the persist-then-publish pattern to every tracking
// update and answers read-side queries from persisted state plus caches.
type Broadcaster struct {
	cfg   Config
	store fleet.Store
	sink  realtime.Sink
	cache PositionCache
	log   logger.Logger
	now   func() time.Time
}

// NewBroadcaster wires a Broadcaster. A nil cache falls back to the
// in-process MemoryCache and a nil sink to a NopSink.
func NewBroadcaster(cfg Config, store fleet.Store, sink realtime.Sink, cache PositionCache, log logger.Logger) *Broadcaster {
	if sink == nil {
		sink = realtime.NopSink{}
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Broadcaster{cfg: cfg, store: store, sink: sink, cache: cache, log: log, now: time.Now}
}

// GPSUpdate is the payload published for drone position changes.
type GPSUpdate struct {
	DroneID    string    `json:"drone_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	BatteryPct float64   `json:"battery_pct"`
	Timestamp  time.Time `json:"ts"`
}

// ProgressUpdate is the payload published for delivery progress changes.
type ProgressUpdate struct {
	DeliveryID string               `json:"delivery_id"`
	Segment    model.Segment        `json:"segment"`
	ETASeconds int                  `json:"eta_seconds"`
	Status     model.DeliveryStatus `json:"status"`
	Timestamp  time.Time            `json:"ts"`
}

// StatusChange is the payload published when a drone changes status.
type StatusChange struct {
	DroneID   string            `json:"drone_id"`
	OldStatus model.DroneStatus `json:"old_status"`
	NewStatus model.DroneStatus `json:"new_status"`
	Timestamp time.Time         `json:"ts"`
}

// ETAUpdate is the payload published when a delivery's ETA changes.
type ETAUpdate struct {
	DeliveryID string    `json:"delivery_id"`
	ETASeconds int       `json:"eta_seconds"`
	ETAMinutes float64   `json:"eta_minutes"`
	Timestamp  time.Time `json:"ts"`
}

// UpdateDroneGPS validates an inbound GPS report, persists it, refreshes
// the cache and publishes the update. Rejected updates leave the drone
// untouched and publish nothing.
func (b *Broadcaster) UpdateDroneGPS(ctx context.Context, droneID string, lat, lng, batteryPct float64) error {
	pos := geo.Point{Lat: lat, Lng: lng}
	if !pos.Valid() {
		return fmt.Errorf("drone %s: lat=%.4f lng=%.4f: %w", droneID, lat, lng, ErrInvalidCoordinates)
	}
	if !b.cfg.Contains(pos) {
		return fmt.Errorf("drone %s: lat=%.4f lng=%.4f: %w", droneID, lat, lng, ErrOutOfBounds)
	}
	battery := geo.Clamp(batteryPct, 0, 100)

	drone, err := b.store.Drone(ctx, droneID)
	if err != nil {
		return err
	}
	now := b.now()
	drone.Current = &pos
	drone.BatteryPct = battery
	drone.LastSeenAt = &now
	if err := b.store.SaveDrone(ctx, drone); err != nil {
		return err
	}
	return b.BroadcastDronePosition(ctx, droneID, pos, battery)
}

// BroadcastDronePosition refreshes the cache and publishes a position
// update without touching persisted state. The simulation engine uses it
// after writing positions itself.
func (b *Broadcaster) BroadcastDronePosition(ctx context.Context, droneID string, pos geo.Point, batteryPct float64) error {
	now := b.now()
	if err := b.cache.SetPosition(ctx, DronePosition{
		DroneID: droneID, Lat: pos.Lat, Lng: pos.Lng, BatteryPct: batteryPct, Timestamp: now,
	}); err != nil {
		b.log.Warnf("position cache write for drone %s failed: %v", droneID, err)
	}
	return b.sink.Publish(droneID, realtime.KindDroneGPS, GPSUpdate{
		DroneID: droneID, Lat: pos.Lat, Lng: pos.Lng, BatteryPct: batteryPct, Timestamp: now,
	})
}

// UpdateDeliveryProgress persists the delivery's segment/ETA/status,
// refreshes the cache and publishes the update.
func (b *Broadcaster) UpdateDeliveryProgress(ctx context.Context, deliveryID string, segment model.Segment, etaSeconds int, status model.DeliveryStatus) error {
	delivery, err := b.store.Delivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	now := b.now()
	delivery.CurrentSegment = segment
	delivery.ETASeconds = etaSeconds
	if status != "" {
		delivery.Status = status
	}
	delivery.UpdatedAt = now
	if err := b.store.SaveDelivery(ctx, delivery); err != nil {
		return err
	}
	if err := b.cache.SetProgress(ctx, DeliveryProgress{
		DeliveryID: deliveryID, Segment: segment, ETASeconds: etaSeconds, Status: delivery.Status, Timestamp: now,
	}); err != nil {
		b.log.Warnf("progress cache write for delivery %s failed: %v", deliveryID, err)
	}
	return b.sink.Publish(deliveryID, realtime.KindDeliveryProgress, ProgressUpdate{
		DeliveryID: deliveryID, Segment: segment, ETASeconds: etaSeconds, Status: delivery.Status, Timestamp: now,
	})
}

// NotifyDroneStatusChange publishes a drone status transition.
func (b *Broadcaster) NotifyDroneStatusChange(ctx context.Context, droneID string, oldStatus, newStatus model.DroneStatus) error {
	return b.sink.Publish(droneID, realtime.KindDroneStatus, StatusChange{
		DroneID: droneID, OldStatus: oldStatus, NewStatus: newStatus, Timestamp: b.now(),
	})
}

// NotifyDeliveryETAUpdate publishes a changed ETA.
func (b *Broadcaster) NotifyDeliveryETAUpdate(ctx context.Context, deliveryID string, etaSeconds int) error {
	return b.sink.Publish(deliveryID, realtime.KindDeliveryETA, ETAUpdate{
		DeliveryID: deliveryID,
		ETASeconds: etaSeconds,
		ETAMinutes: math.Ceil(float64(etaSeconds) / 60.0),
		Timestamp:  b.now(),
	})
}

// DroneSnapshot is a live-tracking row for one active drone.
type DroneSnapshot struct {
	DroneID    string            `json:"drone_id"`
	Serial     string            `json:"serial"`
	Status     model.DroneStatus `json:"status"`
	Lat        float64           `json:"lat"`
	Lng        float64           `json:"lng"`
	BatteryPct float64           `json:"battery_pct"`
	DeliveryID string            `json:"delivery_id,omitempty"`
	OrderID    string            `json:"order_id,omitempty"`
	Segment    model.Segment     `json:"segment,omitempty"`
	ETASeconds int               `json:"eta_seconds,omitempty"`
}

// ActiveDronePositions returns a snapshot row per active drone, persisted
// state augmented with the position cache when it is fresher.
func (b *Broadcaster) ActiveDronePositions(ctx context.Context) ([]DroneSnapshot, error) {
	drones, err := b.store.DronesByStatus(ctx, model.ActiveDroneStatuses...)
	if err != nil {
		return nil, err
	}
	res := make([]DroneSnapshot, 0, len(drones))
	for _, d := range drones {
		snap := DroneSnapshot{DroneID: d.ID, Serial: d.Serial, Status: d.Status, BatteryPct: d.BatteryPct}
		if d.Current != nil {
			snap.Lat, snap.Lng = d.Current.Lat, d.Current.Lng
		}
		if cached, ok, err := b.cache.Position(ctx, d.ID); err == nil && ok {
			if d.LastSeenAt == nil || cached.Timestamp.After(*d.LastSeenAt) {
				snap.Lat, snap.Lng, snap.BatteryPct = cached.Lat, cached.Lng, cached.BatteryPct
			}
		}
		if open, err := b.store.OpenAssignments(ctx, d.ID); err == nil && len(open) > 0 {
			asg := open[0]
			snap.DeliveryID = asg.DeliveryID
			snap.OrderID = asg.OrderID
			if delivery, err := b.store.Delivery(ctx, asg.DeliveryID); err == nil {
				snap.Segment = delivery.CurrentSegment
				snap.ETASeconds = delivery.ETASeconds
			}
		}
		res = append(res, snap)
	}
	return res, nil
}

// TrackingInfo aggregates everything a tracking view needs for a delivery.
type TrackingInfo struct {
	DeliveryID string               `json:"delivery_id"`
	OrderID    string               `json:"order_id"`
	DroneID    string               `json:"drone_id"`
	Serial     string               `json:"serial"`
	Lat        float64              `json:"lat"`
	Lng        float64              `json:"lng"`
	BatteryPct float64              `json:"battery_pct"`
	Status     model.DeliveryStatus `json:"status"`
	Segment    model.Segment        `json:"segment"`
	ETASeconds int                  `json:"eta_seconds"`
	ETAMinutes float64              `json:"eta_minutes"`
	Waypoints  []geo.Point          `json:"waypoints"`
}

// DeliveryTrackingInfo returns the tracking view for one delivery.
func (b *Broadcaster) DeliveryTrackingInfo(ctx context.Context, deliveryID string) (TrackingInfo, error) {
	delivery, err := b.store.Delivery(ctx, deliveryID)
	if err != nil {
		return TrackingInfo{}, err
	}
	info := TrackingInfo{
		DeliveryID: delivery.ID,
		OrderID:    delivery.OrderID,
		DroneID:    delivery.DroneID,
		Status:     delivery.Status,
		Segment:    delivery.CurrentSegment,
		ETASeconds: delivery.ETASeconds,
		ETAMinutes: math.Ceil(float64(delivery.ETASeconds) / 60.0),
		Waypoints:  []geo.Point{delivery.W0, delivery.W1, delivery.W2, delivery.W3},
	}
	drone, err := b.store.Drone(ctx, delivery.DroneID)
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			return info, nil
		}
		return TrackingInfo{}, err
	}
	info.Serial = drone.Serial
	info.BatteryPct = drone.BatteryPct
	if drone.Current != nil {
		info.Lat, info.Lng = drone.Current.Lat, drone.Current.Lng
	}
	return info, nil
}
