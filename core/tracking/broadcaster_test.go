package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kilianp07/dronefleet/core/fleet"
	"github.com/kilianp07/dronefleet/core/geo"
	"github.com/kilianp07/dronefleet/core/model"
	"github.com/kilianp07/dronefleet/core/realtime"
)

func testBroadcaster(t *testing.T) (*Broadcaster, *fleet.MemoryStore, *realtime.RecordingSink) {
	t.Helper()
	cfg := Config{}
	cfg.SetDefaults()
	store := fleet.NewMemoryStore()
	sink := realtime.NewRecordingSink()
	b := NewBroadcaster(cfg, store, sink, nil, nil)
	b.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return b, store, sink
}

func seedDrone(t *testing.T, store *fleet.MemoryStore, id string, status model.DroneStatus) {
	t.Helper()
	err := store.SaveDrone(context.Background(), model.Drone{
		ID:         id,
		Serial:     "SN-" + id,
		Status:     status,
		Home:       &geo.Point{Lat: 10.80, Lng: 106.65},
		BatteryPct: 90,
	})
	if err != nil {
		t.Fatalf("seed drone: %v", err)
	}
}

func TestUpdateDroneGPSRejectsInvalidCoordinates(t *testing.T) {
	b, store, sink := testBroadcaster(t)
	seedDrone(t, store, "d1", model.DroneEnRouteToStore)

	err := b.UpdateDroneGPS(context.Background(), "d1", 200, 106.70, 80)
	if !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("want ErrInvalidCoordinates, got %v", err)
	}
	if n := len(sink.Messages()); n != 0 {
		t.Fatalf("rejected update must publish nothing, got %d messages", n)
	}
	d, _ := store.Drone(context.Background(), "d1")
	if d.Current != nil {
		t.Fatalf("rejected update must not persist a position, got %+v", d.Current)
	}
}

func TestUpdateDroneGPSRejectsOutOfBounds(t *testing.T) {
	b, store, sink := testBroadcaster(t)
	seedDrone(t, store, "d1", model.DroneEnRouteToStore)

	// Valid globally but outside the configured operating area.
	err := b.UpdateDroneGPS(context.Background(), "d1", 21.02, 105.85, 80)
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("want ErrOutOfBounds, got %v", err)
	}
	if n := len(sink.Messages()); n != 0 {
		t.Fatalf("rejected update must publish nothing, got %d messages", n)
	}
}

func TestUpdateDroneGPSClampsBatteryAndPersists(t *testing.T) {
	b, store, sink := testBroadcaster(t)
	seedDrone(t, store, "d1", model.DroneEnRouteToStore)

	if err := b.UpdateDroneGPS(context.Background(), "d1", 10.78, 106.70, 140); err != nil {
		t.Fatalf("update: %v", err)
	}
	d, _ := store.Drone(context.Background(), "d1")
	if d.BatteryPct != 100 {
		t.Fatalf("battery must clamp to 100, got %.1f", d.BatteryPct)
	}
	if d.Current == nil || d.Current.Lat != 10.78 || d.Current.Lng != 106.70 {
		t.Fatalf("position not persisted: %+v", d.Current)
	}
	if d.LastSeenAt == nil {
		t.Fatal("LastSeenAt not stamped")
	}
	msgs := sink.ByKind(realtime.KindDroneGPS)
	if len(msgs) != 1 {
		t.Fatalf("want 1 GPS publish, got %d", len(msgs))
	}
	upd := msgs[0].Payload.(GPSUpdate)
	if upd.BatteryPct != 100 {
		t.Fatalf("published battery must be clamped, got %.1f", upd.BatteryPct)
	}
}

func TestUpdateDroneGPSClampsNegativeBattery(t *testing.T) {
	b, store, _ := testBroadcaster(t)
	seedDrone(t, store, "d1", model.DroneEnRouteToStore)

	if err := b.UpdateDroneGPS(context.Background(), "d1", 10.78, 106.70, -5); err != nil {
		t.Fatalf("update: %v", err)
	}
	d, _ := store.Drone(context.Background(), "d1")
	if d.BatteryPct != 0 {
		t.Fatalf("battery must clamp to 0, got %.1f", d.BatteryPct)
	}
}

func TestUpdateDeliveryProgressPersistsThenPublishes(t *testing.T) {
	b, store, sink := testBroadcaster(t)
	if err := store.SaveDelivery(context.Background(), model.Delivery{
		ID:      "dl1",
		OrderID: "o1",
		Status:  model.DeliveryInProgress,
	}); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}

	if err := b.UpdateDeliveryProgress(context.Background(), "dl1", model.SegmentToCustomer, 180, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	d, _ := store.Delivery(context.Background(), "dl1")
	if d.CurrentSegment != model.SegmentToCustomer || d.ETASeconds != 180 {
		t.Fatalf("delivery not persisted: segment=%s eta=%d", d.CurrentSegment, d.ETASeconds)
	}
	if d.Status != model.DeliveryInProgress {
		t.Fatalf("empty status must not overwrite, got %s", d.Status)
	}
	msgs := sink.ByKind(realtime.KindDeliveryProgress)
	if len(msgs) != 1 {
		t.Fatalf("want 1 progress publish, got %d", len(msgs))
	}
}

func TestNotifyDeliveryETAUpdateRoundsMinutesUp(t *testing.T) {
	b, _, sink := testBroadcaster(t)

	if err := b.NotifyDeliveryETAUpdate(context.Background(), "dl1", 61); err != nil {
		t.Fatalf("notify: %v", err)
	}
	msgs := sink.ByKind(realtime.KindDeliveryETA)
	if len(msgs) != 1 {
		t.Fatalf("want 1 ETA publish, got %d", len(msgs))
	}
	upd := msgs[0].Payload.(ETAUpdate)
	if upd.ETAMinutes != 2 {
		t.Fatalf("61s must round up to 2 minutes, got %.1f", upd.ETAMinutes)
	}
}

func TestActiveDronePositionsPrefersFresherCache(t *testing.T) {
	b, store, _ := testBroadcaster(t)
	seedDrone(t, store, "d1", model.DroneEnRouteToCustomer)
	seedDrone(t, store, "d2", model.DroneIdle) // idle drones are not active

	// Cached position is newer than any persisted LastSeenAt.
	if err := b.BroadcastDronePosition(context.Background(), "d1", geo.Point{Lat: 10.79, Lng: 106.71}, 77); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	snaps, err := b.ActiveDronePositions(context.Background())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("want 1 active drone, got %d", len(snaps))
	}
	s := snaps[0]
	if s.DroneID != "d1" || s.Lat != 10.79 || s.Lng != 106.71 || s.BatteryPct != 77 {
		t.Fatalf("cache overlay not applied: %+v", s)
	}
}

func TestActiveDronePositionsIncludesOpenAssignment(t *testing.T) {
	b, store, _ := testBroadcaster(t)
	seedDrone(t, store, "d1", model.DroneEnRouteToStore)
	ctx := context.Background()
	if err := store.SaveDelivery(ctx, model.Delivery{
		ID: "dl1", OrderID: "o1", DroneID: "d1",
		Status: model.DeliveryInProgress, CurrentSegment: model.SegmentToStore, ETASeconds: 340,
	}); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}
	if err := store.SaveAssignment(ctx, model.DroneAssignment{
		ID: "a1", OrderID: "o1", DroneID: "d1", DeliveryID: "dl1",
		Mode: model.AssignmentAuto, AssignedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}

	snaps, err := b.ActiveDronePositions(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("want 1 active drone, got %d", len(snaps))
	}
	s := snaps[0]
	if s.DeliveryID != "dl1" || s.OrderID != "o1" || s.Segment != model.SegmentToStore || s.ETASeconds != 340 {
		t.Fatalf("assignment info missing: %+v", s)
	}
}

func TestDeliveryTrackingInfo(t *testing.T) {
	b, store, _ := testBroadcaster(t)
	seedDrone(t, store, "d1", model.DroneEnRouteToCustomer)
	ctx := context.Background()
	if err := store.SaveDelivery(ctx, model.Delivery{
		ID: "dl1", OrderID: "o1", DroneID: "d1",
		Status:         model.DeliveryInProgress,
		CurrentSegment: model.SegmentToCustomer,
		ETASeconds:     250,
		W0:             geo.Point{Lat: 10.80, Lng: 106.65},
		W1:             geo.Point{Lat: 10.77, Lng: 106.69},
		W2:             geo.Point{Lat: 10.75, Lng: 106.72},
		W3:             geo.Point{Lat: 10.80, Lng: 106.65},
	}); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}

	info, err := b.DeliveryTrackingInfo(ctx, "dl1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if info.Serial != "SN-d1" {
		t.Fatalf("drone serial missing: %+v", info)
	}
	if len(info.Waypoints) != 4 || info.Waypoints[1].Lat != 10.77 {
		t.Fatalf("waypoints wrong: %+v", info.Waypoints)
	}
	if info.ETAMinutes != 5 { // 250s rounds up
		t.Fatalf("want 5 minutes, got %.1f", info.ETAMinutes)
	}
}

func TestDeliveryTrackingInfoUnknownDelivery(t *testing.T) {
	b, _, _ := testBroadcaster(t)
	_, err := b.DeliveryTrackingInfo(context.Background(), "missing")
	if !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
