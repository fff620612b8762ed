package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/kilianp07/dronefleet/core/dispatch"
	"github.com/kilianp07/dronefleet/core/fleet"
	"github.com/kilianp07/dronefleet/core/geo"
	"github.com/kilianp07/dronefleet/core/model"
	"github.com/kilianp07/dronefleet/core/realtime"
	"github.com/kilianp07/dronefleet/core/tracking"
)

var (
	homePos  = geo.Point{Lat: 10.80, Lng: 106.65}
	storePos = geo.Point{Lat: 10.77, Lng: 106.69}
	destPos  = geo.Point{Lat: 10.75, Lng: 106.72}
)

type harness struct {
	engine *Engine
	store  *fleet.MemoryStore
	orders *fleet.MemoryOrders
	sink   *realtime.RecordingSink
	clock  time.Time
}

func newHarness(t *testing.T, mode string) *harness {
	t.Helper()
	cfg := dispatch.Config{AssignMode: mode}
	cfg.SetDefaults()
	store := fleet.NewMemoryStore()
	orders := fleet.NewMemoryOrders()
	sink := realtime.NewRecordingSink()
	tcfg := tracking.Config{}
	tcfg.SetDefaults()
	broadcaster := tracking.NewBroadcaster(tcfg, store, sink, nil, nil)
	dispatcher := dispatch.NewDispatcher(cfg, store, orders, broadcaster, nil, nil)
	engine := NewEngine(cfg, store, store, orders, dispatcher, broadcaster, nil, nil)
	h := &harness{
		engine: engine,
		store:  store,
		orders: orders,
		sink:   sink,
		clock:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	engine.now = func() time.Time { return h.clock }
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(engine.Stop)
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) seedDrone(t *testing.T, id string) {
	t.Helper()
	home := homePos
	if err := h.store.SaveDrone(context.Background(), model.Drone{
		ID:         id,
		Serial:     "SN-" + id,
		Status:     model.DroneIdle,
		Home:       &home,
		Current:    &home,
		BatteryPct: 100,
	}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) seedOrder(t *testing.T, id string, created time.Time) model.Order {
	t.Helper()
	s, d := storePos, destPos
	order := model.Order{
		ID:             id,
		StoreID:        "s1",
		Store:          &s,
		Destination:    &d,
		Status:         model.OrderReadyForDelivery,
		PaymentSettled: true,
		CreatedAt:      created,
	}
	h.orders.Put(order)
	return order
}

// launch dispatches and launches the order, then cancels the background
// ticker so tests drive ticks by hand with the fake clock.
func (h *harness) launch(t *testing.T, order model.Order) model.DroneAssignment {
	t.Helper()
	ctx := context.Background()
	asg, err := h.engine.assigner.AutoAssign(ctx, order)
	if err != nil || asg == nil {
		t.Fatalf("auto assign: asg=%v err=%v", asg, err)
	}
	if err := h.engine.Launch(ctx, order, *asg); err != nil {
		t.Fatalf("launch: %v", err)
	}
	h.stopTicker(asg.DeliveryID)
	return *asg
}

func (h *harness) stopTicker(deliveryID string) {
	h.engine.mu.Lock()
	tk, ok := h.engine.sims[deliveryID]
	h.engine.mu.Unlock()
	if ok {
		tk.cancel()
		<-tk.done
	}
}

func TestLaunchStartsFlight(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	ctx := context.Background()

	asg := h.launch(t, order)

	got, _ := h.orders.Order(ctx, "o1")
	if got.Status != model.OrderOutForDelivery {
		t.Fatalf("order must be OUT_FOR_DELIVERY, got %s", got.Status)
	}
	delivery, _ := h.store.Delivery(ctx, asg.DeliveryID)
	if delivery.Status != model.DeliveryInProgress || delivery.CurrentSegment != model.SegmentToStore {
		t.Fatalf("delivery not flying: %+v", delivery)
	}
	if delivery.SegmentStart == nil || !delivery.SegmentStart.Equal(h.clock) {
		t.Fatalf("segment start not stamped: %+v", delivery.SegmentStart)
	}
	drone, _ := h.store.Drone(ctx, "d1")
	if drone.Status != model.DroneEnRouteToStore {
		t.Fatalf("drone must be EN_ROUTE_TO_STORE, got %s", drone.Status)
	}
	events, _ := h.store.EventsByDelivery(ctx, asg.DeliveryID)
	if len(events) != 1 || events[0].Type != model.EventDeliveryStart {
		t.Fatalf("want one DELIVERY_START event, got %+v", events)
	}
}

func TestTickInterpolatesAlongSegment(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	asg := h.launch(t, order)
	ctx := context.Background()

	// Tick at segment start: the drone sits at W0.
	if stop := h.engine.tick(ctx, asg.DeliveryID); stop {
		t.Fatal("tick must not stop at u=0")
	}
	drone, _ := h.store.Drone(ctx, "d1")
	if !closeTo(*drone.Current, homePos) {
		t.Fatalf("at u=0 drone must be at W0, got %+v", drone.Current)
	}

	// Halfway through the 90s leg the drone is midway to the store.
	h.advance(45 * time.Second)
	h.engine.tick(ctx, asg.DeliveryID)
	drone, _ = h.store.Drone(ctx, "d1")
	mid := geo.Lerp(homePos, storePos, 0.5)
	if !closeTo(*drone.Current, mid) {
		t.Fatalf("at u=0.5 drone must be midway, got %+v want %+v", drone.Current, mid)
	}
}

func TestSegmentAdvanceTiming(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	asg := h.launch(t, order)
	ctx := context.Background()

	// The 90s leg to the store completes on the tick at +90s.
	h.advance(90 * time.Second)
	h.engine.tick(ctx, asg.DeliveryID)
	delivery, _ := h.store.Delivery(ctx, asg.DeliveryID)
	if delivery.CurrentSegment != model.SegmentToCustomer {
		t.Fatalf("want W1_W2 at +90s, got %s", delivery.CurrentSegment)
	}
	drone, _ := h.store.Drone(ctx, "d1")
	if drone.Status != model.DroneEnRouteToCustomer {
		t.Fatalf("drone must be EN_ROUTE_TO_CUSTOMER, got %s", drone.Status)
	}
}

func TestRemainingETA(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	asg := h.launch(t, order)
	ctx := context.Background()

	h.engine.tick(ctx, asg.DeliveryID)
	delivery, _ := h.store.Delivery(ctx, asg.DeliveryID)
	if delivery.ETASeconds != 340 { // 90 + 240 + 10
		t.Fatalf("eta at start must be 340, got %d", delivery.ETASeconds)
	}

	h.advance(45 * time.Second)
	h.engine.tick(ctx, asg.DeliveryID)
	delivery, _ = h.store.Delivery(ctx, asg.DeliveryID)
	if delivery.ETASeconds != 295 { // 45 + 240 + 10
		t.Fatalf("eta at +45s must be 295, got %d", delivery.ETASeconds)
	}
}

func TestFlightCompletesEndToEnd(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	asg := h.launch(t, order)
	ctx := context.Background()

	// 90s to store + 240s to customer + 2 dwell ticks at 5s each.
	deadline := h.clock.Add(400 * time.Second)
	for !h.engine.tick(ctx, asg.DeliveryID) {
		h.advance(5 * time.Second)
		if h.clock.After(deadline) {
			t.Fatal("flight did not complete within 400 simulated seconds")
		}
	}

	delivery, _ := h.store.Delivery(ctx, asg.DeliveryID)
	if delivery.Status != model.DeliveryCompleted {
		t.Fatalf("delivery must be COMPLETED, got %s", delivery.Status)
	}
	got, _ := h.orders.Order(ctx, "o1")
	if got.Status != model.OrderDelivered {
		t.Fatalf("order must be DELIVERED, got %s", got.Status)
	}
	drone, _ := h.store.Drone(ctx, "d1")
	if drone.Status != model.DroneIdle {
		t.Fatalf("drone must be IDLE again, got %s", drone.Status)
	}
	saved, _ := h.store.Assignment(ctx, asg.ID)
	if saved.Open() {
		t.Fatal("assignment must be completed")
	}
	events, _ := h.store.EventsByDelivery(ctx, asg.DeliveryID)
	last := events[len(events)-1]
	if last.Type != model.EventDeliveryComplete {
		t.Fatalf("last event must be DELIVERY_COMPLETE, got %s", last.Type)
	}
}

func TestDwellDecrementsPerTick(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	asg := h.launch(t, order)
	ctx := context.Background()

	// Fast-forward through both flight legs.
	h.advance(90 * time.Second)
	h.engine.tick(ctx, asg.DeliveryID)
	h.advance(240 * time.Second)
	h.engine.tick(ctx, asg.DeliveryID)
	delivery, _ := h.store.Delivery(ctx, asg.DeliveryID)
	if delivery.CurrentSegment != model.SegmentDwell {
		t.Fatalf("want DWELL, got %s", delivery.CurrentSegment)
	}

	h.advance(5 * time.Second)
	if stop := h.engine.tick(ctx, asg.DeliveryID); stop {
		t.Fatal("first dwell tick must not complete the flight")
	}
	delivery, _ = h.store.Delivery(ctx, asg.DeliveryID)
	if delivery.DwellTicksRemaining != 1 {
		t.Fatalf("want 1 dwell tick left, got %d", delivery.DwellTicksRemaining)
	}
	h.advance(5 * time.Second)
	if stop := h.engine.tick(ctx, asg.DeliveryID); !stop {
		t.Fatal("second dwell tick must complete the flight")
	}
}

func TestTickHealsMissingSegmentStart(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	asg := h.launch(t, order)
	ctx := context.Background()

	delivery, _ := h.store.Delivery(ctx, asg.DeliveryID)
	delivery.SegmentStart = nil
	if err := h.store.SaveDelivery(ctx, delivery); err != nil {
		t.Fatal(err)
	}
	h.advance(300 * time.Second)

	if stop := h.engine.tick(ctx, asg.DeliveryID); stop {
		t.Fatal("healed tick must not stop")
	}
	delivery, _ = h.store.Delivery(ctx, asg.DeliveryID)
	if delivery.SegmentStart == nil || !delivery.SegmentStart.Equal(h.clock) {
		t.Fatalf("segment start must heal to now, got %+v", delivery.SegmentStart)
	}
	if delivery.CurrentSegment != model.SegmentToStore {
		t.Fatalf("healing must not advance the segment, got %s", delivery.CurrentSegment)
	}
}

func TestTickStopsWhenDeliveryNotInProgress(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	asg := h.launch(t, order)
	ctx := context.Background()

	delivery, _ := h.store.Delivery(ctx, asg.DeliveryID)
	delivery.Status = model.DeliveryFailed
	if err := h.store.SaveDelivery(ctx, delivery); err != nil {
		t.Fatal(err)
	}
	if stop := h.engine.tick(ctx, asg.DeliveryID); !stop {
		t.Fatal("tick must stop for a non-flying delivery")
	}
}

func TestAutoModeChainsNextOrderOfSameStore(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	first := h.seedOrder(t, "o1", h.clock)
	h.seedOrder(t, "o2", h.clock.Add(time.Minute))
	asg := h.launch(t, first)
	ctx := context.Background()

	deadline := h.clock.Add(400 * time.Second)
	for !h.engine.tick(ctx, asg.DeliveryID) {
		h.advance(5 * time.Second)
		if h.clock.After(deadline) {
			t.Fatal("flight did not complete")
		}
	}

	// The freed drone is immediately re-dispatched onto o2.
	got, _ := h.orders.Order(ctx, "o2")
	if got.Status != model.OrderOutForDelivery {
		t.Fatalf("chained order must be OUT_FOR_DELIVERY, got %s", got.Status)
	}
	drone, _ := h.store.Drone(ctx, "d1")
	if drone.Status != model.DroneEnRouteToStore {
		t.Fatalf("drone must be flying again, got %s", drone.Status)
	}
}

func TestChainDispatchIgnoresPaymentState(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	first := h.seedOrder(t, "o1", h.clock)
	next := h.seedOrder(t, "o2", h.clock.Add(time.Minute))
	next.PaymentSettled = false
	h.orders.Put(next)
	asg := h.launch(t, first)
	ctx := context.Background()

	deadline := h.clock.Add(400 * time.Second)
	for !h.engine.tick(ctx, asg.DeliveryID) {
		h.advance(5 * time.Second)
		if h.clock.After(deadline) {
			t.Fatal("flight did not complete")
		}
	}

	// Chaining takes the store's oldest ready order as-is; payment is only
	// checked by the poller before an order enters the fleet.
	got, _ := h.orders.Order(ctx, "o2")
	if got.Status != model.OrderOutForDelivery {
		t.Fatalf("chained order must be OUT_FOR_DELIVERY, got %s", got.Status)
	}
}

func TestStoppedEngineStartsNoSimulation(t *testing.T) {
	h := newHarness(t, string(model.AssignmentAuto))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	h.engine.Stop()
	ctx := context.Background()

	asg, err := h.engine.assigner.AutoAssign(ctx, order)
	if err != nil || asg == nil {
		t.Fatalf("auto assign: asg=%v err=%v", asg, err)
	}
	if err := h.engine.Launch(ctx, order, *asg); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if h.engine.Running(asg.DeliveryID) {
		t.Fatal("a stopped engine must not start simulations")
	}
}

func TestManualModeStartsCosmeticReturn(t *testing.T) {
	h := newHarness(t, string(model.AssignmentManual))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	h.seedOrder(t, "o2", h.clock.Add(time.Minute)) // must not be chained
	asg := h.launch(t, order)
	ctx := context.Background()

	deadline := h.clock.Add(400 * time.Second)
	for !h.engine.tick(ctx, asg.DeliveryID) {
		h.advance(5 * time.Second)
		if h.clock.After(deadline) {
			t.Fatal("flight did not complete")
		}
	}

	h.engine.mu.Lock()
	returns := len(h.engine.returns)
	h.engine.mu.Unlock()
	if returns != 1 {
		t.Fatalf("want one return animation, got %d", returns)
	}
	// The return is cosmetic: the drone stays IDLE and the second order
	// remains untouched.
	drone, _ := h.store.Drone(ctx, "d1")
	if drone.Status != model.DroneIdle {
		t.Fatalf("drone must stay IDLE during return, got %s", drone.Status)
	}
	got, _ := h.orders.Order(ctx, "o2")
	if got.Status != model.OrderReadyForDelivery {
		t.Fatalf("manual mode must not chain dispatch, got %s", got.Status)
	}
}

func TestLaunchCancelsReturnAnimation(t *testing.T) {
	h := newHarness(t, string(model.AssignmentManual))
	h.seedDrone(t, "d1")
	order := h.seedOrder(t, "o1", h.clock)
	asg := h.launch(t, order)
	ctx := context.Background()

	deadline := h.clock.Add(400 * time.Second)
	for !h.engine.tick(ctx, asg.DeliveryID) {
		h.advance(5 * time.Second)
		if h.clock.After(deadline) {
			t.Fatal("flight did not complete")
		}
	}

	next := h.seedOrder(t, "o2", h.clock)
	nextAsg, err := h.engine.assigner.AutoAssign(ctx, next)
	if err != nil || nextAsg == nil {
		t.Fatalf("reassign: asg=%v err=%v", nextAsg, err)
	}
	if err := h.engine.Launch(ctx, next, *nextAsg); err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	h.engine.mu.Lock()
	returns := len(h.engine.returns)
	h.engine.mu.Unlock()
	if returns != 0 {
		t.Fatalf("relaunch must cancel the return animation, got %d", returns)
	}
}

func closeTo(a, b geo.Point) bool {
	return math.Abs(a.Lat-b.Lat) < 1e-9 && math.Abs(a.Lng-b.Lng) < 1e-9
}
