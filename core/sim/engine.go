// Package sim runs the delivery flight simulation: one goroutine per
// active delivery ticking the waypoint state machine W0_W1 -> W1_W2 ->
// DWELL until completion.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kilianp07/dronefleet/core/dispatch"
	"github.com/kilianp07/dronefleet/core/fleet"
	"github.com/kilianp07/dronefleet/core/geo"
	"github.com/kilianp07/dronefleet/core/metrics"
	"github.com/kilianp07/dronefleet/core/model"
	"github.com/kilianp07/dronefleet/infra/logger"
	"github.com/kilianp07/dronefleet/internal/eventbus"
)

var activeSimulations = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "fleet_active_simulations",
	Help: "Number of delivery simulations currently running.",
})

// Tracker is the outbound tracking surface the engine publishes through.
// tracking.Broadcaster implements it.
type Tracker interface {
	BroadcastDronePosition(ctx context.Context, droneID string, pos geo.Point, batteryPct float64) error
	UpdateDeliveryProgress(ctx context.Context, deliveryID string, segment model.Segment, etaSeconds int, status model.DeliveryStatus) error
	NotifyDeliveryETAUpdate(ctx context.Context, deliveryID string, etaSeconds int) error
	NotifyDroneStatusChange(ctx context.Context, droneID string, oldStatus, newStatus model.DroneStatus) error
}

// Assigner is the assignment surface the engine needs to close flights and
// chain the next dispatch. dispatch.Dispatcher implements it.
type Assigner interface {
	CurrentAssignment(ctx context.Context, droneID string) (model.DroneAssignment, error)
	CompleteAssignment(ctx context.Context, assignmentID string) error
	AutoAssign(ctx context.Context, order model.Order) (*model.DroneAssignment, error)
}

// Event is published on the engine's bus at delivery start and completion.
type Event struct {
	Type       model.EventType
	DeliveryID string
	OrderID    string
	DroneID    string
	Time       time.Time
}

type task struct {
	droneID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Engine owns the flight simulations. Business flights live in sims;
// cosmetic return-to-base animations live in returns and never touch
// persisted state.
type Engine struct {
	cfg      dispatch.Config
	store    fleet.Store
	events   fleet.EventStore
	orders   fleet.OrderGateway
	assigner Assigner
	tracker  Tracker
	metrics  metrics.Sink
	bus      *eventbus.Bus[Event]
	log      logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	base    context.Context
	stop    context.CancelFunc
	sims    map[string]*task
	returns map[string]*task
}

// NewEngine wires an Engine. Nil metrics and logger fall back to no-ops.
func NewEngine(cfg dispatch.Config, store fleet.Store, events fleet.EventStore, orders fleet.OrderGateway, assigner Assigner, tracker Tracker, sink metrics.Sink, log logger.Logger) *Engine {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		events:   events,
		orders:   orders,
		assigner: assigner,
		tracker:  tracker,
		metrics:  sink,
		bus:      eventbus.New[Event](),
		log:      log,
		now:      time.Now,
		sims:     map[string]*task{},
		returns:  map[string]*task{},
	}
}

// Events returns the engine's event bus for subscribers.
func (e *Engine) Events() *eventbus.Bus[Event] { return e.bus }

type deliveryLister interface {
	Deliveries(ctx context.Context) ([]model.Delivery, error)
}

// Start prepares the engine and resumes simulations for deliveries that
// were in progress when the process last stopped. Calling Start on a
// running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.base != nil {
		e.mu.Unlock()
		return nil
	}
	e.base, e.stop = context.WithCancel(ctx)
	e.mu.Unlock()

	lister, ok := e.store.(deliveryLister)
	if !ok {
		return nil
	}
	deliveries, err := lister.Deliveries(ctx)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		if d.Status == model.DeliveryInProgress {
			e.log.Infof("resuming simulation for delivery %s", d.ID)
			e.startSim(d.ID, d.DroneID)
		}
	}
	return nil
}

// Stop cancels all simulations and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stop != nil {
		e.stop()
	}
	var tasks []*task
	for _, t := range e.sims {
		tasks = append(tasks, t)
	}
	for _, t := range e.returns {
		tasks = append(tasks, t)
	}
	e.base, e.stop = nil, nil
	e.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}

// Running reports whether a simulation is active for the delivery.
func (e *Engine) Running(deliveryID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sims[deliveryID]
	return ok
}

// Launch transitions the assignment into a flying delivery and starts its
// simulation. Any cosmetic return animation of the drone is superseded.
func (e *Engine) Launch(ctx context.Context, order model.Order, asg model.DroneAssignment) error {
	delivery, err := e.store.Delivery(ctx, asg.DeliveryID)
	if err != nil {
		return err
	}
	if err := e.orders.SetOrderStatus(ctx, order.ID, model.OrderOutForDelivery); err != nil {
		return err
	}

	now := e.now()
	delivery.Status = model.DeliveryInProgress
	delivery.CurrentSegment = model.SegmentToStore
	delivery.SegmentStart = &now
	delivery.DwellTicksRemaining = e.cfg.DwellTicks()
	delivery.UpdatedAt = now
	if err := e.store.SaveDelivery(ctx, delivery); err != nil {
		return err
	}

	drone, err := e.store.Drone(ctx, asg.DroneID)
	if err != nil {
		return err
	}
	old := drone.Status
	drone.Status = model.DroneEnRouteToStore
	if err := e.store.SaveDrone(ctx, drone); err != nil {
		return err
	}
	e.notifyStatus(ctx, drone.ID, old, drone.Status)

	if err := e.events.Append(ctx, model.NewDeliveryEvent(delivery.ID, model.EventDeliveryStart, delivery.W0, drone.BatteryPct, now)); err != nil {
		e.log.Warnf("start event for delivery %s failed: %v", delivery.ID, err)
	}
	e.bus.Publish(Event{Type: model.EventDeliveryStart, DeliveryID: delivery.ID, OrderID: order.ID, DroneID: drone.ID, Time: now})

	e.cancelReturnsFor(drone.ID)
	e.startSim(delivery.ID, drone.ID)
	e.log.Infof("launched delivery %s for order %s on drone %s", delivery.ID, order.ID, drone.ID)
	return nil
}

func (e *Engine) startSim(deliveryID, droneID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A stopped engine would leak the task: nothing could cancel it.
	if e.base == nil {
		e.log.Warnf("engine is not running, delivery %s gets no simulation", deliveryID)
		return
	}
	if _, ok := e.sims[deliveryID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(e.base)
	t := &task{droneID: droneID, cancel: cancel, done: make(chan struct{})}
	e.sims[deliveryID] = t
	activeSimulations.Inc()
	go e.runSim(ctx, deliveryID, t)
}

func (e *Engine) runSim(ctx context.Context, deliveryID string, t *task) {
	defer close(t.done)
	defer func() {
		e.mu.Lock()
		if e.sims[deliveryID] == t {
			delete(e.sims, deliveryID)
		}
		e.mu.Unlock()
		activeSimulations.Dec()
	}()
	ticker := time.NewTicker(e.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.tick(ctx, deliveryID) {
				return
			}
		}
	}
}

// tick advances one delivery by one simulation step. It returns true when
// the simulation should stop, either because the flight finished or
// because the delivery is no longer in progress.
func (e *Engine) tick(ctx context.Context, deliveryID string) (stop bool) {
	delivery, err := e.store.Delivery(ctx, deliveryID)
	if err != nil {
		if !errors.Is(err, fleet.ErrNotFound) {
			e.log.Errorf("tick load for delivery %s failed: %v", deliveryID, err)
		}
		return true
	}
	if delivery.Status != model.DeliveryInProgress {
		e.log.Debugf("delivery %s is %s, stopping simulation", deliveryID, delivery.Status)
		return true
	}

	now := e.now()
	// A missing segment start is healed to now without advancing, so a
	// restarted process resumes the segment rather than skipping it.
	if delivery.SegmentStart == nil {
		delivery.SegmentStart = &now
		delivery.UpdatedAt = now
		if err := e.store.SaveDelivery(ctx, delivery); err != nil {
			e.log.Errorf("segment heal for delivery %s failed: %v", deliveryID, err)
			return false
		}
	}

	seg := delivery.CurrentSegment
	segDur := e.cfg.LegDuration(seg)
	elapsed := now.Sub(*delivery.SegmentStart)
	u := float64(elapsed) / float64(segDur)
	start, end := delivery.SegmentEndpoints(seg)
	pos := geo.Lerp(start, end, u)
	eta := e.remainingETA(delivery, elapsed)

	drone, err := e.store.Drone(ctx, delivery.DroneID)
	if err != nil {
		e.log.Errorf("tick drone load for delivery %s failed: %v", deliveryID, err)
		return false
	}
	drone.Current = &pos
	drone.LastSeenAt = &now
	if err := e.store.SaveDrone(ctx, drone); err != nil {
		e.log.Errorf("tick drone save for delivery %s failed: %v", deliveryID, err)
		return false
	}

	prevETA := delivery.ETASeconds
	if err := e.tracker.UpdateDeliveryProgress(ctx, deliveryID, seg, eta, ""); err != nil {
		e.log.Warnf("progress update for delivery %s failed: %v", deliveryID, err)
	}
	delivery.ETASeconds = eta
	if eta != prevETA {
		if err := e.tracker.NotifyDeliveryETAUpdate(ctx, deliveryID, eta); err != nil {
			e.log.Warnf("eta notification for delivery %s failed: %v", deliveryID, err)
		}
	}

	ev := model.NewDeliveryEvent(deliveryID, model.EventGPSUpdate, pos, drone.BatteryPct, now)
	ev.SpeedKmh = segmentSpeedKmh(start, end, segDur)
	if err := e.events.Append(ctx, ev); err != nil {
		e.log.Warnf("gps event for delivery %s failed: %v", deliveryID, err)
	}
	if err := e.tracker.BroadcastDronePosition(ctx, drone.ID, pos, drone.BatteryPct); err != nil {
		e.log.Warnf("position broadcast for drone %s failed: %v", drone.ID, err)
	}
	if err := e.metrics.RecordTick(metrics.TickRecord{
		DeliveryID: deliveryID, DroneID: drone.ID, Segment: seg,
		Lat: pos.Lat, Lng: pos.Lng, ETASeconds: eta, Time: now,
	}); err != nil {
		e.log.Warnf("tick metric for delivery %s failed: %v", deliveryID, err)
	}

	return e.maybeAdvance(ctx, delivery, drone, elapsed, segDur, now)
}

// maybeAdvance checks the segment boundary and either moves the delivery
// to its next segment or finalizes the flight.
func (e *Engine) maybeAdvance(ctx context.Context, delivery model.Delivery, drone model.Drone, elapsed, segDur time.Duration, now time.Time) (stop bool) {
	if delivery.CurrentSegment == model.SegmentDwell {
		delivery.DwellTicksRemaining--
		delivery.UpdatedAt = now
		if delivery.DwellTicksRemaining > 0 {
			if err := e.store.SaveDelivery(ctx, delivery); err != nil {
				e.log.Errorf("dwell save for delivery %s failed: %v", delivery.ID, err)
			}
			return false
		}
		return e.finalize(ctx, delivery, drone, now)
	}
	if elapsed < segDur {
		return false
	}

	next, ok := delivery.CurrentSegment.Next()
	if !ok {
		return e.finalize(ctx, delivery, drone, now)
	}
	delivery.CurrentSegment = next
	delivery.SegmentStart = &now
	delivery.UpdatedAt = now
	if err := e.store.SaveDelivery(ctx, delivery); err != nil {
		e.log.Errorf("segment advance for delivery %s failed: %v", delivery.ID, err)
		return false
	}
	old := drone.Status
	drone.Status = next.DroneStatus()
	if err := e.store.SaveDrone(ctx, drone); err != nil {
		e.log.Errorf("drone advance for delivery %s failed: %v", delivery.ID, err)
		return false
	}
	e.notifyStatus(ctx, drone.ID, old, drone.Status)
	e.log.Debugf("delivery %s advanced to segment %s", delivery.ID, next)
	return false
}

// finalize completes the flight: the delivery and order reach their
// terminal states, the assignment closes and, in AUTO mode, the next
// ready order of the same store is dispatched on the freed drone.
func (e *Engine) finalize(ctx context.Context, delivery model.Delivery, drone model.Drone, now time.Time) (stop bool) {
	if err := e.tracker.UpdateDeliveryProgress(ctx, delivery.ID, delivery.CurrentSegment, 0, model.DeliveryCompleted); err != nil {
		e.log.Errorf("completion update for delivery %s failed: %v", delivery.ID, err)
	}
	if err := e.orders.SetOrderStatus(ctx, delivery.OrderID, model.OrderDelivered); err != nil {
		e.log.Errorf("order %s could not be marked delivered: %v", delivery.OrderID, err)
	}
	if err := e.events.Append(ctx, model.NewDeliveryEvent(delivery.ID, model.EventDeliveryComplete, delivery.W2, drone.BatteryPct, now)); err != nil {
		e.log.Warnf("completion event for delivery %s failed: %v", delivery.ID, err)
	}

	duration := now.Sub(delivery.CreatedAt)
	if asg, err := e.assigner.CurrentAssignment(ctx, drone.ID); err == nil {
		duration = now.Sub(asg.AssignedAt)
		if err := e.assigner.CompleteAssignment(ctx, asg.ID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			e.log.Errorf("assignment %s could not be completed: %v", asg.ID, err)
		}
	} else if !errors.Is(err, fleet.ErrNotFound) {
		e.log.Errorf("assignment lookup for drone %s failed: %v", drone.ID, err)
	}

	if err := e.metrics.RecordCompletion(metrics.CompletionRecord{
		DeliveryID: delivery.ID, DroneID: drone.ID, OrderID: delivery.OrderID,
		Duration: duration, Time: now,
	}); err != nil {
		e.log.Warnf("completion metric for delivery %s failed: %v", delivery.ID, err)
	}
	e.bus.Publish(Event{Type: model.EventDeliveryComplete, DeliveryID: delivery.ID, OrderID: delivery.OrderID, DroneID: drone.ID, Time: now})
	e.log.Infof("delivery %s completed in %s", delivery.ID, duration.Round(time.Second))

	if !e.chainNext(ctx, delivery, drone) {
		e.startReturn(delivery, drone.ID)
	}
	return true
}

// chainNext dispatches the freed drone onto the oldest ready order of the
// same store, regardless of payment state; payment gating happens in the
// poller window. It reports whether a new flight was launched.
func (e *Engine) chainNext(ctx context.Context, delivery model.Delivery, drone model.Drone) bool {
	if !e.cfg.AutoMode() {
		return false
	}
	order, err := e.orders.Order(ctx, delivery.OrderID)
	if err != nil {
		e.log.Warnf("chain lookup for order %s failed: %v", delivery.OrderID, err)
		return false
	}
	ready, err := e.orders.ReadyOrdersByStore(ctx, order.StoreID, 1)
	if err != nil {
		e.log.Warnf("chain ready-order query for store %s failed: %v", order.StoreID, err)
		return false
	}
	if len(ready) == 0 {
		return false
	}
	next := ready[0]
	asg, err := e.assigner.AutoAssign(ctx, next)
	if err != nil || asg == nil {
		if err != nil {
			e.log.Warnf("chain dispatch for order %s failed: %v", next.ID, err)
		}
		return false
	}
	if err := e.Launch(ctx, next, *asg); err != nil {
		e.log.Errorf("chain launch for order %s failed: %v", next.ID, err)
		return false
	}
	return true
}

// startReturn animates the drone flying home from the customer. The
// animation is cosmetic: the drone stays IDLE and assignable, and a new
// dispatch cancels it.
func (e *Engine) startReturn(delivery model.Delivery, droneID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.base == nil {
		return
	}
	if _, ok := e.returns[delivery.ID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(e.base)
	t := &task{droneID: droneID, cancel: cancel, done: make(chan struct{})}
	e.returns[delivery.ID] = t
	go e.runReturn(ctx, delivery, droneID, t)
}

func (e *Engine) runReturn(ctx context.Context, delivery model.Delivery, droneID string, t *task) {
	defer close(t.done)
	defer func() {
		e.mu.Lock()
		if e.returns[delivery.ID] == t {
			delete(e.returns, delivery.ID)
		}
		e.mu.Unlock()
	}()
	battery := 0.0
	if drone, err := e.store.Drone(ctx, droneID); err == nil {
		battery = drone.BatteryPct
	}
	segDur := e.cfg.LegDuration(model.SegmentReturn)
	startAt := e.now()
	ticker := time.NewTicker(e.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u := float64(e.now().Sub(startAt)) / float64(segDur)
			pos := geo.Lerp(delivery.W2, delivery.W3, u)
			if err := e.tracker.BroadcastDronePosition(ctx, droneID, pos, battery); err != nil {
				e.log.Debugf("return broadcast for drone %s failed: %v", droneID, err)
			}
			if u >= 1 {
				return
			}
		}
	}
}

// cancelReturnsFor stops any return animation of the drone. Called when
// the drone is dispatched again mid-return.
func (e *Engine) cancelReturnsFor(droneID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.returns {
		if t.droneID == droneID {
			t.cancel()
			delete(e.returns, id)
		}
	}
}

// remainingETA is the seconds left in the current segment plus every
// downstream segment. The dwell phase counts by remaining ticks.
func (e *Engine) remainingETA(delivery model.Delivery, elapsed time.Duration) int {
	dwellSec := delivery.DwellTicksRemaining * e.cfg.GPSTickSec
	if dwellSec < 0 {
		dwellSec = 0
	}
	switch delivery.CurrentSegment {
	case model.SegmentToStore:
		return remainingSec(e.cfg.LegDuration(model.SegmentToStore), elapsed) +
			int(e.cfg.LegDuration(model.SegmentToCustomer)/time.Second) +
			dwellSec
	case model.SegmentToCustomer:
		return remainingSec(e.cfg.LegDuration(model.SegmentToCustomer), elapsed) + dwellSec
	case model.SegmentDwell:
		return dwellSec
	default:
		return 0
	}
}

func remainingSec(segDur, elapsed time.Duration) int {
	rem := segDur - elapsed
	if rem < 0 {
		rem = 0
	}
	return int(rem / time.Second)
}

func segmentSpeedKmh(start, end geo.Point, segDur time.Duration) float64 {
	if segDur <= 0 {
		return 0
	}
	return geo.HaversineKm(start, end) / segDur.Hours()
}

func (e *Engine) notifyStatus(ctx context.Context, droneID string, oldStatus, newStatus model.DroneStatus) {
	if err := e.tracker.NotifyDroneStatusChange(ctx, droneID, oldStatus, newStatus); err != nil {
		e.log.Warnf("status notification for drone %s failed: %v", droneID, err)
	}
}
