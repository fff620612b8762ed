// Package dispatch matches ready orders to idle drones and owns the
// assignment lifecycle.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/dronefleet/core/fleet"
	"github.com/kilianp07/dronefleet/core/geo"
	"github.com/kilianp07/dronefleet/core/metrics"
	"github.com/kilianp07/dronefleet/core/model"
	"github.com/kilianp07/dronefleet/infra/logger"
)

// StatusNotifier publishes drone status transitions. The tracking
// broadcaster implements it.
type StatusNotifier interface {
	NotifyDroneStatusChange(ctx context.Context, droneID string, oldStatus, newStatus model.DroneStatus) error
}

// Dispatcher picks drones for orders and records assignments. It writes
// drone, delivery and assignment state; flight progress is the simulation
// engine's job.
type Dispatcher struct {
	cfg     Config
	store   fleet.Store
	orders  fleet.OrderGateway
	notify  StatusNotifier
	metrics metrics.Sink
	log     logger.Logger
	now     func() time.Time
}

// NewDispatcher wires a Dispatcher. Nil notifier, metrics and logger fall
// back to no-ops.
func NewDispatcher(cfg Config, store fleet.Store, orders fleet.OrderGateway, notify StatusNotifier, sink metrics.Sink, log logger.Logger) *Dispatcher {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		orders:  orders,
		notify:  notify,
		metrics: sink,
		log:     log,
		now:     time.Now,
	}
}

type candidate struct {
	drone       model.Drone
	pos         geo.Point
	distToStore float64
}

// AutoAssign picks the best idle drone for the order and creates the
// assignment. It returns (nil, nil) when the fleet has no dispatchable
// drone left, which callers treat as exhaustion rather than an error.
func (d *Dispatcher) AutoAssign(ctx context.Context, order model.Order) (*model.DroneAssignment, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	idle, err := d.store.DronesByStatus(ctx, model.DroneIdle)
	if err != nil {
		return nil, err
	}
	var candidates []candidate
	for _, dr := range idle {
		pos, ok := dr.Position()
		if !ok {
			d.log.Warnf("drone %s has no known position, skipping", dr.ID)
			continue
		}
		candidates = append(candidates, candidate{
			drone:       dr,
			pos:         pos,
			distToStore: geo.HaversineKm(pos, *order.Store),
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var inRadius []candidate
	for _, c := range candidates {
		if c.distToStore <= d.cfg.DispatchRadiusKm {
			inRadius = append(inRadius, c)
		}
	}

	storeToDest := geo.HaversineKm(*order.Store, *order.Destination)
	eta := d.cfg.EstimateETASeconds(storeToDest)

	var best candidate
	fallback := false
	if len(inRadius) > 0 {
		// The ETA model depends only on the store-to-destination leg, so
		// every candidate shares it and the tiebreak is distance to store.
		sort.Slice(inRadius, func(i, j int) bool {
			return inRadius[i].distToStore < inRadius[j].distToStore
		})
		best = inRadius[0]
	} else {
		// No drone within radius: round-robin on the least recently
		// assigned drone so load spreads across the fleet.
		sort.Slice(candidates, func(i, j int) bool {
			return lessAssignedAt(candidates[i].drone, candidates[j].drone)
		})
		best = candidates[0]
		fallback = true
		d.log.Infof("no drone within %.1f km of store for order %s, falling back to round-robin", d.cfg.DispatchRadiusKm, order.ID)
	}

	return d.createAssignment(ctx, order, best, model.AssignmentAuto, model.SystemAssignedBy, eta, fallback)
}

// ManualAssign binds the given drone to the order on behalf of an
// operator. The drone must be IDLE.
func (d *Dispatcher) ManualAssign(ctx context.Context, orderID, droneID, assignedBy string) (*model.DroneAssignment, error) {
	order, err := d.orders.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	drone, err := d.store.Drone(ctx, droneID)
	if err != nil {
		return nil, err
	}
	if drone.Status != model.DroneIdle {
		return nil, fmt.Errorf("drone %s is %s: %w", droneID, drone.Status, ErrStateConflict)
	}
	pos, ok := drone.Position()
	if !ok {
		return nil, fmt.Errorf("drone %s has no known position: %w", droneID, ErrValidation)
	}
	if assignedBy == "" {
		assignedBy = model.SystemAssignedBy
	}
	eta := d.cfg.EstimateETASeconds(geo.HaversineKm(*order.Store, *order.Destination))
	c := candidate{drone: drone, pos: pos, distToStore: geo.HaversineKm(pos, *order.Store)}
	return d.createAssignment(ctx, order, c, model.AssignmentManual, assignedBy, eta, false)
}

// CurrentAssignment returns the drone's open assignment. When stale data
// left more than one open, the newest wins and the rest are reported.
func (d *Dispatcher) CurrentAssignment(ctx context.Context, droneID string) (model.DroneAssignment, error) {
	open, err := d.store.OpenAssignments(ctx, droneID)
	if err != nil {
		return model.DroneAssignment{}, err
	}
	if len(open) == 0 {
		return model.DroneAssignment{}, fmt.Errorf("open assignment for drone %s: %w", droneID, fleet.ErrNotFound)
	}
	if len(open) > 1 {
		d.log.Warnf("drone %s has %d open assignments, using newest %s", droneID, len(open), open[0].ID)
	}
	return open[0], nil
}

// CompleteAssignment closes the assignment and returns the drone to IDLE.
// Completing an already closed assignment reports ErrNotFound; callers
// treat that as already done.
func (d *Dispatcher) CompleteAssignment(ctx context.Context, assignmentID string) error {
	asg, err := d.store.Assignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if !asg.Open() {
		return fmt.Errorf("assignment %s already completed: %w", assignmentID, fleet.ErrNotFound)
	}
	now := d.now()
	asg.CompletedAt = &now
	if err := d.store.SaveAssignment(ctx, asg); err != nil {
		return err
	}
	drone, err := d.store.Drone(ctx, asg.DroneID)
	if err != nil {
		return err
	}
	old := drone.Status
	drone.Status = model.DroneIdle
	if err := d.store.SaveDrone(ctx, drone); err != nil {
		return err
	}
	d.notifyStatus(ctx, drone.ID, old, model.DroneIdle)
	return nil
}

func (d *Dispatcher) createAssignment(ctx context.Context, order model.Order, c candidate, mode model.AssignmentMode, assignedBy string, etaSeconds int, fallback bool) (*model.DroneAssignment, error) {
	// The one-open-assignment invariant is enforced here, at write time.
	open, err := d.store.OpenAssignments(ctx, c.drone.ID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, fmt.Errorf("drone %s already has open assignment %s: %w", c.drone.ID, open[0].ID, ErrStateConflict)
	}

	now := d.now()
	delivery, err := d.deliveryForOrder(ctx, order, c, now)
	if err != nil {
		return nil, err
	}
	if err := d.store.SaveDelivery(ctx, delivery); err != nil {
		return nil, err
	}

	asg := model.DroneAssignment{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		DroneID:    c.drone.ID,
		DeliveryID: delivery.ID,
		Mode:       mode,
		AssignedBy: assignedBy,
		AssignedAt: now,
	}
	if err := d.store.SaveAssignment(ctx, asg); err != nil {
		return nil, err
	}

	drone := c.drone
	old := drone.Status
	drone.Status = model.DroneAssigned
	drone.LastAssignedAt = &now
	if err := d.store.SaveDrone(ctx, drone); err != nil {
		return nil, err
	}
	d.notifyStatus(ctx, drone.ID, old, model.DroneAssigned)

	if err := d.metrics.RecordAssignment(metrics.AssignmentRecord{
		OrderID:           order.ID,
		DroneID:           drone.ID,
		DeliveryID:        delivery.ID,
		Mode:              mode,
		DistanceToStoreKm: c.distToStore,
		ETASeconds:        etaSeconds,
		Fallback:          fallback,
		Time:              now,
	}); err != nil {
		d.log.Warnf("assignment metric for order %s failed: %v", order.ID, err)
	}
	d.log.Infof("assigned drone %s to order %s (mode=%s dist=%.2fkm eta=%ds fallback=%t)",
		drone.ID, order.ID, mode, c.distToStore, etaSeconds, fallback)
	return &asg, nil
}

// deliveryForOrder reuses an existing non-terminal delivery of the order
// or builds a fresh one. Waypoints are rebuilt either way so the flight
// starts from the drone's current position.
func (d *Dispatcher) deliveryForOrder(ctx context.Context, order model.Order, c candidate, now time.Time) (model.Delivery, error) {
	home := c.pos
	if c.drone.Home != nil {
		home = *c.drone.Home
	}
	delivery := model.Delivery{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		CreatedAt: now,
	}
	if existing, err := d.store.DeliveryByOrder(ctx, order.ID); err == nil && !existing.Status.Terminal() {
		delivery.ID = existing.ID
		delivery.CreatedAt = existing.CreatedAt
	}
	delivery.DroneID = c.drone.ID
	delivery.Status = model.DeliveryAssigned
	delivery.W0 = c.pos
	delivery.W1 = *order.Store
	delivery.W2 = *order.Destination
	delivery.W3 = home
	delivery.CurrentSegment = model.SegmentToStore
	delivery.SegmentStart = &now
	delivery.ETASeconds = d.cfg.InitialETASeconds()
	delivery.DwellTicksRemaining = d.cfg.DwellTicks()
	delivery.UpdatedAt = now
	return delivery, nil
}

func (d *Dispatcher) notifyStatus(ctx context.Context, droneID string, oldStatus, newStatus model.DroneStatus) {
	if d.notify == nil {
		return
	}
	if err := d.notify.NotifyDroneStatusChange(ctx, droneID, oldStatus, newStatus); err != nil {
		d.log.Warnf("status notification for drone %s failed: %v", droneID, err)
	}
}

func validateOrder(order model.Order) error {
	if order.Store == nil || !order.Store.Valid() {
		return fmt.Errorf("order %s has no valid store coordinates: %w", order.ID, ErrValidation)
	}
	if order.Destination == nil || !order.Destination.Valid() {
		return fmt.Errorf("order %s has no valid destination coordinates: %w", order.ID, ErrValidation)
	}
	return nil
}

// lessAssignedAt orders drones for round-robin fallback: never-assigned
// drones first, then oldest LastAssignedAt, id as the final tiebreak.
func lessAssignedAt(a, b model.Drone) bool {
	switch {
	case a.LastAssignedAt == nil && b.LastAssignedAt == nil:
		return a.ID < b.ID
	case a.LastAssignedAt == nil:
		return true
	case b.LastAssignedAt == nil:
		return false
	case a.LastAssignedAt.Equal(*b.LastAssignedAt):
		return a.ID < b.ID
	default:
		return a.LastAssignedAt.Before(*b.LastAssignedAt)
	}
}
