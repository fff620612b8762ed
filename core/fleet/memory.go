package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kilianp07/dronefleet/core/model"
)

// MemoryStore is the reference Store and EventStore implementation. All
// reads return copies; mutations only happen through Save calls.
type MemoryStore struct {
	mu          sync.RWMutex
	drones      map[string]model.Drone
	deliveries  map[string]model.Delivery
	assignments map[string]model.DroneAssignment
	events      map[string][]model.DeliveryEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drones:      map[string]model.Drone{},
		deliveries:  map[string]model.Delivery{},
		assignments: map[string]model.DroneAssignment{},
		events:      map[string][]model.DeliveryEvent{},
	}
}

func (s *MemoryStore) Drone(_ context.Context, id string) (model.Drone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drones[id]
	if !ok {
		return model.Drone{}, fmt.Errorf("drone %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (s *MemoryStore) SaveDrone(_ context.Context, d model.Drone) error {
	s.mu.Lock()
	s.drones[d.ID] = d
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DronesByStatus(_ context.Context, statuses ...model.DroneStatus) ([]model.Drone, error) {
	wanted := make(map[model.DroneStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Drone
	for _, d := range s.drones {
		if wanted[d.Status] {
			res = append(res, d)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemoryStore) Delivery(_ context.Context, id string) (model.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return model.Delivery{}, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (s *MemoryStore) DeliveryByOrder(_ context.Context, orderID string) (model.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deliveries {
		if d.OrderID == orderID {
			return d, nil
		}
	}
	return model.Delivery{}, fmt.Errorf("delivery for order %s: %w", orderID, ErrNotFound)
}

func (s *MemoryStore) SaveDelivery(_ context.Context, d model.Delivery) error {
	s.mu.Lock()
	s.deliveries[d.ID] = d
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Assignment(_ context.Context, id string) (model.DroneAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return model.DroneAssignment{}, fmt.Errorf("assignment %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) SaveAssignment(_ context.Context, a model.DroneAssignment) error {
	s.mu.Lock()
	s.assignments[a.ID] = a
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) OpenAssignments(_ context.Context, droneID string) ([]model.DroneAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.DroneAssignment
	for _, a := range s.assignments {
		if a.DroneID == droneID && a.Open() {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AssignedAt.After(res[j].AssignedAt) })
	return res, nil
}

func (s *MemoryStore) OpenAssignmentByDelivery(_ context.Context, deliveryID string) (model.DroneAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assignments {
		if a.DeliveryID == deliveryID && a.Open() {
			return a, nil
		}
	}
	return model.DroneAssignment{}, fmt.Errorf("open assignment for delivery %s: %w", deliveryID, ErrNotFound)
}

func (s *MemoryStore) Append(_ context.Context, ev model.DeliveryEvent) error {
	s.mu.Lock()
	s.events[ev.DeliveryID] = append(s.events[ev.DeliveryID], ev)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) EventsByDelivery(_ context.Context, deliveryID string) ([]model.DeliveryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[deliveryID]
	res := make([]model.DeliveryEvent, len(evs))
	copy(res, evs)
	return res, nil
}

// Deliveries returns a snapshot of all deliveries, used by KPI reporting.
func (s *MemoryStore) Deliveries(_ context.Context) ([]model.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// MemoryOrders is an in-memory OrderGateway used by tests and the simulate
// command. The real ordering system sits behind the same interface.
type MemoryOrders struct {
	mu     sync.RWMutex
	orders map[string]model.Order
}

// NewMemoryOrders creates an empty MemoryOrders.
func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: map[string]model.Order{}}
}

// Put inserts or replaces an order.
func (s *MemoryOrders) Put(o model.Order) {
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
}

func (s *MemoryOrders) Order(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (s *MemoryOrders) ReadyOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return s.ready(limit, func(model.Order) bool { return true })
}

func (s *MemoryOrders) ReadyOrdersByStore(_ context.Context, storeID string, limit int) ([]model.Order, error) {
	return s.ready(limit, func(o model.Order) bool { return o.StoreID == storeID })
}

func (s *MemoryOrders) ready(limit int, match func(model.Order) bool) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Order
	for _, o := range s.orders {
		if o.Status == model.OrderReadyForDelivery && match(o) {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *MemoryOrders) SetOrderStatus(_ context.Context, id string, status model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.Status = status
	s.orders[id] = o
	return nil
}
