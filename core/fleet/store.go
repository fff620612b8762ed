// Package fleet defines the persistence collaborator of the dispatch core
// and ships an in-memory implementation of it. The interfaces are the
// contract; production deployments can back them with whatever store they
// like as long as the lookup semantics hold.
package fleet

import (
	"context"

	"github.com/kilianp07/dronefleet/core/model"
)

// DroneStore provides keyed and status-filtered access to drones.
type DroneStore interface {
	Drone(ctx context.Context, id string) (model.Drone, error)
	SaveDrone(ctx context.Context, d model.Drone) error
	// DronesByStatus returns all drones whose status is one of the given
	// values, ordered by id for deterministic iteration.
	DronesByStatus(ctx context.Context, statuses ...model.DroneStatus) ([]model.Drone, error)
}

// DeliveryStore provides access to delivery flight records. Deliveries are
// unique per order.
type DeliveryStore interface {
	Delivery(ctx context.Context, id string) (model.Delivery, error)
	DeliveryByOrder(ctx context.Context, orderID string) (model.Delivery, error)
	SaveDelivery(ctx context.Context, d model.Delivery) error
}

// AssignmentStore provides access to drone assignments.
type AssignmentStore interface {
	Assignment(ctx context.Context, id string) (model.DroneAssignment, error)
	SaveAssignment(ctx context.Context, a model.DroneAssignment) error
	// OpenAssignments returns the assignments with CompletedAt == nil for
	// the drone, newest AssignedAt first. Callers treat the first element
	// as the single winner even if stale data left more than one open.
	OpenAssignments(ctx context.Context, droneID string) ([]model.DroneAssignment, error)
	OpenAssignmentByDelivery(ctx context.Context, deliveryID string) (model.DroneAssignment, error)
}

// EventStore is the append-only delivery event log.
type EventStore interface {
	Append(ctx context.Context, ev model.DeliveryEvent) error
	EventsByDelivery(ctx context.Context, deliveryID string) ([]model.DeliveryEvent, error)
}

// Store aggregates the fleet state a single deployment persists together.
type Store interface {
	DroneStore
	DeliveryStore
	AssignmentStore
}

// OrderGateway is the ordering-system collaborator: coordinate and payment
// reads plus the status transitions the fleet core is allowed to drive.
type OrderGateway interface {
	Order(ctx context.Context, id string) (model.Order, error)
	// ReadyOrders returns up to limit READY_FOR_DELIVERY orders, oldest
	// CreatedAt first.
	ReadyOrders(ctx context.Context, limit int) ([]model.Order, error)
	// ReadyOrdersByStore is ReadyOrders scoped to one store.
	ReadyOrdersByStore(ctx context.Context, storeID string, limit int) ([]model.Order, error)
	SetOrderStatus(ctx context.Context, id string, status model.OrderStatus) error
}
