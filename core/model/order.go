package model

import (
	"time"

	"github.com/kilianp07/dronefleet/core/geo"
)

// OrderStatus is the subset of the order lifecycle the fleet core interacts
// with. Orders enter the core at READY_FOR_DELIVERY and leave it DELIVERED.
type OrderStatus string

const (
	OrderCreated          OrderStatus = "CREATED"
	OrderPreparing        OrderStatus = "PREPARING"
	OrderReadyForDelivery OrderStatus = "READY_FOR_DELIVERY"
	OrderOutForDelivery   OrderStatus = "OUT_FOR_DELIVERY"
	OrderDelivered        OrderStatus = "DELIVERED"
	OrderCancelled        OrderStatus = "CANCELLED"
)

// Order is the read model the fleet core consumes from the ordering system.
// Store and Destination are nil when the upstream record is missing
// coordinates; dispatch refuses such orders.
type Order struct {
	ID             string
	StoreID        string
	Store          *geo.Point
	Destination    *geo.Point
	Status         OrderStatus
	PaymentSettled bool
	CreatedAt      time.Time
}
