package model

import (
	"fmt"
	"time"

	"github.com/kilianp07/dronefleet/core/geo"
)

// DroneStatus is the operational state of a drone. Transitions are owned by
// the dispatcher and the simulation engine; no other component writes it.
type DroneStatus string

const (
	DroneIdle              DroneStatus = "IDLE"
	DroneAssigned          DroneStatus = "ASSIGNED"
	DroneEnRouteToStore    DroneStatus = "EN_ROUTE_TO_STORE"
	DroneAtStore           DroneStatus = "AT_STORE"
	DroneEnRouteToCustomer DroneStatus = "EN_ROUTE_TO_CUSTOMER"
	DroneArriving          DroneStatus = "ARRIVING"
	DroneReturnToBase      DroneStatus = "RETURN_TO_BASE"
	DroneMaintenance       DroneStatus = "MAINTENANCE"
	DroneOffline           DroneStatus = "OFFLINE"
)

// ActiveDroneStatuses are the states in which a drone is flying or about to
// fly and should show up on live tracking views.
var ActiveDroneStatuses = []DroneStatus{
	DroneAssigned,
	DroneEnRouteToStore,
	DroneAtStore,
	DroneEnRouteToCustomer,
	DroneArriving,
	DroneReturnToBase,
}

// Drone represents a delivery drone of the fleet.
type Drone struct {
	ID             string
	Serial         string // unique per fleet
	Model          string
	Status         DroneStatus
	Home           *geo.Point
	Current        *geo.Point
	BatteryPct     float64
	MaxPayloadKg   float64
	MaxRangeKm     float64
	LastAssignedAt *time.Time
	LastSeenAt     *time.Time
	CreatedAt      time.Time
}

// Position returns the best known position of the drone, falling back to its
// home pad when it has never reported one.
func (d Drone) Position() (geo.Point, bool) {
	if d.Current != nil {
		return *d.Current, true
	}
	if d.Home != nil {
		return *d.Home, true
	}
	return geo.Point{}, false
}

// Validate checks that the drone record is sound.
func (d Drone) Validate() error {
	if d.Serial == "" {
		return fmt.Errorf("drone serial must not be empty")
	}
	if d.BatteryPct < 0 || d.BatteryPct > 100 {
		return fmt.Errorf("drone battery must be within [0,100], got %.1f", d.BatteryPct)
	}
	return nil
}
