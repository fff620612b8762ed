package model

import "time"

// AssignmentMode records whether a drone was picked by the dispatcher or by
// an operator.
type AssignmentMode string

const (
	AssignmentAuto   AssignmentMode = "AUTO"
	AssignmentManual AssignmentMode = "MANUAL"
)

// SystemAssignedBy is recorded on assignments created by auto-dispatch.
const SystemAssignedBy = "SYSTEM"

// DroneAssignment binds an order, a drone and a delivery together. At most
// one assignment per drone may be open (CompletedAt == nil) at a time.
type DroneAssignment struct {
	ID          string
	OrderID     string
	DroneID     string
	DeliveryID  string
	Mode        AssignmentMode
	AssignedBy  string
	AssignedAt  time.Time
	CompletedAt *time.Time
}

// Open reports whether the assignment is still active.
func (a DroneAssignment) Open() bool { return a.CompletedAt == nil }
