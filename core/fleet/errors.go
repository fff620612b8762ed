package fleet

import "errors"

// ErrNotFound is returned when a drone, delivery, assignment or order id is
// unknown to the store.
var ErrNotFound = errors.New("not found")
