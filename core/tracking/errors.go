package tracking

import "errors"

// ErrInvalidCoordinates marks a GPS update whose coordinates are outside
// the global latitude/longitude range.
var ErrInvalidCoordinates = errors.New("invalid latitude/longitude")

// ErrOutOfBounds marks a GPS update outside the configured operating area.
var ErrOutOfBounds = errors.New("coordinates outside operating bounds")
