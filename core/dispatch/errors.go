package dispatch

import "errors"

// ErrValidation marks a dispatch request with unusable input, such as an
// order without coordinates.
var ErrValidation = errors.New("validation failed")

// ErrStateConflict marks a request that contradicts current fleet state,
// such as assigning a busy drone.
var ErrStateConflict = errors.New("state conflict")
