package dispatch

import "errors"

// ErrDripNotFound is returned when a task references a drip that no longer exists.
var ErrDripNotFound = errors.New("drip not found")
