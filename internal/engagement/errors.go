package engagement

import "errors"

// ErrInvalidToken is returned when a tracking token does not match the subscriber.
var ErrInvalidToken = errors.New("invalid tracking token")
