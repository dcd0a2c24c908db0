package bus

import "errors"

// ErrClosed is returned when publishing to a stopped bus.
var ErrClosed = errors.New("bus: closed")
