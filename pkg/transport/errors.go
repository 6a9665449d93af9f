package transport

import "errors"

var (
	// ErrResourceUnavailable is returned by Open when the target cannot be
	// reached: wrong port, unplugged device, unreachable host.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrCommandTimeout is returned by Read and Query when no response
	// arrives before the deadline.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrNotOpen is returned when I/O is attempted on a closed transport.
	ErrNotOpen = errors.New("transport not open")
)
