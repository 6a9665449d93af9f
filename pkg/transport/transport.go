// Package transport implements point-to-point command/response channels to
// bench instruments. A Transport moves lines of text; it knows nothing about
// instrument semantics.
package transport

import "time"

// Transport is a single command/response channel to one instrument.
//
// A Transport carries at most one in-flight request and performs no internal
// locking or pipelining. Concurrent access must be serialized by the owning
// device controller.
type Transport interface {
	// Open establishes the connection. It returns an error wrapping
	// ErrResourceUnavailable when the target cannot be reached.
	Open() error

	// Close releases the connection. Closing an already-closed transport is
	// a no-op.
	Close() error

	// Write sends one command.
	Write(cmd string) error

	// Read waits up to timeout for one response line. It returns an error
	// wrapping ErrCommandTimeout when nothing arrives in time.
	Read(timeout time.Duration) (string, error)

	// Query pairs a Write with a bounded Read.
	Query(cmd string, timeout time.Duration) (string, error)
}

// Kind names a transport variant.
type Kind string

const (
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
	KindVISA   Kind = "visa"
)
