package transport

import (
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Mock is an in-memory Transport for tests. Queries are answered by a
// caller-supplied handler; everything written is recorded.
type Mock struct {
	mu sync.Mutex

	open    bool
	written []string

	// OpenErr makes Open fail.
	OpenErr error
	// Handler answers queries. When nil, every query returns "0".
	Handler func(cmd string) (string, error)

	// failAfter forces a timeout once that many write/query operations have
	// happened. Negative disables the fault.
	failAfter int
	ops       int
}

// NewMock returns an open-able mock with fault injection disabled.
func NewMock() *Mock {
	return &Mock{failAfter: -1}
}

// FailAfter arranges for the n+1-th write or query to fail with a command
// timeout, and every one after it.
func (m *Mock) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

// Written returns a copy of everything written so far.
func (m *Mock) Written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.written))
	copy(out, m.written)
	return out
}

// WriteCount returns the number of commands transmitted.
func (m *Mock) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.written)
}

func (m *Mock) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return m.OpenErr
	}
	m.open = true
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// step counts one operation and reports whether the injected fault tripped.
func (m *Mock) step() bool {
	if m.failAfter >= 0 && m.ops >= m.failAfter {
		return true
	}
	m.ops++
	return false
}

func (m *Mock) Write(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	if m.step() {
		return pkgerrors.Wrap(ErrCommandTimeout, "mock fault")
	}
	m.written = append(m.written, cmd)
	return nil
}

func (m *Mock) Read(time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return "", ErrNotOpen
	}
	return "", pkgerrors.Wrap(ErrCommandTimeout, "mock has no unsolicited data")
}

func (m *Mock) Query(cmd string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return "", ErrNotOpen
	}
	if m.step() {
		return "", pkgerrors.Wrap(ErrCommandTimeout, "mock fault")
	}
	m.written = append(m.written, cmd)
	if m.Handler == nil {
		return "0", nil
	}
	return m.Handler(cmd)
}
