// Package sequence implements the timed test procedures: pulse test,
// current-profile playback, and battery-model generation. Each runs as a
// state machine on its own worker goroutine, holds the device busy for the
// whole run, and unconditionally returns it to a safe idle state on every
// exit path.
package sequence

import (
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/battlab/battlab/pkg/device"
	"github.com/battlab/battlab/pkg/events"
	"github.com/battlab/battlab/pkg/results"
)

// second scales every procedure duration. Tests shrink it so multi-second
// procedures run in milliseconds.
var second = time.Second

// Engine drives one BatteryTester through test procedures. At most one
// session is active per engine at a time; the monitor is kept away by the
// device's busy flag, not by a lock.
type Engine struct {
	dev  device.BatteryTester
	sink *results.Sink
	hub  *events.Hub

	mu     sync.Mutex
	active *Session
}

// New returns an engine bound to one device and one result sink. hub may be
// nil.
func New(dev device.BatteryTester, sink *results.Sink, hub *events.Hub) *Engine {
	return &Engine{dev: dev, sink: sink, hub: hub}
}

// Device returns the controller this engine owns during sessions.
func (e *Engine) Device() device.BatteryTester { return e.dev }

// Active returns the engine's current session, which may already be
// terminal. Nil when nothing ever ran.
func (e *Engine) Active() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// begin performs the common pre-flight: device connected, no live session.
// On success the new session is registered and the device is held busy —
// before any device command is issued, and visibly so to the monitoring
// worker.
func (e *Engine) begin(procedure string) (*Session, error) {
	if !e.dev.IsConnected() {
		return nil, device.ErrNotConnected
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && !e.active.Phase().Terminal() {
		return nil, pkgerrors.Wrapf(ErrSessionActive, "device %s runs session %s", e.dev.ID(), e.active.ID())
	}

	s := newSession(e.dev.ID(), procedure, e.hub)
	e.active = s
	e.dev.SetBusy(true)

	logrus.WithFields(logrus.Fields{
		"session":   s.ID(),
		"device":    s.DeviceID(),
		"procedure": procedure,
	}).Info("session started")
	return s, nil
}

// finish is the unconditional cleanup path: restore the device to idle,
// only then clear the busy flag, then mark the session terminal. It runs on
// every exit — success, fault, or cancellation.
func (e *Engine) finish(s *Session, runErr error) {
	s.setPhase(PhaseFinalizing)

	if err := e.dev.RestoreIdle(); err != nil {
		logrus.WithError(err).WithField("session", s.ID()).Warn("restore idle failed during finalize")
	}
	e.dev.SetBusy(false)

	s.complete(runErr)

	log := logrus.WithFields(logrus.Fields{
		"session": s.ID(),
		"device":  s.DeviceID(),
		"phase":   s.Phase(),
	})
	if runErr != nil {
		log.WithError(runErr).Warn("session aborted")
	} else {
		log.Info("session completed")
	}
}

// asCommErr classifies a mid-run device failure as a communication error
// unless it already is one.
func asCommErr(err error) error {
	if err == nil || errors.Is(err, device.ErrDeviceCommunication) {
		return err
	}
	return pkgerrors.Wrapf(device.ErrDeviceCommunication, "%v", err)
}

// sleep pauses for d scaled seconds.
func sleep(seconds float64) {
	time.Sleep(time.Duration(seconds * float64(second)))
}
