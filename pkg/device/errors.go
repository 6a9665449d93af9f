package device

import "errors"

var (
	// ErrNotConnected is returned when an operation needs an open transport.
	ErrNotConnected = errors.New("device not connected")

	// ErrDeviceCommunication is returned when an instrument answers with
	// something unparseable, or stops answering mid-session.
	ErrDeviceCommunication = errors.New("device communication error")

	// ErrParameterOutOfRange is returned when a setpoint exceeds the model's
	// limits. Nothing is transmitted in that case.
	ErrParameterOutOfRange = errors.New("parameter out of range")

	// ErrModeSwitch is returned when an instrument does not confirm a
	// requested function/mode change.
	ErrModeSwitch = errors.New("mode switch not confirmed")

	// ErrUnsupported is returned when a model has no command for the
	// requested operation.
	ErrUnsupported = errors.New("operation not supported by this model")
)
