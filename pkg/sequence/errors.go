package sequence

import "errors"

var (
	// ErrInvalidParameter is returned when procedure parameters fail
	// validation. No transport I/O happens in that case.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidProfile is returned when a current profile is rejected
	// before playback: non-monotonic time or out-of-bound magnitude.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrSessionActive is returned when a procedure is started while the
	// engine's previous session has not reached a terminal phase.
	ErrSessionActive = errors.New("another session is active on this device")

	// ErrCancelled is the session error after a cooperative cancellation.
	ErrCancelled = errors.New("session cancelled")

	// ErrProcedureTimeout is the session error when a discharge or charge
	// phase exceeds its time budget.
	ErrProcedureTimeout = errors.New("procedure exceeded its time budget")
)
