// Package device implements the per-model controllers that translate domain
// operations into instrument commands, and the busy/available protocol that
// lets one device run a long exclusive procedure without looking frozen to a
// concurrently running monitor.
package device

import (
	"time"
)

// ConnState is the transport-level connection state of a controller.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	}
	return "Unknown"
}

// Availability is the derived monitor-facing state. It is recomputed on
// every query, never stored.
type Availability string

const (
	AvailabilityDisconnected Availability = "Disconnected"
	AvailabilityBusy         Availability = "Busy"
	AvailabilityAvailable    Availability = "Available"
)

// Measurement is one immutable readout snapshot.
type Measurement struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"deviceId"`
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
	Power     float64   `json:"power"`
}

// Controller is the capability interface every instrument variant
// implements. A controller owns exactly one transport for its lifetime and
// serializes all access to it, so callers may issue commands concurrently
// without corrupting the request/reply stream. The monitor and an active
// test procedure still exclude each other through the busy flag, not the
// lock: a busy device is skipped, never waited on.
type Controller interface {
	ID() string
	ModelName() string
	Model() string // identification string reported by the instrument

	Connect() error
	Disconnect() error
	IsConnected() bool

	// IsBusy reports whether a test procedure currently owns the device.
	IsBusy() bool
	// SetBusy flips the busy flag. Only a sequence engine may call it.
	SetBusy(bool)

	// IsAvailableForMonitoring is true iff connected and not busy.
	IsAvailableForMonitoring() bool
	Availability() Availability

	// Measurements issues the model's measurement commands and returns one
	// snapshot.
	Measurements() (Measurement, error)

	MaxVoltage() float64
	MaxCurrent() float64
}

// BatteryTester is the extended capability set the sequence engines drive.
// The Keithley 2281S implements it; tests substitute fakes.
type BatteryTester interface {
	Controller

	// EnterBatteryTest switches the instrument to its battery-test function
	// and verifies the switch took effect.
	EnterBatteryTest() error
	// EnterPowerSupply switches to the power-supply (charging) function and
	// verifies it.
	EnterPowerSupply() error

	// ConfigureSampling sets the capture sample interval and EVOC delay and
	// arms the on-device data buffer.
	ConfigureSampling(sampleInterval, evocDelay float64) error
	// SetTestCurrent programs the discharge test current (limit and end).
	SetTestCurrent(amps float64) error
	// TestOutput drives the battery-test output relay.
	TestOutput(on bool) error

	// SetSourceCurrent / SetSourceVoltage program the power-supply function.
	SetSourceCurrent(amps float64) error
	SetSourceVoltage(volts float64) error
	// Output drives the power-supply output relay.
	Output(on bool) error

	// BufferTail returns the most recent captured (voltage, current,
	// relative-time) triple from the on-device buffer, falling back to
	// direct measurements when the buffer is empty.
	BufferTail() (volts, amps, relSeconds float64, err error)
	// MeasureEVOC probes the instrument's ESR/open-circuit-voltage pair.
	MeasureEVOC() (esrOhms, vocVolts float64, err error)

	// ConfigureDischarge sets the discharge end voltage and end current.
	ConfigureDischarge(endVolts, endAmps float64) error
	// ConfigureCharge sets the full-charge voltage, charge current limit and
	// ESR probe interval for the amp-hour measurement.
	ConfigureCharge(vfull, ilimit float64, esrIntervalSeconds int) error
	// StartAHMeasure starts the amp-hour characterization run.
	StartAHMeasure() error
	// OperationActive reports whether a discharge/charge run is still going.
	OperationActive() (bool, error)

	// GenerateModel builds the battery model over [vmin, vmax] and stores it
	// in the given on-device slot.
	GenerateModel(vmin, vmax float64, slot int) error
	// RecallModel loads a stored model slot for row reads.
	RecallModel(slot int) error
	// ModelRow reads one (Voc, ESR) row of a stored model.
	ModelRow(slot, row int) (voc, esr float64, err error)

	// RestoreIdle unconditionally returns the device to a safe state: output
	// off, capture stopped, local mode. It never fails hard; the first error
	// is reported after every step has been attempted.
	RestoreIdle() error
}
