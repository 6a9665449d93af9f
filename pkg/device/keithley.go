package device

import (
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/battlab/battlab/pkg/instrument"
	"github.com/battlab/battlab/pkg/transport"
)

// measuringBit of the instrument-summary condition register is set while a
// discharge/charge run is in progress.
const measuringBit = 0x10

// funcSettle is how long the 2281S needs after a function switch before it
// answers queries reliably.
var funcSettle = 500 * time.Millisecond

// Keithley drives a Keithley 2281S battery simulator/charger. It is the one
// model that implements the full BatteryTester capability set.
type Keithley struct {
	base
}

var _ BatteryTester = (*Keithley)(nil)

// NewKeithley builds a controller around the given transport.
func NewKeithley(id string, spec *instrument.Spec, tr transport.Transport) *Keithley {
	return &Keithley{base: newBase(id, spec, tr)}
}

// switchFunction selects an instrument function and confirms it took.
func (k *Keithley) switchFunction(cmdName, want string) error {
	if err := k.send(cmdName); err != nil {
		return err
	}
	time.Sleep(funcSettle)

	resp, err := k.query(instrument.CmdFuncQuery)
	if err != nil {
		return pkgerrors.Wrapf(ErrDeviceCommunication, "verify function: %v", err)
	}
	if !strings.EqualFold(strings.TrimSpace(resp), want) {
		return pkgerrors.Wrapf(ErrModeSwitch, "requested %s, instrument reports %q", want, resp)
	}

	logrus.WithFields(logrus.Fields{
		"device":   k.id,
		"function": want,
	}).Debug("instrument function switched")
	return nil
}

// EnterBatteryTest switches to the battery-test function.
func (k *Keithley) EnterBatteryTest() error {
	return k.switchFunction(instrument.CmdFuncTest, "TEST")
}

// EnterPowerSupply switches to the power-supply function.
func (k *Keithley) EnterPowerSupply() error {
	return k.switchFunction(instrument.CmdFuncPower, "POWER")
}

// ConfigureSampling arms the on-device capture buffer.
func (k *Keithley) ConfigureSampling(sampleInterval, evocDelay float64) error {
	steps := []func() error{
		func() error { return k.send(instrument.CmdClearStatus) },
		func() error { return k.send(instrument.CmdTestModeDis) },
		func() error { return k.send(instrument.CmdSampleInterval, sampleInterval) },
		func() error { return k.send(instrument.CmdEVOCDelay, evocDelay) },
		func() error { return k.send(instrument.CmdDataClear) },
		func() error { return k.send(instrument.CmdDataStatusOn) },
		func() error { return k.send(instrument.CmdTestExecStart) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// SetTestCurrent programs the battery-test current. Both the source limit
// and the end current are written; the instrument needs both to actually
// sink the requested value.
func (k *Keithley) SetTestCurrent(amps float64) error {
	if err := k.checkCurrent(amps); err != nil {
		return err
	}
	if err := k.send(instrument.CmdTestCurrentLimit, amps); err != nil {
		return err
	}
	return k.send(instrument.CmdTestCurrentEnd, amps)
}

// TestOutput drives the battery-test output relay.
func (k *Keithley) TestOutput(on bool) error {
	if on {
		return k.send(instrument.CmdTestOutputOn)
	}
	return k.send(instrument.CmdTestOutputOff)
}

// SetSourceCurrent programs the power-supply current.
func (k *Keithley) SetSourceCurrent(amps float64) error {
	if err := k.checkCurrent(amps); err != nil {
		return err
	}
	return k.send(instrument.CmdSetCurrent, amps)
}

// SetSourceVoltage programs the power-supply voltage.
func (k *Keithley) SetSourceVoltage(volts float64) error {
	if err := k.checkVoltage(volts); err != nil {
		return err
	}
	return k.send(instrument.CmdSetVoltage, volts)
}

// Output drives the power-supply output relay.
func (k *Keithley) Output(on bool) error {
	if on {
		return k.send(instrument.CmdOutputOn)
	}
	return k.send(instrument.CmdOutputOff)
}

// BufferTail reads the newest captured sample. When the buffer answers with
// fewer than three fields the direct measurement commands are used instead.
func (k *Keithley) BufferTail() (float64, float64, float64, error) {
	resp, err := k.query(instrument.CmdDataTail)
	if err == nil {
		fields := strings.Split(strings.TrimSpace(resp), ",")
		if len(fields) >= 3 {
			tail := fields[len(fields)-3:]
			var vals [3]float64
			ok := true
			for i, f := range tail {
				v, perr := strconv.ParseFloat(strings.TrimSpace(f), 64)
				if perr != nil {
					ok = false
					break
				}
				vals[i] = v
			}
			if ok {
				return vals[0], vals[1], vals[2], nil
			}
		}
	}

	// Direct measurement fallback; relative time is unavailable there.
	v, verr := k.queryFloat(instrument.CmdMeasureVoltage)
	if verr != nil {
		return 0, 0, 0, verr
	}
	i, ierr := k.queryFloat(instrument.CmdMeasureCurrent)
	if ierr != nil {
		return 0, 0, 0, ierr
	}
	return v, i, -1, nil
}

// MeasureEVOC probes the ESR / open-circuit-voltage pair during rest.
func (k *Keithley) MeasureEVOC() (float64, float64, error) {
	resp, err := k.query(instrument.CmdMeasureEVOC)
	if err != nil {
		return 0, 0, pkgerrors.Wrapf(ErrDeviceCommunication, "evoc probe: %v", err)
	}
	fields := strings.Split(strings.TrimSpace(resp), ",")
	if len(fields) != 2 {
		return 0, 0, pkgerrors.Wrapf(ErrDeviceCommunication, "evoc probe: unexpected response %q", resp)
	}
	esr, err1 := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	voc, err2 := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, pkgerrors.Wrapf(ErrDeviceCommunication, "evoc probe: unparseable response %q", resp)
	}
	return esr, voc, nil
}

// ConfigureDischarge sets the discharge end conditions.
func (k *Keithley) ConfigureDischarge(endVolts, endAmps float64) error {
	if err := k.checkVoltage(endVolts); err != nil {
		return err
	}
	if err := k.checkCurrent(endAmps); err != nil {
		return err
	}
	if err := k.send(instrument.CmdTestModeDis); err != nil {
		return err
	}
	if err := k.send(instrument.CmdTestVoltage, endVolts); err != nil {
		return err
	}
	return k.send(instrument.CmdTestCurrentEnd, endAmps)
}

// ConfigureCharge sets the amp-hour measurement parameters.
func (k *Keithley) ConfigureCharge(vfull, ilimit float64, esrIntervalSeconds int) error {
	if err := k.checkVoltage(vfull); err != nil {
		return err
	}
	if err := k.checkCurrent(ilimit); err != nil {
		return err
	}
	if err := k.send(instrument.CmdAHVFull, vfull); err != nil {
		return err
	}
	if err := k.send(instrument.CmdAHILimit, ilimit); err != nil {
		return err
	}
	return k.send(instrument.CmdAHESRInterval, esrIntervalSeconds)
}

// StartAHMeasure starts the amp-hour characterization run.
func (k *Keithley) StartAHMeasure() error {
	return k.send(instrument.CmdAHExecStart)
}

// OperationActive reports whether a discharge/charge run is in progress.
func (k *Keithley) OperationActive() (bool, error) {
	resp, err := k.query(instrument.CmdOperationCond)
	if err != nil {
		return false, pkgerrors.Wrapf(ErrDeviceCommunication, "operation condition: %v", err)
	}
	cond, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return false, pkgerrors.Wrapf(ErrDeviceCommunication, "operation condition: unparseable %q", resp)
	}
	return cond&measuringBit != 0, nil
}

// GenerateModel builds and stores the battery model in an on-device slot.
func (k *Keithley) GenerateModel(vmin, vmax float64, slot int) error {
	if err := k.send(instrument.CmdModelRange, vmin, vmax); err != nil {
		return err
	}
	return k.send(instrument.CmdModelSave, slot)
}

// RecallModel loads a stored model slot.
func (k *Keithley) RecallModel(slot int) error {
	return k.send(instrument.CmdModelRecall, slot)
}

// ModelRow reads one (Voc, ESR) row of a stored model.
func (k *Keithley) ModelRow(slot, row int) (float64, float64, error) {
	resp, err := k.query(instrument.CmdModelRow, slot, row)
	if err != nil {
		return 0, 0, pkgerrors.Wrapf(ErrDeviceCommunication, "model row %d: %v", row, err)
	}
	fields := strings.Split(strings.TrimSpace(resp), ",")
	if len(fields) < 2 {
		return 0, 0, pkgerrors.Wrapf(ErrDeviceCommunication, "model row %d: unexpected response %q", row, resp)
	}
	voc, err1 := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	esr, err2 := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, pkgerrors.Wrapf(ErrDeviceCommunication, "model row %d: unparseable response %q", row, resp)
	}
	return voc, esr, nil
}

// RestoreIdle returns the instrument to a safe state. Every step is
// attempted even if an earlier one fails; the first error is reported.
func (k *Keithley) RestoreIdle() error {
	var first error
	for _, name := range []string{
		instrument.CmdTestOutputOff,
		instrument.CmdOutputOff,
		instrument.CmdTestExecStop,
		instrument.CmdDataStatusOff,
		instrument.CmdLocalMode,
	} {
		if err := k.send(name); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		logrus.WithError(first).WithField("device", k.id).Warn("restore idle reported an error")
	}
	return first
}
