package device

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battlab/battlab/pkg/instrument"
	"github.com/battlab/battlab/pkg/transport"
)

func init() {
	// no need to wait out function-switch settling in tests
	funcSettle = time.Millisecond
}

// scpiHandler answers like an idle 2281S.
func scpiHandler(function string) func(string) (string, error) {
	return func(cmd string) (string, error) {
		switch {
		case cmd == "*IDN?":
			return "KEITHLEY INSTRUMENTS,MODEL 2281S-20-6,4587429,1.07", nil
		case cmd == ":MEAS:VOLT?":
			return "3.700000", nil
		case cmd == ":MEAS:CURR?":
			return "0.500000", nil
		case cmd == ":ENTRy:FUNC?":
			return function, nil
		case cmd == ":BATT:TEST:MEAS:EVOC?":
			return "0.052000,3.841000", nil
		case cmd == ":STAT:OPER:INST:ISUM:COND?":
			return "16", nil
		case strings.HasPrefix(cmd, ":BATT:MOD") && strings.HasSuffix(cmd, "?"):
			return "3.950000,0.048000", nil
		case strings.HasPrefix(cmd, ":BATT:DATA:DATA?"):
			return "3.712000,0.498000,1.250000", nil
		}
		return "", nil
	}
}

func newTestKeithley(t *testing.T, function string) (*Keithley, *transport.Mock) {
	t.Helper()
	tr := transport.NewMock()
	tr.Handler = scpiHandler(function)
	k := NewKeithley("keithley", instrument.ByKind(instrument.KindKeithley2281S), tr)
	require.NoError(t, k.Connect())
	return k, tr
}

func TestAvailabilityDerivation(t *testing.T) {
	k, _ := newTestKeithley(t, "TEST")

	assert.True(t, k.IsAvailableForMonitoring())
	assert.Equal(t, AvailabilityAvailable, k.Availability())

	k.SetBusy(true)
	assert.False(t, k.IsAvailableForMonitoring())
	assert.Equal(t, AvailabilityBusy, k.Availability())

	k.SetBusy(false)
	require.NoError(t, k.Disconnect())
	assert.False(t, k.IsAvailableForMonitoring())
	assert.Equal(t, AvailabilityDisconnected, k.Availability())
}

func TestConnectIdentifies(t *testing.T) {
	k, _ := newTestKeithley(t, "TEST")
	assert.Contains(t, k.Model(), "2281S")
	assert.Equal(t, "Keithley 2281S", k.ModelName())
}

func TestConnectUnreachable(t *testing.T) {
	tr := transport.NewMock()
	tr.OpenErr = transport.ErrResourceUnavailable
	k := NewKeithley("keithley", instrument.ByKind(instrument.KindKeithley2281S), tr)

	err := k.Connect()
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrResourceUnavailable))
	assert.False(t, k.IsConnected())
	assert.Equal(t, StateError, k.State())

	// the fault state is recoverable once the resource comes back
	tr.OpenErr = nil
	require.NoError(t, k.Connect())
	assert.Equal(t, StateConnected, k.State())
}

func TestMeasurementsSerialized(t *testing.T) {
	k, tr := newTestKeithley(t, "TEST")
	before := tr.WriteCount()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 25; n++ {
				m, err := k.Measurements()
				if assert.NoError(t, err) {
					assert.InDelta(t, 3.7, m.Voltage, 1e-9)
					assert.InDelta(t, 0.5, m.Current, 1e-9)
				}
			}
		}()
	}
	wg.Wait()

	// every snapshot's write/read pair reached the channel intact: the
	// command stream is strict volt/curr pairs with no interleaving
	written := tr.Written()[before:]
	require.Len(t, written, 200)
	for n := 0; n < len(written); n += 2 {
		assert.Equal(t, ":MEAS:VOLT?", written[n])
		assert.Equal(t, ":MEAS:CURR?", written[n+1])
	}
}

func TestSetpointValidationBeforeIO(t *testing.T) {
	k, tr := newTestKeithley(t, "POWER")
	before := tr.WriteCount()

	tests := []struct {
		name string
		call func() error
	}{
		{"source current over limit", func() error { return k.SetSourceCurrent(100) }},
		{"source voltage over limit", func() error { return k.SetSourceVoltage(500) }},
		{"test current over limit", func() error { return k.SetTestCurrent(6.5) }},
		{"negative current", func() error { return k.SetSourceCurrent(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParameterOutOfRange))
			assert.Equal(t, before, tr.WriteCount(), "out-of-range setpoint must never be transmitted")
		})
	}
}

func TestMeasurements(t *testing.T) {
	k, _ := newTestKeithley(t, "TEST")

	m, err := k.Measurements()
	require.NoError(t, err)
	assert.Equal(t, "keithley", m.DeviceID)
	assert.InDelta(t, 3.7, m.Voltage, 1e-9)
	assert.InDelta(t, 0.5, m.Current, 1e-9)
	assert.InDelta(t, 3.7*0.5, m.Power, 1e-9)
	assert.False(t, m.Timestamp.IsZero())
}

func TestMeasurementsMalformed(t *testing.T) {
	k, tr := newTestKeithley(t, "TEST")
	tr.Handler = func(cmd string) (string, error) {
		return "garbage", nil
	}

	_, err := k.Measurements()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceCommunication))
}

func TestEnterBatteryTestConfirmed(t *testing.T) {
	k, tr := newTestKeithley(t, "TEST")
	require.NoError(t, k.EnterBatteryTest())
	assert.Contains(t, tr.Written(), ":ENTRy:FUNC TEST")
}

func TestEnterBatteryTestNotConfirmed(t *testing.T) {
	k, _ := newTestKeithley(t, "POWER") // instrument stays in POWER

	err := k.EnterBatteryTest()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModeSwitch))
}

func TestMeasureEVOC(t *testing.T) {
	k, _ := newTestKeithley(t, "TEST")

	esr, voc, err := k.MeasureEVOC()
	require.NoError(t, err)
	assert.InDelta(t, 0.052, esr, 1e-9)
	assert.InDelta(t, 3.841, voc, 1e-9)
}

func TestBufferTail(t *testing.T) {
	k, _ := newTestKeithley(t, "TEST")

	v, i, rel, err := k.BufferTail()
	require.NoError(t, err)
	assert.InDelta(t, 3.712, v, 1e-9)
	assert.InDelta(t, 0.498, i, 1e-9)
	assert.InDelta(t, 1.25, rel, 1e-9)
}

func TestBufferTailFallsBackToDirect(t *testing.T) {
	k, tr := newTestKeithley(t, "TEST")
	tr.Handler = func(cmd string) (string, error) {
		switch cmd {
		case ":MEAS:VOLT?":
			return "3.650000", nil
		case ":MEAS:CURR?":
			return "0.510000", nil
		}
		return "", nil // empty buffer answer
	}

	v, i, rel, err := k.BufferTail()
	require.NoError(t, err)
	assert.InDelta(t, 3.65, v, 1e-9)
	assert.InDelta(t, 0.51, i, 1e-9)
	assert.Equal(t, -1.0, rel)
}

func TestRestoreIdleAttemptsEveryStep(t *testing.T) {
	k, tr := newTestKeithley(t, "TEST")
	require.NoError(t, k.RestoreIdle())

	w := tr.Written()
	assert.Contains(t, w, ":BATT:OUTP OFF")
	assert.Contains(t, w, ":OUTP OFF")
	assert.Contains(t, w, ":BATT:TEST:EXEC STOP")
	assert.Contains(t, w, "SYST:LOC")
}

func TestSorensenSetpoints(t *testing.T) {
	tr := transport.NewMock()
	tr.Handler = func(cmd string) (string, error) { return "SORENSEN,SGX400-12,0,1.0", nil }
	s := NewSorensen("sorensen", instrument.ByKind(instrument.KindSorensenSGX), tr)
	require.NoError(t, s.Connect())

	require.NoError(t, s.SetVoltage(48))
	require.NoError(t, s.SetCurrent(2.5))
	require.NoError(t, s.SetOVP(52))
	require.NoError(t, s.Output(true))

	w := tr.Written()
	assert.Contains(t, w, "SOUR:VOLT 48.000000")
	assert.Contains(t, w, "SOUR:CURR 2.500000")
	assert.Contains(t, w, "SOUR:VOLT:PROT 52.000000")
	assert.Contains(t, w, "OUTP:STAT ON")

	err := s.SetVoltage(401)
	assert.True(t, errors.Is(err, ErrParameterOutOfRange))
}

func TestProdigitModes(t *testing.T) {
	tr := transport.NewMock()
	p := NewProdigit("load", instrument.ByKind(instrument.KindProdigit34205A), tr)
	require.NoError(t, p.Connect())

	require.NoError(t, p.SetMode(LoadCC))
	require.NoError(t, p.SetCurrent(10))
	require.NoError(t, p.Load(true))

	w := tr.Written()
	assert.Contains(t, w, "MODE CC")
	assert.Contains(t, w, "CC:HIGH 10.0000")
	assert.Contains(t, w, "LOAD ON")

	err := p.SetPower(6000)
	assert.True(t, errors.Is(err, ErrParameterOutOfRange))
}

func TestDisconnectIdempotent(t *testing.T) {
	k, _ := newTestKeithley(t, "TEST")
	require.NoError(t, k.Disconnect())
	require.NoError(t, k.Disconnect())
}
