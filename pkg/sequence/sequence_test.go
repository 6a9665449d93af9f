package sequence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battlab/battlab/pkg/device"
	"github.com/battlab/battlab/pkg/events"
	"github.com/battlab/battlab/pkg/results"
)

func init() {
	// multi-second procedures run in milliseconds under test
	second = time.Millisecond
	statusPollSeconds = 1
}

// fakeTester is an in-memory BatteryTester. It records every call, can fail
// a named method after n invocations, and reports a fixed cell.
type fakeTester struct {
	mu       sync.Mutex
	calls    []string
	busy     bool
	outputOn bool

	connected bool
	failOn    string
	failAfter int

	opActivePolls int // discharge/charge finishes after this many polls
	polled        int
}

func newFakeTester() *fakeTester {
	return &fakeTester{connected: true, opActivePolls: 2}
}

func (f *fakeTester) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.failOn == name {
		f.failAfter--
		if f.failAfter < 0 {
			return fmt.Errorf("injected %s failure", name)
		}
	}
	return nil
}

func (f *fakeTester) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeTester) ID() string        { return "fake" }
func (f *fakeTester) ModelName() string { return "Fake 2281S" }
func (f *fakeTester) Model() string     { return "FAKE,MODEL 2281S,0,0" }
func (f *fakeTester) Connect() error    { f.connected = true; return nil }
func (f *fakeTester) Disconnect() error { f.connected = false; return nil }
func (f *fakeTester) IsConnected() bool { return f.connected }

func (f *fakeTester) IsBusy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeTester) SetBusy(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = b
}

func (f *fakeTester) IsAvailableForMonitoring() bool { return f.connected && !f.IsBusy() }

func (f *fakeTester) Availability() device.Availability {
	if !f.connected {
		return device.AvailabilityDisconnected
	}
	if f.IsBusy() {
		return device.AvailabilityBusy
	}
	return device.AvailabilityAvailable
}

func (f *fakeTester) Measurements() (device.Measurement, error) {
	if err := f.record("Measurements"); err != nil {
		return device.Measurement{}, err
	}
	return device.Measurement{
		Timestamp: time.Now(),
		DeviceID:  "fake",
		Voltage:   3.7,
		Current:   0.5,
		Power:     1.85,
	}, nil
}

func (f *fakeTester) MaxVoltage() float64 { return 20 }
func (f *fakeTester) MaxCurrent() float64 { return 6 }

func (f *fakeTester) EnterBatteryTest() error { return f.record("EnterBatteryTest") }
func (f *fakeTester) EnterPowerSupply() error { return f.record("EnterPowerSupply") }

func (f *fakeTester) ConfigureSampling(si, ed float64) error { return f.record("ConfigureSampling") }
func (f *fakeTester) SetTestCurrent(a float64) error         { return f.record("SetTestCurrent") }
func (f *fakeTester) TestOutput(on bool) error {
	f.mu.Lock()
	f.outputOn = on
	f.mu.Unlock()
	if on {
		return f.record("TestOutputOn")
	}
	return f.record("TestOutputOff")
}

func (f *fakeTester) SetSourceCurrent(a float64) error { return f.record("SetSourceCurrent") }
func (f *fakeTester) SetSourceVoltage(v float64) error { return f.record("SetSourceVoltage") }
func (f *fakeTester) Output(on bool) error {
	if on {
		return f.record("OutputOn")
	}
	return f.record("OutputOff")
}

// BufferTail reports the loaded pair while the test output is on and the
// rested open-circuit values once it drops.
func (f *fakeTester) BufferTail() (float64, float64, float64, error) {
	if err := f.record("BufferTail"); err != nil {
		return 0, 0, 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputOn {
		return 3.65, 2.0, -1, nil
	}
	return 3.75, 0, -1, nil
}

func (f *fakeTester) MeasureEVOC() (float64, float64, error) {
	if err := f.record("MeasureEVOC"); err != nil {
		return 0, 0, err
	}
	return 0.05, 3.8, nil
}

func (f *fakeTester) ConfigureDischarge(ev, ea float64) error { return f.record("ConfigureDischarge") }
func (f *fakeTester) ConfigureCharge(vf, il float64, esri int) error {
	return f.record("ConfigureCharge")
}
func (f *fakeTester) StartAHMeasure() error { return f.record("StartAHMeasure") }

func (f *fakeTester) OperationActive() (bool, error) {
	if err := f.record("OperationActive"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled++
	return f.polled <= f.opActivePolls, nil
}

func (f *fakeTester) GenerateModel(vmin, vmax float64, slot int) error {
	return f.record("GenerateModel")
}
func (f *fakeTester) RecallModel(slot int) error { return f.record("RecallModel") }

func (f *fakeTester) ModelRow(slot, row int) (float64, float64, error) {
	if err := f.record("ModelRow"); err != nil {
		return 0, 0, err
	}
	return 2.8 + 0.014*float64(row), 0.05, nil
}

func (f *fakeTester) RestoreIdle() error { return f.record("RestoreIdle") }

var _ device.BatteryTester = (*fakeTester)(nil)

func newTestEngine(t *testing.T) (*Engine, *fakeTester, string) {
	t.Helper()
	dir := t.TempDir()
	sink, err := results.NewSink(dir)
	require.NoError(t, err)
	f := newFakeTester()
	return New(f, sink, events.NewHub()), f, dir
}

func countDataRows(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n - 1 // header
}

func TestPulseRunProducesBothFiles(t *testing.T) {
	e, f, _ := newTestEngine(t)

	s, err := e.StartPulseTest(PulseParams{
		Count:        3,
		PulseSeconds: 2,
		RestSeconds:  2,
		PulseCurrent: 2.0,
	})
	require.NoError(t, err)
	require.NoError(t, s.Wait())

	assert.Equal(t, PhaseCompleted, s.Phase())
	assert.False(t, f.IsBusy())
	assert.Equal(t, 1, f.count("RestoreIdle"))

	files := s.Files()
	require.Len(t, files, 2)
	assert.Contains(t, filepath.Base(files[0]), "pulse_bt")
	assert.Contains(t, filepath.Base(files[1]), "rest_evoc")
	assert.Greater(t, countDataRows(t, files[0]), 0)
	assert.Equal(t, 3, countDataRows(t, files[1])) // one rest row per pulse

	// the fake relaxes 3.65 V -> 3.75 V when the 2.0 A load drops, so every
	// cycle must report ESR = 0.1 V / 2.0 A
	b, err := os.ReadFile(files[1])
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n")[1:] {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 3)
		assert.Equal(t, "3.750000", fields[1])
		assert.Equal(t, "0.050000", fields[2])
	}

	// on/off pairing held for every cycle
	assert.Equal(t, 3, f.count("TestOutputOn"))
}

func TestPulseRampStaircase(t *testing.T) {
	e, f, _ := newTestEngine(t)

	s, err := e.StartPulseTest(PulseParams{
		Count:        2,
		PulseSeconds: 2,
		RestSeconds:  2,
		PulseCurrent: 2.0,
		RampSteps:    4,
	})
	require.NoError(t, err)
	require.NoError(t, s.Wait())
	assert.Equal(t, PhaseCompleted, s.Phase())

	// per cycle: the first level before output-on, three steps up to the
	// full current, three steps back down before output-off
	assert.Equal(t, 14, f.count("SetTestCurrent"))
	assert.Equal(t, 2, f.count("TestOutputOn"))
	assert.Equal(t, 2, f.count("TestOutputOff"))
}

func TestPulseBusyWindow(t *testing.T) {
	e, f, _ := newTestEngine(t)

	s, err := e.StartPulseTest(PulseParams{Count: 1, PulseSeconds: 5, RestSeconds: 5, PulseCurrent: 1})
	require.NoError(t, err)

	// busy is visible before Start returns and until the run finalizes
	assert.True(t, f.IsBusy())
	assert.False(t, f.IsAvailableForMonitoring())

	require.NoError(t, s.Wait())
	assert.False(t, f.IsBusy())
	assert.True(t, f.IsAvailableForMonitoring())
}

func TestPulseValidationBeforeIO(t *testing.T) {
	e, f, _ := newTestEngine(t)

	cases := []PulseParams{
		{Count: 0, PulseSeconds: 5, RestSeconds: 5, PulseCurrent: 1},
		{Count: 5, PulseSeconds: 0.5, RestSeconds: 5, PulseCurrent: 1},
		{Count: 5, PulseSeconds: 5, RestSeconds: 400, PulseCurrent: 1},
		{Count: 5, PulseSeconds: 5, RestSeconds: 5, PulseCurrent: 100},
		{Count: 5, PulseSeconds: 5, RestSeconds: 5, PulseCurrent: 1, RampSteps: 30},
		{Count: 5, PulseSeconds: 5, RestSeconds: 5, PulseCurrent: 1, RampSteps: 2, RampStepSeconds: 100},
	}
	for _, p := range cases {
		_, err := e.StartPulseTest(p)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	}
	assert.Empty(t, f.calls)
	assert.False(t, f.IsBusy())
}

func TestPulseDeviceFaultAborts(t *testing.T) {
	e, f, _ := newTestEngine(t)
	f.failOn = "BufferTail"
	f.failAfter = 4

	s, err := e.StartPulseTest(PulseParams{Count: 10, PulseSeconds: 2, RestSeconds: 2, PulseCurrent: 1})
	require.NoError(t, err)

	err = s.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrDeviceCommunication)
	assert.Equal(t, PhaseAborted, s.Phase())

	// cleanup still ran and released the device
	assert.False(t, f.IsBusy())
	assert.Equal(t, 1, f.count("RestoreIdle"))

	// rows captured before the fault survive
	require.NotEmpty(t, s.Files())
	assert.GreaterOrEqual(t, countDataRows(t, s.Files()[0]), 1)
}

func TestPulseCancel(t *testing.T) {
	e, f, _ := newTestEngine(t)

	s, err := e.StartPulseTest(PulseParams{Count: 100, PulseSeconds: 300, RestSeconds: 300, PulseCurrent: 1})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	s.Cancel()

	err = s.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, PhaseAborted, s.Phase())
	assert.False(t, f.IsBusy())
	assert.Equal(t, 1, f.count("RestoreIdle"))
}

func TestSecondSessionRejectedWhileActive(t *testing.T) {
	e, _, _ := newTestEngine(t)

	s, err := e.StartPulseTest(PulseParams{Count: 2, PulseSeconds: 50, RestSeconds: 50, PulseCurrent: 1})
	require.NoError(t, err)

	_, err = e.StartPulseTest(PulseParams{Count: 1, PulseSeconds: 5, RestSeconds: 5, PulseCurrent: 1})
	assert.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, s.Wait())

	// terminal session no longer blocks
	s2, err := e.StartPulseTest(PulseParams{Count: 1, PulseSeconds: 2, RestSeconds: 2, PulseCurrent: 1})
	require.NoError(t, err)
	require.NoError(t, s2.Wait())
}

func TestStartRequiresConnection(t *testing.T) {
	e, f, _ := newTestEngine(t)
	f.connected = false

	_, err := e.StartPulseTest(PulseParams{Count: 1, PulseSeconds: 5, RestSeconds: 5, PulseCurrent: 1})
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestPlanSegmentsModeDerivation(t *testing.T) {
	segs, err := planSegments([]ProfilePoint{
		{TimeOffset: 0, Current: 0.5},
		{TimeOffset: 10, Current: 1.0},
		{TimeOffset: 20, Current: -0.5},
	}, 6)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	assert.Equal(t, ModeCharging, segs[0].mode)
	assert.Equal(t, ModeCharging, segs[1].mode)
	assert.Equal(t, ModeDischarging, segs[2].mode)
	// the initial switch plus one sign change
	assert.Equal(t, 2, countModeSwitches(segs))

	assert.Equal(t, 10.0, segs[0].dwell)
	assert.Equal(t, 10.0, segs[1].dwell)
	assert.Equal(t, 10.0, segs[2].dwell) // last dwell repeats the previous

	// magnitudes are unsigned
	assert.Equal(t, 0.5, segs[2].current)
}

func TestPlanSegmentsZeroCurrentKeepsMode(t *testing.T) {
	segs, err := planSegments([]ProfilePoint{
		{TimeOffset: 0, Current: -1},
		{TimeOffset: 5, Current: 0},
		{TimeOffset: 10, Current: -2},
	}, 6)
	require.NoError(t, err)
	assert.Equal(t, ModeDischarging, segs[1].mode)
	assert.Equal(t, 1, countModeSwitches(segs))
}

func TestPlanSegmentsRejections(t *testing.T) {
	_, err := planSegments(nil, 6)
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = planSegments([]ProfilePoint{
		{TimeOffset: 0, Current: 1},
		{TimeOffset: 0, Current: 2},
	}, 6)
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = planSegments([]ProfilePoint{{TimeOffset: 0, Current: -7}}, 6)
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestProfileRunSwitchesModesOnce(t *testing.T) {
	e, f, _ := newTestEngine(t)

	s, err := e.StartProfile(ProfileParams{Points: []ProfilePoint{
		{TimeOffset: 0, Current: 0.5},
		{TimeOffset: 10, Current: 1.0},
		{TimeOffset: 20, Current: -0.5},
	}})
	require.NoError(t, err)
	require.NoError(t, s.Wait())

	assert.Equal(t, PhaseCompleted, s.Phase())
	assert.Equal(t, 1, f.count("EnterPowerSupply"))
	assert.Equal(t, 1, f.count("EnterBatteryTest"))

	require.Len(t, s.Files(), 1)
	assert.Equal(t, 3, countDataRows(t, s.Files()[0])) // one row per segment
}

func TestProfileChargeVoltageBounds(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.StartProfile(ProfileParams{
		Points:        []ProfilePoint{{TimeOffset: 0, Current: 1}},
		ChargeVoltage: 50,
	})
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestLoadProfileCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.csv")
	require.NoError(t, os.WriteFile(path, []byte("time_s,current_a\n0,0.5\n10,-1.25\n"), 0o644))

	points, err := LoadProfileCSV(path)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, ProfilePoint{TimeOffset: 10, Current: -1.25}, points[1])

	require.NoError(t, os.WriteFile(path, []byte("0,abc\n"), 0o644))
	_, err = LoadProfileCSV(path)
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestModelRunExportRoundTrip(t *testing.T) {
	e, f, _ := newTestEngine(t)

	s, err := e.StartBatteryModel(ModelParams{ModelSlot: 3})
	require.NoError(t, err)
	require.NoError(t, s.Wait())

	assert.Equal(t, PhaseCompleted, s.Phase())
	assert.Equal(t, 1, f.count("GenerateModel"))
	assert.Equal(t, 1, f.count("RecallModel"))
	assert.Equal(t, 101, f.count("ModelRow"))

	// EVOC was probed while waiting out the discharge
	assert.GreaterOrEqual(t, f.count("MeasureEVOC"), 2)

	require.Len(t, s.Files(), 2)
	assert.Contains(t, filepath.Base(s.Files()[0]), "model_probes")
	assert.Contains(t, filepath.Base(s.Files()[1]), "battery_model_slot3")

	points, err := results.ReadModelCSV(s.Files()[1])
	require.NoError(t, err)
	require.Len(t, points, 101)
	assert.Equal(t, 0.0, points[0].SOC)
	assert.Equal(t, 100.0, points[100].SOC)
	assert.InDelta(t, 2.8, points[0].Voc, 1e-9)
	assert.InDelta(t, 4.2, points[100].Voc, 1e-9)
}

func TestModelValidation(t *testing.T) {
	e, f, _ := newTestEngine(t)

	cases := []ModelParams{
		{DischargeVoltage: 1.0},
		{DischargeEndCurrent: 5.0},
		{ModelSlot: 10},
		{ESRIntervalSeconds: 301},
		{VMin: 4.0, VMax: 3.0},
		{ChargeILimit: 50},
	}
	for _, p := range cases {
		_, err := e.StartBatteryModel(p)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	}
	assert.Empty(t, f.calls)
}

func TestModelDischargeTimeout(t *testing.T) {
	old := maxDischargeSeconds
	maxDischargeSeconds = 2
	defer func() { maxDischargeSeconds = old }()

	e, f, _ := newTestEngine(t)
	f.opActivePolls = 1 << 30 // never finishes

	s, err := e.StartBatteryModel(ModelParams{})
	require.NoError(t, err)

	err = s.Wait()
	assert.ErrorIs(t, err, ErrProcedureTimeout)
	assert.Equal(t, PhaseAborted, s.Phase())
	assert.False(t, f.IsBusy())
}

func TestSocPercentClamps(t *testing.T) {
	assert.Equal(t, 0.0, socPercent(2.0, 2.8, 4.2))
	assert.Equal(t, 100.0, socPercent(5.0, 2.8, 4.2))
	assert.InDelta(t, 50.0, socPercent(3.5, 2.8, 4.2), 1e-9)
}

func TestCommErrClassification(t *testing.T) {
	raw := errors.New("read tcp: i/o timeout")
	assert.ErrorIs(t, asCommErr(raw), device.ErrDeviceCommunication)

	already := asCommErr(raw)
	assert.Same(t, already, asCommErr(already))
	assert.NoError(t, asCommErr(nil))
}
