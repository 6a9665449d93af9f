package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battlab/battlab/pkg/device"
	"github.com/battlab/battlab/pkg/events"
	"github.com/battlab/battlab/pkg/results"
)

// fakeDevice is a Controller stub with a settable busy flag and a failing
// measurement mode.
type fakeDevice struct {
	id        string
	busy      atomic.Bool
	connected atomic.Bool
	failMeas  atomic.Bool
	measured  atomic.Int64
}

func newFakeDevice(id string) *fakeDevice {
	d := &fakeDevice{id: id}
	d.connected.Store(true)
	return d
}

func (d *fakeDevice) ID() string        { return d.id }
func (d *fakeDevice) ModelName() string { return "Fake" }
func (d *fakeDevice) Model() string     { return "FAKE,0,0,0" }
func (d *fakeDevice) Connect() error    { d.connected.Store(true); return nil }
func (d *fakeDevice) Disconnect() error { d.connected.Store(false); return nil }
func (d *fakeDevice) IsConnected() bool { return d.connected.Load() }
func (d *fakeDevice) IsBusy() bool      { return d.busy.Load() }
func (d *fakeDevice) SetBusy(b bool)    { d.busy.Store(b) }

func (d *fakeDevice) IsAvailableForMonitoring() bool {
	return d.connected.Load() && !d.busy.Load()
}

func (d *fakeDevice) Availability() device.Availability {
	if !d.connected.Load() {
		return device.AvailabilityDisconnected
	}
	if d.busy.Load() {
		return device.AvailabilityBusy
	}
	return device.AvailabilityAvailable
}

func (d *fakeDevice) Measurements() (device.Measurement, error) {
	if d.failMeas.Load() {
		return device.Measurement{}, errors.New("injected measurement failure")
	}
	d.measured.Add(1)
	return device.Measurement{
		Timestamp: time.Now(),
		DeviceID:  d.id,
		Voltage:   12.0,
		Current:   1.5,
		Power:     18.0,
	}, nil
}

func (d *fakeDevice) MaxVoltage() float64 { return 20 }
func (d *fakeDevice) MaxCurrent() float64 { return 6 }

var _ device.Controller = (*fakeDevice)(nil)

func newTestCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()
	dir := t.TempDir()
	sink, err := results.NewSink(dir)
	require.NoError(t, err)
	return New(sink, events.NewHub()), dir
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBusyDeviceIsSkippedNotWaitedOn(t *testing.T) {
	c, _ := newTestCoordinator(t)

	free1 := newFakeDevice("supply")
	free2 := newFakeDevice("load")
	busy := newFakeDevice("tester")
	busy.SetBusy(true)
	c.Register(free1)
	c.Register(free2)
	c.Register(busy)

	require.NoError(t, c.Start(5*time.Millisecond))
	defer c.Stop()

	waitFor(t, func() bool {
		return free1.measured.Load() >= 2 && free2.measured.Load() >= 2
	})
	latest := c.Latest()
	require.Len(t, latest, 3)
	assert.Equal(t, StatusAvailable, latest["supply"].Status)
	assert.Equal(t, StatusAvailable, latest["load"].Status)
	assert.Equal(t, StatusBusy, latest["tester"].Status)

	// the busy device was never measured
	assert.Zero(t, busy.measured.Load())

	// releasing the device brings it back into the measured set
	busy.SetBusy(false)
	waitFor(t, func() bool { return busy.measured.Load() >= 1 })
}

func TestUnresponsiveAfterConsecutiveFailures(t *testing.T) {
	c, _ := newTestCoordinator(t)

	d := newFakeDevice("flaky")
	d.failMeas.Store(true)
	c.Register(d)

	require.NoError(t, c.Start(3*time.Millisecond))
	defer c.Stop()

	waitFor(t, func() bool { return c.Latest()["flaky"].Status == StatusUnresponsive })

	// one good poll recovers the device
	d.failMeas.Store(false)
	waitFor(t, func() bool { return c.Latest()["flaky"].Status == StatusAvailable })

	// and the failure streak restarts from zero
	c.Stop()
	d.failMeas.Store(true)
	assert.Equal(t, StatusError, c.poll(d).Status)
}

func TestDisconnectedPlaceholder(t *testing.T) {
	c, _ := newTestCoordinator(t)

	d := newFakeDevice("idle")
	require.NoError(t, d.Disconnect())
	c.Register(d)

	require.NoError(t, c.Start(3*time.Millisecond))
	defer c.Stop()

	waitFor(t, func() bool { return c.Latest()["idle"].Status == StatusDisconnected })
	assert.Zero(t, d.measured.Load())
}

func TestMonitoringLogRows(t *testing.T) {
	c, dir := newTestCoordinator(t)

	busy := newFakeDevice("tester")
	busy.SetBusy(true)
	d := newFakeDevice("supply")
	c.Register(d)
	c.Register(busy)

	require.NoError(t, c.Start(3*time.Millisecond))
	waitFor(t, func() bool { return d.measured.Load() >= 2 })
	c.Stop()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var path string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "monitoring_log") {
			path = filepath.Join(dir, e.Name())
		}
	}
	require.NotEmpty(t, path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Greater(t, len(lines), 2)
	assert.Equal(t, "timestamp,deviceId,status,volt_v,curr_a,power_w", lines[0])

	var sawAvailable, sawBusy bool
	for _, l := range lines[1:] {
		fields := strings.Split(l, ",")
		require.Len(t, fields, 6)
		switch fields[2] {
		case string(StatusAvailable):
			sawAvailable = true
			assert.Equal(t, "12.000000", fields[3])
		case string(StatusBusy):
			sawBusy = true
			// no measurement columns for a skipped device
			assert.Empty(t, fields[3])
		}
	}
	assert.True(t, sawAvailable)
	assert.True(t, sawBusy)
}

func TestStartStopLifecycle(t *testing.T) {
	c, _ := newTestCoordinator(t)

	require.NoError(t, c.Start(time.Millisecond))
	assert.True(t, c.Running())
	assert.ErrorIs(t, c.Start(time.Millisecond), ErrAlreadyRunning)

	c.Stop()
	assert.False(t, c.Running())
	c.Stop() // no-op

	require.NoError(t, c.Start(time.Millisecond))
	c.Stop()
}

func TestUnregisterDropsReading(t *testing.T) {
	c, _ := newTestCoordinator(t)

	d := newFakeDevice("supply")
	c.Register(d)
	require.NoError(t, c.Start(3*time.Millisecond))
	waitFor(t, func() bool { return d.measured.Load() >= 1 })

	c.Unregister("supply")
	assert.NotContains(t, c.Latest(), "supply")
	c.Stop()
}
