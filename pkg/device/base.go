package device

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/battlab/battlab/pkg/instrument"
	"github.com/battlab/battlab/pkg/transport"
)

// defaultQueryTimeout bounds every query a controller issues.
const defaultQueryTimeout = 5 * time.Second

// base carries the state and plumbing shared by every controller variant.
//
// The busy flag is the single piece of state shared between the monitoring
// worker and a sequence-engine worker, so it is an atomic, not a plain
// field. The connection state is likewise read across workers.
type base struct {
	id   string
	spec *instrument.Spec
	tr   transport.Transport

	state atomic.Int32
	busy  atomic.Bool

	// io serializes transport access. A channel carries one in-flight
	// request at a time; without this a monitor poll and an API measurement
	// on the same controller would interleave their write/read pairs and
	// consume each other's replies.
	io sync.Mutex

	mu    sync.Mutex // guards model
	model string

	queryTimeout time.Duration
}

func newBase(id string, spec *instrument.Spec, tr transport.Transport) base {
	return base{
		id:           id,
		spec:         spec,
		tr:           tr,
		queryTimeout: defaultQueryTimeout,
	}
}

func (b *base) ID() string        { return b.id }
func (b *base) ModelName() string { return b.spec.Name }

func (b *base) Model() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

func (b *base) State() ConnState  { return ConnState(b.state.Load()) }
func (b *base) IsConnected() bool { return b.State() == StateConnected }

func (b *base) IsBusy() bool   { return b.busy.Load() }
func (b *base) SetBusy(v bool) { b.busy.Store(v) }

// IsAvailableForMonitoring is the central fix for the "device appears
// frozen" failure mode: an instrument mid-procedure declares itself busy
// instead of letting the monitor time out on it.
func (b *base) IsAvailableForMonitoring() bool {
	return b.IsConnected() && !b.IsBusy()
}

func (b *base) Availability() Availability {
	if !b.IsConnected() {
		return AvailabilityDisconnected
	}
	if b.IsBusy() {
		return AvailabilityBusy
	}
	return AvailabilityAvailable
}

func (b *base) MaxVoltage() float64 { return b.spec.MaxVoltage }
func (b *base) MaxCurrent() float64 { return b.spec.MaxCurrent }

// Connect opens the transport, identifies the instrument and puts it in
// remote mode when the model supports it.
func (b *base) Connect() error {
	if b.IsConnected() {
		return nil
	}

	b.state.Store(int32(StateConnecting))
	if err := b.tr.Open(); err != nil {
		b.state.Store(int32(StateError))
		return err
	}
	b.state.Store(int32(StateConnected))

	b.identify()
	if cmd, ok := b.spec.Command(instrument.CmdRemoteMode); ok {
		b.io.Lock()
		err := b.tr.Write(cmd)
		b.io.Unlock()
		if err != nil {
			logrus.WithError(err).WithField("device", b.id).Warn("failed to enter remote mode")
		}
	}

	logrus.WithFields(logrus.Fields{
		"device": b.id,
		"model":  b.Model(),
	}).Info("device connected")
	return nil
}

// Disconnect turns the output off and returns the instrument to local mode
// on a best-effort basis, then closes the transport. Idempotent.
func (b *base) Disconnect() error {
	if b.State() == StateDisconnected {
		return nil
	}

	b.io.Lock()
	for _, name := range []string{instrument.CmdOutputOff, instrument.CmdLoadOff, instrument.CmdLocalMode} {
		if cmd, ok := b.spec.Command(name); ok {
			_ = b.tr.Write(cmd)
		}
	}
	err := b.tr.Close()
	b.io.Unlock()

	if err != nil {
		b.state.Store(int32(StateError))
	} else {
		b.state.Store(int32(StateDisconnected))
	}
	logrus.WithField("device", b.id).Info("device disconnected")
	return err
}

func (b *base) identify() {
	cmd, ok := b.spec.Command(instrument.CmdIdentify)
	if !ok {
		return
	}
	b.io.Lock()
	resp, err := b.tr.Query(cmd, b.queryTimeout)
	b.io.Unlock()
	if err != nil || resp == "" {
		resp = "Unknown"
	}
	b.mu.Lock()
	b.model = resp
	b.mu.Unlock()
}

// command resolves an operation's template and formats args into it. No I/O.
func (b *base) command(name string, args ...interface{}) (string, error) {
	if !b.IsConnected() {
		return "", ErrNotConnected
	}
	tmpl, ok := b.spec.Command(name)
	if !ok {
		return "", pkgerrors.Wrapf(ErrUnsupported, "%s on %s", name, b.spec.Name)
	}
	if len(args) > 0 {
		return fmt.Sprintf(tmpl, args...), nil
	}
	return tmpl, nil
}

// send transmits an operation's command, formatting args into its template.
func (b *base) send(name string, args ...interface{}) error {
	cmd, err := b.command(name, args...)
	if err != nil {
		return err
	}
	b.io.Lock()
	defer b.io.Unlock()
	return b.tr.Write(cmd)
}

// query transmits an operation's command and returns the response.
func (b *base) query(name string, args ...interface{}) (string, error) {
	cmd, err := b.command(name, args...)
	if err != nil {
		return "", err
	}
	b.io.Lock()
	defer b.io.Unlock()
	return b.tr.Query(cmd, b.queryTimeout)
}

// queryFloat queries an operation and parses the response as one float.
func (b *base) queryFloat(name string, args ...interface{}) (float64, error) {
	b.io.Lock()
	defer b.io.Unlock()
	return b.readFloat(name, args...)
}

// readFloat is queryFloat with the io lock already held.
func (b *base) readFloat(name string, args ...interface{}) (float64, error) {
	cmd, err := b.command(name, args...)
	if err != nil {
		return 0, pkgerrors.Wrapf(ErrDeviceCommunication, "%s: %v", name, err)
	}
	resp, err := b.tr.Query(cmd, b.queryTimeout)
	if err != nil {
		return 0, pkgerrors.Wrapf(ErrDeviceCommunication, "%s: %v", name, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(ErrDeviceCommunication, "%s: unparseable response %q", name, resp)
	}
	return v, nil
}

// checkVoltage validates a setpoint against the model limits before any
// transport I/O happens.
func (b *base) checkVoltage(v float64) error {
	if v < 0 || v > b.spec.MaxVoltage {
		return pkgerrors.Wrapf(ErrParameterOutOfRange,
			"voltage %.3f V outside [0, %.3f] for %s", v, b.spec.MaxVoltage, b.spec.Name)
	}
	return nil
}

func (b *base) checkCurrent(a float64) error {
	if a < 0 || a > b.spec.MaxCurrent {
		return pkgerrors.Wrapf(ErrParameterOutOfRange,
			"current %.3f A outside [0, %.3f] for %s", a, b.spec.MaxCurrent, b.spec.Name)
	}
	return nil
}

func (b *base) checkPower(w float64) error {
	if b.spec.MaxPower <= 0 {
		return nil
	}
	if w < 0 || w > b.spec.MaxPower {
		return pkgerrors.Wrapf(ErrParameterOutOfRange,
			"power %.1f W outside [0, %.1f] for %s", w, b.spec.MaxPower, b.spec.Name)
	}
	return nil
}

// Measurements reads voltage and current (and power where the model reports
// it; computed otherwise) as one snapshot. The io lock is held for the whole
// snapshot so the reads cannot interleave with another caller's commands.
func (b *base) Measurements() (Measurement, error) {
	b.io.Lock()
	defer b.io.Unlock()

	v, err := b.readFloat(instrument.CmdMeasureVoltage)
	if err != nil {
		return Measurement{}, err
	}
	i, err := b.readFloat(instrument.CmdMeasureCurrent)
	if err != nil {
		return Measurement{}, err
	}

	p := v * i
	if _, ok := b.spec.Command(instrument.CmdMeasurePower); ok {
		if mp, err := b.readFloat(instrument.CmdMeasurePower); err == nil {
			p = mp
		}
	}

	return Measurement{
		Timestamp: time.Now(),
		DeviceID:  b.id,
		Voltage:   v,
		Current:   i,
		Power:     p,
	}, nil
}
