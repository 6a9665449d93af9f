package daemon

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/battlab/battlab/pkg/device"
	"github.com/battlab/battlab/pkg/events"
	"github.com/battlab/battlab/pkg/instrument"
	"github.com/battlab/battlab/pkg/monitor"
	"github.com/battlab/battlab/pkg/results"
	"github.com/battlab/battlab/pkg/sequence"
	"github.com/battlab/battlab/pkg/transport"
	"github.com/battlab/battlab/pkg/types"
)

var (
	ErrDeviceExists      = pkgerrors.New("device id already registered")
	ErrDeviceNotFound    = pkgerrors.New("no such device")
	ErrNotABatteryTester = pkgerrors.New("device does not run test procedures")
)

// Registry owns the live device set: controllers, their sequence engines,
// and their membership in the monitoring set.
type Registry struct {
	specs map[instrument.Kind]*instrument.Spec
	sink  *results.Sink
	hub   *events.Hub
	mon   *monitor.Coordinator

	// newTransport builds transports from resource strings. Tests swap it.
	newTransport func(resource string, baud int) transport.Transport

	mu      sync.Mutex
	devices map[string]device.Controller
	engines map[string]*sequence.Engine
	kinds   map[string]instrument.Kind
}

func NewRegistry(specs map[instrument.Kind]*instrument.Spec, sink *results.Sink, hub *events.Hub, mon *monitor.Coordinator) *Registry {
	return &Registry{
		specs:        specs,
		sink:         sink,
		hub:          hub,
		mon:          mon,
		newTransport: buildTransport,
		devices:      make(map[string]device.Controller),
		engines:      make(map[string]*sequence.Engine),
		kinds:        make(map[string]instrument.Kind),
	}
}

// buildTransport picks a transport from the resource syntax: a VISA
// resource string, a host:port pair, or a serial device path.
func buildTransport(resource string, baud int) transport.Transport {
	if strings.HasPrefix(resource, "TCPIP") || strings.HasPrefix(resource, "USB") || strings.HasPrefix(resource, "GPIB") {
		return transport.NewVISA(resource, transport.VISAOptions{})
	}
	if host, port, ok := strings.Cut(resource, ":"); ok {
		if p, err := strconv.Atoi(port); err == nil {
			return transport.NewTCP(host, p, 0)
		}
	}
	return transport.NewSerial(resource, transport.SerialOptions{BaudRate: baud})
}

// Connect builds a controller for the request, connects it, and puts it
// into the monitoring set. On any failure nothing is registered.
func (r *Registry) Connect(req types.ConnectRequest) (device.Controller, error) {
	if req.ID == "" {
		return nil, pkgerrors.New("device id must not be empty")
	}
	spec, ok := r.specs[instrument.Kind(req.Kind)]
	if !ok {
		return nil, pkgerrors.Errorf("unknown device kind %q", req.Kind)
	}

	r.mu.Lock()
	if _, exists := r.devices[req.ID]; exists {
		r.mu.Unlock()
		return nil, pkgerrors.Wrap(ErrDeviceExists, req.ID)
	}
	r.mu.Unlock()

	tr := r.newTransport(req.Resource, req.BaudRate)

	var dev device.Controller
	switch spec.Kind {
	case instrument.KindKeithley2281S:
		dev = device.NewKeithley(req.ID, spec, tr)
	case instrument.KindSorensenSGX:
		dev = device.NewSorensen(req.ID, spec, tr)
	case instrument.KindProdigit34205A:
		dev = device.NewProdigit(req.ID, spec, tr)
	default:
		return nil, pkgerrors.Errorf("unknown device kind %q", req.Kind)
	}

	if err := dev.Connect(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.devices[req.ID]; exists {
		r.mu.Unlock()
		_ = dev.Disconnect()
		return nil, pkgerrors.Wrap(ErrDeviceExists, req.ID)
	}
	r.devices[req.ID] = dev
	r.kinds[req.ID] = spec.Kind
	if bt, ok := dev.(device.BatteryTester); ok {
		r.engines[req.ID] = sequence.New(bt, r.sink, r.hub)
	}
	r.mu.Unlock()

	r.mon.Register(dev)
	return dev, nil
}

// Disconnect removes a device. An active session is cancelled and waited
// out first so the instrument is left idle, not mid-procedure.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	dev, ok := r.devices[id]
	eng := r.engines[id]
	r.mu.Unlock()
	if !ok {
		return pkgerrors.Wrap(ErrDeviceNotFound, id)
	}

	if eng != nil {
		if s := eng.Active(); s != nil && !s.Phase().Terminal() {
			s.Cancel()
			_ = s.Wait()
		}
	}

	r.mon.Unregister(id)

	r.mu.Lock()
	delete(r.devices, id)
	delete(r.engines, id)
	delete(r.kinds, id)
	r.mu.Unlock()

	return dev.Disconnect()
}

// Get returns a controller by id.
func (r *Registry) Get(id string) (device.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return nil, pkgerrors.Wrap(ErrDeviceNotFound, id)
	}
	return dev, nil
}

// Engine returns the sequence engine of a battery-testing device.
func (r *Registry) Engine(id string) (*sequence.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return nil, pkgerrors.Wrap(ErrDeviceNotFound, id)
	}
	eng, ok := r.engines[id]
	if !ok {
		return nil, pkgerrors.Wrap(ErrNotABatteryTester, id)
	}
	return eng, nil
}

// List returns device infos sorted by id.
func (r *Registry) List() []types.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.DeviceInfo, 0, len(r.devices))
	for id, dev := range r.devices {
		info := describe(dev)
		info.Kind = string(r.kinds[id])
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns the latest session of every engine, running or
// terminal, sorted by device id.
func (r *Registry) Sessions() []*sequence.Session {
	r.mu.Lock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*sequence.Session, 0, len(ids))
	for _, id := range ids {
		if s := r.engines[id].Active(); s != nil {
			out = append(out, s)
		}
	}
	r.mu.Unlock()
	return out
}

// Session finds a session by id across all engines.
func (r *Registry) Session(id string) (*sequence.Session, bool) {
	for _, s := range r.Sessions() {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Shutdown disconnects everything, cancelling live sessions first.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Disconnect(id)
	}
}

func describe(dev device.Controller) types.DeviceInfo {
	info := types.DeviceInfo{
		ID:           dev.ID(),
		ModelName:    dev.ModelName(),
		Model:        dev.Model(),
		Connected:    dev.IsConnected(),
		Busy:         dev.IsBusy(),
		Availability: string(dev.Availability()),
		MaxVoltage:   dev.MaxVoltage(),
		MaxCurrent:   dev.MaxCurrent(),
	}
	return info
}
