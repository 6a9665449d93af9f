// Package monitor polls registered devices at a fixed interval. The rule is
// skip, never wait: a busy device gets a Busy record without any transport
// I/O, so a running test procedure is never disturbed and one slow device
// never stalls the others.
package monitor

import (
	"strconv"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/battlab/battlab/pkg/device"
	"github.com/battlab/battlab/pkg/events"
	"github.com/battlab/battlab/pkg/results"
)

// defaultUnresponsiveAfter is how many consecutive poll failures mark a
// device Unresponsive.
const defaultUnresponsiveAfter = 3

var logHeader = []string{"timestamp", "deviceId", "status", "volt_v", "curr_a", "power_w"}

const logTimestampLayout = "2006-01-02 15:04:05.000"

// Status of one device as seen by the poller.
type Status string

const (
	StatusAvailable    Status = "Available"
	StatusBusy         Status = "Busy"
	StatusDisconnected Status = "Disconnected"
	StatusError        Status = "Error"
	StatusUnresponsive Status = "Unresponsive"
)

// Reading is the latest poll result for one device. Measurement is only
// meaningful when Status is Available.
type Reading struct {
	Timestamp   time.Time          `json:"timestamp"`
	DeviceID    string             `json:"deviceId"`
	Status      Status             `json:"status"`
	Measurement device.Measurement `json:"measurement,omitempty"`
}

var ErrAlreadyRunning = pkgerrors.New("monitor already running")

// Coordinator owns the polling loop over a registry of controllers.
type Coordinator struct {
	hub  *events.Hub
	sink *results.Sink

	// UnresponsiveAfter overrides the consecutive-failure threshold when
	// positive. Set it before Start.
	UnresponsiveAfter int

	mu       sync.Mutex
	devices  map[string]device.Controller
	latest   map[string]Reading
	failures map[string]int
	log      *results.Writer
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New returns a stopped coordinator. sink may be nil to disable the
// monitoring log; hub may be nil.
func New(sink *results.Sink, hub *events.Hub) *Coordinator {
	return &Coordinator{
		hub:      hub,
		sink:     sink,
		devices:  make(map[string]device.Controller),
		latest:   make(map[string]Reading),
		failures: make(map[string]int),
	}
}

// Register adds a controller to the polling set. Registering an ID twice
// replaces the previous controller.
func (c *Coordinator) Register(dev device.Controller) {
	c.mu.Lock()
	c.devices[dev.ID()] = dev
	c.mu.Unlock()
}

// Unregister removes a controller and its last reading.
func (c *Coordinator) Unregister(id string) {
	c.mu.Lock()
	delete(c.devices, id)
	delete(c.latest, id)
	delete(c.failures, id)
	c.mu.Unlock()
}

// Running reports whether the polling loop is live.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

// Start launches the polling loop. It fails if already running.
func (c *Coordinator) Start(interval time.Duration) error {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.sink != nil {
		w, err := c.sink.Create("monitoring_log", logHeader)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.log = w
	}
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	logrus.WithField("interval", interval).Info("monitor started")
	c.hub.Publish(events.MonitorStarted, map[string]any{"intervalMs": interval.Milliseconds()})

	c.wg.Add(1)
	go c.loop(interval, stop)
	return nil
}

// Stop halts the loop and closes the monitoring log. Stopping a stopped
// coordinator is a no-op.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop == nil {
		return
	}

	close(stop)
	c.wg.Wait()

	c.mu.Lock()
	if c.log != nil {
		if err := c.log.Close(); err != nil {
			logrus.WithError(err).Warn("closing monitoring log")
		}
		c.log = nil
	}
	c.mu.Unlock()

	logrus.Info("monitor stopped")
	c.hub.Publish(events.MonitorStopped, struct{}{})
}

// Latest returns a snapshot of the last reading per device.
func (c *Coordinator) Latest() map[string]Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Reading, len(c.latest))
	for id, r := range c.latest {
		out[id] = r
	}
	return out
}

func (c *Coordinator) loop(interval time.Duration, stop <-chan struct{}) {
	defer c.wg.Done()

	t := time.NewTicker(interval)
	defer t.Stop()

	c.tick()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.tick()
		}
	}
}

// tick polls every registered device in parallel and waits for the slowest
// one. A device that stays busy the whole tick just keeps its Busy status.
func (c *Coordinator) tick() {
	c.mu.Lock()
	devs := make([]device.Controller, 0, len(c.devices))
	for _, d := range c.devices {
		devs = append(devs, d)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range devs {
		wg.Add(1)
		go func(d device.Controller) {
			defer wg.Done()
			c.record(c.poll(d))
		}(d)
	}
	wg.Wait()
}

func (c *Coordinator) threshold() int {
	if c.UnresponsiveAfter > 0 {
		return c.UnresponsiveAfter
	}
	return defaultUnresponsiveAfter
}

// poll produces one reading. Only the Available path touches the transport.
func (c *Coordinator) poll(d device.Controller) Reading {
	r := Reading{Timestamp: time.Now(), DeviceID: d.ID()}

	switch d.Availability() {
	case device.AvailabilityDisconnected:
		r.Status = StatusDisconnected
		return r
	case device.AvailabilityBusy:
		r.Status = StatusBusy
		return r
	}

	m, err := d.Measurements()
	if err != nil {
		c.mu.Lock()
		c.failures[d.ID()]++
		n := c.failures[d.ID()]
		c.mu.Unlock()

		logrus.WithError(err).WithFields(logrus.Fields{
			"device":   d.ID(),
			"failures": n,
		}).Warn("monitor poll failed")

		if n >= c.threshold() {
			r.Status = StatusUnresponsive
		} else {
			r.Status = StatusError
		}
		return r
	}

	c.mu.Lock()
	c.failures[d.ID()] = 0
	c.mu.Unlock()
	r.Status = StatusAvailable
	r.Measurement = m
	return r
}

func (c *Coordinator) record(r Reading) {
	c.mu.Lock()
	c.latest[r.DeviceID] = r
	log := c.log
	c.mu.Unlock()

	if log == nil {
		return
	}

	volt, curr, power := "", "", ""
	if r.Status == StatusAvailable {
		volt = strconv.FormatFloat(r.Measurement.Voltage, 'f', 6, 64)
		curr = strconv.FormatFloat(r.Measurement.Current, 'f', 6, 64)
		power = strconv.FormatFloat(r.Measurement.Power, 'f', 6, 64)
	}
	if err := log.Append(
		r.Timestamp.Format(logTimestampLayout),
		r.DeviceID,
		string(r.Status),
		volt, curr, power,
	); err != nil {
		logrus.WithError(err).Warn("appending monitoring log")
	}
}
