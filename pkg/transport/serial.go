package transport

import (
	"strings"
	"time"

	"github.com/goburrow/serial"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// readSlice is the per-call timeout of the underlying serial port. Read
// accumulates slices until its own deadline so callers get a per-request
// timeout on top of it.
const readSlice = 100 * time.Millisecond

// Serial is a line-delimited RS-232 transport.
type Serial struct {
	cfg  serial.Config
	port serial.Port
}

// SerialOptions carry the port parameters. Zero values take the defaults of
// the instruments this was written for (9600 8N1).
type SerialOptions struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E", "O"
}

// NewSerial returns an unopened serial transport for the named port
// (e.g. /dev/ttyUSB0, COM3).
func NewSerial(address string, opts SerialOptions) *Serial {
	if opts.BaudRate == 0 {
		opts.BaudRate = 9600
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.Parity == "" {
		opts.Parity = "N"
	}
	return &Serial{
		cfg: serial.Config{
			Address:  address,
			BaudRate: opts.BaudRate,
			DataBits: opts.DataBits,
			StopBits: opts.StopBits,
			Parity:   opts.Parity,
			Timeout:  readSlice,
		},
	}
}

// Open opens the port.
func (s *Serial) Open() error {
	if s.port != nil {
		return nil
	}

	port, err := serial.Open(&s.cfg)
	if err != nil {
		return pkgerrors.Wrapf(ErrResourceUnavailable, "open serial port %s: %v", s.cfg.Address, err)
	}
	s.port = port

	logrus.WithFields(logrus.Fields{
		"port": s.cfg.Address,
		"baud": s.cfg.BaudRate,
	}).Debug("serial transport opened")
	return nil
}

// Close closes the port. Safe to call repeatedly.
func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Write sends one CRLF-terminated command.
func (s *Serial) Write(cmd string) error {
	if s.port == nil {
		return ErrNotOpen
	}
	_, err := s.port.Write([]byte(strings.TrimSpace(cmd) + "\r\n"))
	if err != nil {
		return pkgerrors.Wrapf(err, "write %q to %s", cmd, s.cfg.Address)
	}
	return nil
}

// Read accumulates bytes until a newline or the deadline.
func (s *Serial) Read(timeout time.Duration) (string, error) {
	if s.port == nil {
		return "", ErrNotOpen
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 64)
	one := make([]byte, 64)

	for {
		n, err := s.port.Read(one)
		if n > 0 {
			buf = append(buf, one[:n]...)
			if i := strings.IndexByte(string(buf), '\n'); i >= 0 {
				return strings.TrimSpace(string(buf[:i])), nil
			}
		}
		if err != nil && err != serial.ErrTimeout {
			return "", pkgerrors.Wrapf(err, "read from %s", s.cfg.Address)
		}
		if time.Now().After(deadline) {
			return "", pkgerrors.Wrapf(ErrCommandTimeout, "read from %s after %v", s.cfg.Address, timeout)
		}
	}
}

// Query pairs a write with a bounded read.
func (s *Serial) Query(cmd string, timeout time.Duration) (string, error) {
	if err := s.Write(cmd); err != nil {
		return "", err
	}
	return s.Read(timeout)
}
