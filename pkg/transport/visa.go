package transport

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// scpiRawPort is the conventional raw-SCPI listener of TCPIP::INSTR class
// instruments.
const scpiRawPort = 5025

// VISA is a message-based instrument-bus transport addressed by a VISA
// resource string. Supported classes are TCPIP sockets
// ("TCPIP0::1.2.3.4::5025::SOCKET") and TCPIP instruments
// ("TCPIP0::1.2.3.4::INSTR", reached on the raw SCPI port). USB and GPIB
// resources need a vendor VISA library and are reported unavailable.
type VISA struct {
	resource    string
	readTerm    string
	writeTerm   string
	dialTimeout time.Duration

	host string
	port int

	conn net.Conn
	rd   *bufio.Reader
}

// VISAOptions carry the terminator configuration. Empty terminators default
// to "\n" on both directions.
type VISAOptions struct {
	ReadTermination  string
	WriteTermination string
	DialTimeout      time.Duration
}

// NewVISA returns an unopened bus transport for the given resource string.
func NewVISA(resource string, opts VISAOptions) *VISA {
	if opts.ReadTermination == "" {
		opts.ReadTermination = "\n"
	}
	if opts.WriteTermination == "" {
		opts.WriteTermination = "\n"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &VISA{
		resource:    resource,
		readTerm:    opts.ReadTermination,
		writeTerm:   opts.WriteTermination,
		dialTimeout: opts.DialTimeout,
	}
}

// Resource returns the resource string this transport was built from.
func (v *VISA) Resource() string { return v.resource }

// parseResource fills host/port from the resource string.
func (v *VISA) parseResource() error {
	parts := strings.Split(v.resource, "::")
	if len(parts) < 2 || !strings.HasPrefix(strings.ToUpper(parts[0]), "TCPIP") {
		return pkgerrors.Wrapf(ErrResourceUnavailable,
			"resource %q: only TCPIP resources are reachable without a vendor VISA library", v.resource)
	}

	v.host = parts[1]
	v.port = scpiRawPort

	last := strings.ToUpper(parts[len(parts)-1])
	switch last {
	case "SOCKET":
		if len(parts) < 4 {
			return pkgerrors.Wrapf(ErrResourceUnavailable, "resource %q: missing port", v.resource)
		}
		p, err := strconv.Atoi(parts[2])
		if err != nil {
			return pkgerrors.Wrapf(ErrResourceUnavailable, "resource %q: bad port %q", v.resource, parts[2])
		}
		v.port = p
	case "INSTR":
		// raw SCPI port
	default:
		return pkgerrors.Wrapf(ErrResourceUnavailable, "resource %q: unsupported class %q", v.resource, last)
	}

	return nil
}

// Open resolves the resource string and connects.
func (v *VISA) Open() error {
	if v.conn != nil {
		return nil
	}
	if err := v.parseResource(); err != nil {
		return err
	}

	addr := net.JoinHostPort(v.host, strconv.Itoa(v.port))
	conn, err := net.DialTimeout("tcp", addr, v.dialTimeout)
	if err != nil {
		return pkgerrors.Wrapf(ErrResourceUnavailable, "open resource %q (%s): %v", v.resource, addr, err)
	}

	v.conn = conn
	v.rd = bufio.NewReader(conn)

	logrus.WithField("resource", v.resource).Debug("visa transport opened")
	return nil
}

// Close closes the connection. Safe to call repeatedly.
func (v *VISA) Close() error {
	if v.conn == nil {
		return nil
	}
	err := v.conn.Close()
	v.conn = nil
	v.rd = nil
	return err
}

// Write sends one command with the configured write terminator.
func (v *VISA) Write(cmd string) error {
	if v.conn == nil {
		return ErrNotOpen
	}

	_ = v.conn.SetWriteDeadline(time.Now().Add(v.dialTimeout))
	_, err := v.conn.Write([]byte(strings.TrimSpace(cmd) + v.writeTerm))
	if err != nil {
		return pkgerrors.Wrapf(err, "write %q to %s", cmd, v.resource)
	}
	return nil
}

// Read waits up to timeout for one message ending in the read terminator.
func (v *VISA) Read(timeout time.Duration) (string, error) {
	if v.conn == nil {
		return "", ErrNotOpen
	}

	_ = v.conn.SetReadDeadline(time.Now().Add(timeout))
	term := v.readTerm[len(v.readTerm)-1]
	msg, err := v.rd.ReadString(term)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", pkgerrors.Wrapf(ErrCommandTimeout, "read from %s after %v", v.resource, timeout)
		}
		return "", pkgerrors.Wrapf(err, "read from %s", v.resource)
	}
	return strings.TrimSpace(strings.TrimSuffix(msg, v.readTerm)), nil
}

// Query pairs a write with a bounded read.
func (v *VISA) Query(cmd string, timeout time.Duration) (string, error) {
	if err := v.Write(cmd); err != nil {
		return "", err
	}
	return v.Read(timeout)
}
