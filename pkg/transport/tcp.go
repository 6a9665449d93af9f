package transport

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TCP is a raw socket transport to an instrument's SCPI port. Commands and
// responses are newline-delimited.
type TCP struct {
	host        string
	port        int
	dialTimeout time.Duration

	conn net.Conn
	rd   *bufio.Reader
}

// NewTCP returns an unopened TCP transport.
func NewTCP(host string, port int, dialTimeout time.Duration) *TCP {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &TCP{
		host:        host,
		port:        port,
		dialTimeout: dialTimeout,
	}
}

func (t *TCP) addr() string {
	return net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
}

// Open dials the instrument.
func (t *TCP) Open() error {
	if t.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", t.addr(), t.dialTimeout)
	if err != nil {
		return pkgerrors.Wrapf(ErrResourceUnavailable, "dial %s: %v", t.addr(), err)
	}

	// Instrument exchanges are tiny; Nagle only adds latency here.
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	t.conn = conn
	t.rd = bufio.NewReader(conn)

	logrus.WithField("addr", t.addr()).Debug("tcp transport opened")
	return nil
}

// Close closes the socket. Safe to call repeatedly.
func (t *TCP) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.rd = nil
	return err
}

// Write sends one newline-terminated command.
func (t *TCP) Write(cmd string) error {
	if t.conn == nil {
		return ErrNotOpen
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.dialTimeout))
	_, err := t.conn.Write([]byte(strings.TrimSpace(cmd) + "\n"))
	if err != nil {
		return pkgerrors.Wrapf(err, "write %q to %s", cmd, t.addr())
	}
	return nil
}

// Read waits up to timeout for one response line.
func (t *TCP) Read(timeout time.Duration) (string, error) {
	if t.conn == nil {
		return "", ErrNotOpen
	}

	_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := t.rd.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", pkgerrors.Wrapf(ErrCommandTimeout, "read from %s after %v", t.addr(), timeout)
		}
		return "", pkgerrors.Wrapf(err, "read from %s", t.addr())
	}
	return strings.TrimSpace(line), nil
}

// Query pairs a write with a bounded read.
func (t *TCP) Query(cmd string, timeout time.Duration) (string, error) {
	if err := t.Write(cmd); err != nil {
		return "", err
	}
	return t.Read(timeout)
}
