package transport

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInstrument answers *IDN? and echoes everything else prefixed with
// "ack ". Commands containing "SLOW" are never answered.
func fakeInstrument(t *testing.T) net.Listener {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				rd := bufio.NewReader(c)
				for {
					line, err := rd.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.TrimSpace(line)
					switch {
					case cmd == "*IDN?":
						_, _ = c.Write([]byte("FAKE INSTRUMENTS,MODEL 1,0,1.0\n"))
					case strings.Contains(cmd, "SLOW"):
						// no response on purpose
					default:
						_, _ = c.Write([]byte("ack " + cmd + "\n"))
					}
				}
			}(conn)
		}
	}()

	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestTCPQuery(t *testing.T) {
	l := fakeInstrument(t)
	addr := l.Addr().(*net.TCPAddr)

	tr := NewTCP("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, tr.Open())
	defer tr.Close()

	resp, err := tr.Query("*IDN?", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "FAKE INSTRUMENTS,MODEL 1,0,1.0", resp)

	resp, err = tr.Query("MEAS:VOLT?", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ack MEAS:VOLT?", resp)
}

func TestTCPQueryTimeout(t *testing.T) {
	l := fakeInstrument(t)
	addr := l.Addr().(*net.TCPAddr)

	tr := NewTCP("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, tr.Open())
	defer tr.Close()

	_, err := tr.Query("SLOW?", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandTimeout))
}

func TestTCPOpenUnreachable(t *testing.T) {
	// A listener that is immediately closed gives us a port nobody answers.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	tr := NewTCP("127.0.0.1", port, 200*time.Millisecond)
	err = tr.Open()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceUnavailable))
}

func TestTCPCloseIdempotent(t *testing.T) {
	l := fakeInstrument(t)
	addr := l.Addr().(*net.TCPAddr)

	tr := NewTCP("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, tr.Open())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.Equal(t, ErrNotOpen, tr.Write("OUTP OFF"))
}
