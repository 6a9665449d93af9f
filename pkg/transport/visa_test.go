package transport

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVISAParseResource(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{
			name:     "tcpip socket",
			resource: "TCPIP0::192.168.0.10::5025::SOCKET",
			wantHost: "192.168.0.10",
			wantPort: 5025,
		},
		{
			name:     "tcpip socket custom port",
			resource: "TCPIP0::emu-bench-1::9001::SOCKET",
			wantHost: "emu-bench-1",
			wantPort: 9001,
		},
		{
			name:     "tcpip instr",
			resource: "TCPIP0::192.168.0.10::INSTR",
			wantHost: "192.168.0.10",
			wantPort: scpiRawPort,
		},
		{
			name:     "usb instr needs vendor visa",
			resource: "USB0::1510::8833::4587429::0::INSTR",
			wantErr:  true,
		},
		{
			name:     "gpib",
			resource: "GPIB0::22::INSTR",
			wantErr:  true,
		},
		{
			name:     "garbage",
			resource: "not a resource",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVISA(tt.resource, VISAOptions{})
			err := v.parseResource()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrResourceUnavailable))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, v.host)
			assert.Equal(t, tt.wantPort, v.port)
		})
	}
}

func TestVISATerminators(t *testing.T) {
	l := fakeInstrument(t)
	addr := l.Addr().(*net.TCPAddr)

	v := NewVISA(
		"TCPIP0::127.0.0.1::"+strconv.Itoa(addr.Port)+"::SOCKET",
		VISAOptions{ReadTermination: "\n", WriteTermination: "\n"},
	)
	require.NoError(t, v.Open())
	defer v.Close()

	resp, err := v.Query("*IDN?", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "FAKE INSTRUMENTS,MODEL 1,0,1.0", resp)
}
