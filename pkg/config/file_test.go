package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	assert.Equal(t, "results", f.ResultsDir())
	assert.Equal(t, 10, f.MonitorIntervalSeconds())
	assert.True(t, f.MonitorLogEnabled())
	assert.Equal(t, 3, f.UnresponsiveAfter())
	assert.False(t, f.AllowNonRootAccess())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	f, err := NewFile(path)
	require.NoError(t, err)
	f.SetResultsDir("/var/lib/battlab/results")
	f.SetMonitorIntervalSeconds(5)
	f.SetMonitorLogEnabled(false)
	f.SetUnresponsiveAfter(5)
	require.NoError(t, f.Save())

	g, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/battlab/results", g.ResultsDir())
	assert.Equal(t, 5, g.MonitorIntervalSeconds())
	assert.False(t, g.MonitorLogEnabled())
	assert.Equal(t, 5, g.UnresponsiveAfter())
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"monitorIntervalSeconds": 2}`), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, f.MonitorIntervalSeconds())
	assert.Equal(t, "results", f.ResultsDir())
}

func TestEmptyFileIsEmptyConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10, f.MonitorIntervalSeconds())
}

func TestMalformedFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := NewFile(path)
	assert.Error(t, err)
}

func TestSetterValidation(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{}, "")

	assert.Panics(t, func() { f.SetMonitorIntervalSeconds(0) })
	assert.Panics(t, func() { f.SetUnresponsiveAfter(0) })
	assert.Panics(t, func() { f.SetResultsDir("") })
}
