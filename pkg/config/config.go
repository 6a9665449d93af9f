package config

type Config interface {
	ResultsDir() string
	MonitorIntervalSeconds() int
	MonitorLogEnabled() bool
	UnresponsiveAfter() int
	DeviceSpecsPath() string
	AllowNonRootAccess() bool

	SetResultsDir(string)
	SetMonitorIntervalSeconds(int)
	SetMonitorLogEnabled(bool)
	SetUnresponsiveAfter(int)
	SetDeviceSpecsPath(string)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
