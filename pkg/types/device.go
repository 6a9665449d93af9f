package types

import "time"

// ConnectRequest asks the daemon to open a device.
type ConnectRequest struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Resource string `json:"resource"`
	// BaudRate applies to serial resources only. Zero means the default.
	BaudRate int `json:"baudRate,omitempty"`
}

// DeviceInfo is the daemon's view of one registered device.
// This struct is shared between the daemon and client packages.
type DeviceInfo struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	ModelName    string  `json:"modelName"`
	Model        string  `json:"model,omitempty"`
	Connected    bool    `json:"connected"`
	Busy         bool    `json:"busy"`
	Availability string  `json:"availability"`
	MaxVoltage   float64 `json:"maxVoltage"`
	MaxCurrent   float64 `json:"maxCurrent"`
}

// SessionStatus is a client-facing snapshot of a test session.
type SessionStatus struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Procedure string    `json:"procedure"`
	Phase     string    `json:"phase"`
	Step      int       `json:"step"`
	Steps     int       `json:"steps"`
	StartedAt time.Time `json:"startedAt"`
	Error     string    `json:"error,omitempty"`
	Files     []string  `json:"files,omitempty"`
}
