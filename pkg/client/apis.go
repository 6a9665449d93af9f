package client

import (
	"encoding/json"
	"net/url"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/battlab/battlab/pkg/device"
	"github.com/battlab/battlab/pkg/monitor"
	"github.com/battlab/battlab/pkg/sequence"
	"github.com/battlab/battlab/pkg/types"
)

func (c *Client) ConnectDevice(req types.ConnectRequest) (*types.DeviceInfo, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ret, err := c.Post("/devices", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect device %s", req.ID)
	}

	var info types.DeviceInfo
	if err := json.Unmarshal([]byte(ret), &info); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal device info")
	}
	return &info, nil
}

func (c *Client) DisconnectDevice(id string) (string, error) {
	return c.Delete("/devices/" + url.PathEscape(id))
}

func (c *Client) GetDevices() ([]types.DeviceInfo, error) {
	ret, err := c.Get("/devices")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list devices")
	}

	var infos []types.DeviceInfo
	if err := json.Unmarshal([]byte(ret), &infos); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal device list")
	}
	return infos, nil
}

func (c *Client) GetMeasurements(id string) (*device.Measurement, error) {
	ret, err := c.Get("/devices/" + url.PathEscape(id) + "/measurements")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get measurements of %s", id)
	}

	var m device.Measurement
	if err := json.Unmarshal([]byte(ret), &m); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal measurements")
	}
	return &m, nil
}

func (c *Client) GetMonitor() (bool, error) {
	ret, err := c.Get("/monitor")
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to get monitor state")
	}
	return parseBoolResponse(ret)
}

func (c *Client) SetMonitor(on bool) (string, error) {
	return c.Put("/monitor", strconv.FormatBool(on))
}

func (c *Client) SetMonitorInterval(seconds int) (string, error) {
	return c.Put("/monitor-interval", strconv.Itoa(seconds))
}

func (c *Client) GetMonitorReadings() (map[string]monitor.Reading, error) {
	ret, err := c.Get("/monitor/readings")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get monitor readings")
	}

	var readings map[string]monitor.Reading
	if err := json.Unmarshal([]byte(ret), &readings); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal monitor readings")
	}
	return readings, nil
}

func (c *Client) GetSessions() ([]types.SessionStatus, error) {
	ret, err := c.Get("/sessions")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list sessions")
	}

	var sessions []types.SessionStatus
	if err := json.Unmarshal([]byte(ret), &sessions); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal session list")
	}
	return sessions, nil
}

func (c *Client) GetSession(id string) (*types.SessionStatus, error) {
	ret, err := c.Get("/sessions/" + url.PathEscape(id))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get session %s", id)
	}
	return unmarshalSession(ret)
}

func (c *Client) CancelSession(id string) (*types.SessionStatus, error) {
	ret, err := c.Delete("/sessions/" + url.PathEscape(id))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to cancel session %s", id)
	}
	return unmarshalSession(ret)
}

type pulseRequest struct {
	DeviceID string `json:"deviceId"`
	sequence.PulseParams
}

func (c *Client) StartPulseTest(deviceID string, params sequence.PulseParams) (*types.SessionStatus, error) {
	payload, err := json.Marshal(pulseRequest{DeviceID: deviceID, PulseParams: params})
	if err != nil {
		return nil, err
	}

	ret, err := c.Post("/sessions/pulse", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to start pulse test on %s", deviceID)
	}
	return unmarshalSession(ret)
}

type profileRequest struct {
	DeviceID string `json:"deviceId"`
	sequence.ProfileParams
	ProfilePath string `json:"profilePath,omitempty"`
}

func (c *Client) StartProfile(deviceID string, params sequence.ProfileParams, profilePath string) (*types.SessionStatus, error) {
	payload, err := json.Marshal(profileRequest{DeviceID: deviceID, ProfileParams: params, ProfilePath: profilePath})
	if err != nil {
		return nil, err
	}

	ret, err := c.Post("/sessions/profile", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to start profile playback on %s", deviceID)
	}
	return unmarshalSession(ret)
}

type modelRequest struct {
	DeviceID string `json:"deviceId"`
	sequence.ModelParams
}

func (c *Client) StartBatteryModel(deviceID string, params sequence.ModelParams) (*types.SessionStatus, error) {
	payload, err := json.Marshal(modelRequest{DeviceID: deviceID, ModelParams: params})
	if err != nil {
		return nil, err
	}

	ret, err := c.Post("/sessions/model", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to start battery model on %s", deviceID)
	}
	return unmarshalSession(ret)
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	// Remove "" around JSON string. I don't want to use a JSON decoder just for this.
	ret = ret[1 : len(ret)-1] // remove the surrounding quotes
	return ret, nil
}

func unmarshalSession(ret string) (*types.SessionStatus, error) {
	var s types.SessionStatus
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal session status")
	}
	return &s, nil
}

func parseBoolResponse(ret string) (bool, error) {
	b, err := strconv.ParseBool(ret)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to parse boolean response %q", ret)
	}
	return b, nil
}
