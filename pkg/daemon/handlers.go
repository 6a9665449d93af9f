package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/battlab/battlab/pkg/device"
	"github.com/battlab/battlab/pkg/sequence"
	"github.com/battlab/battlab/pkg/types"
	"github.com/battlab/battlab/pkg/version"
)

func getConfig(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, gin.H{
		"resultsDir":             conf.ResultsDir(),
		"monitorIntervalSeconds": conf.MonitorIntervalSeconds(),
		"monitorLogEnabled":      conf.MonitorLogEnabled(),
		"unresponsiveAfter":      conf.UnresponsiveAfter(),
		"deviceSpecsPath":        conf.DeviceSpecsPath(),
		"allowNonRootAccess":     conf.AllowNonRootAccess(),
	})
}

func setMonitorInterval(c *gin.Context) {
	var i int
	if err := c.BindJSON(&i); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if i < 1 || i > 3600 {
		err := fmt.Errorf("monitor interval must be between 1 and 3600 seconds, got %d", i)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetMonitorIntervalSeconds(i)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// the new interval takes effect on the next monitor start
	if mon.Running() {
		mon.Stop()
		if err := mon.Start(time.Duration(i) * time.Second); err != nil {
			c.IndentedJSON(http.StatusInternalServerError, err.Error())
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}

	logrus.Infof("set monitor interval to %d seconds", i)

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("monitor interval set to %d seconds", i))
}

func getDevices(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, reg.List())
}

func connectDevice(c *gin.Context) {
	var req types.ConnectRequest
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	dev, err := reg.Connect(req)
	if err != nil {
		logrus.Errorf("connectDevice failed: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrDeviceExists) {
			status = http.StatusConflict
		}
		c.IndentedJSON(status, err.Error())
		_ = c.AbortWithError(status, err)
		return
	}

	logrus.Infof("connected device %s (%s) at %s", req.ID, req.Kind, req.Resource)

	c.IndentedJSON(http.StatusCreated, describe(dev))
}

func disconnectDevice(c *gin.Context) {
	id := c.Param("id")
	if err := reg.Disconnect(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrDeviceNotFound) {
			status = http.StatusNotFound
		}
		c.IndentedJSON(status, err.Error())
		_ = c.AbortWithError(status, err)
		return
	}

	logrus.Infof("disconnected device %s", id)

	c.IndentedJSON(http.StatusOK, "ok")
}

func getMeasurements(c *gin.Context) {
	dev, err := reg.Get(c.Param("id"))
	if err != nil {
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}

	if !dev.IsAvailableForMonitoring() {
		err := fmt.Errorf("device %s is %s", dev.ID(), dev.Availability())
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}

	m, err := dev.Measurements()
	if err != nil {
		logrus.Errorf("getMeasurements failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.IndentedJSON(http.StatusOK, m)
}

func getMonitor(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, mon.Running())
}

func setMonitor(c *gin.Context) {
	var on bool
	if err := c.BindJSON(&on); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if on {
		err := mon.Start(time.Duration(conf.MonitorIntervalSeconds()) * time.Second)
		if err != nil {
			c.IndentedJSON(http.StatusConflict, err.Error())
			_ = c.AbortWithError(http.StatusConflict, err)
			return
		}
		logrus.Infof("monitoring started")
	} else {
		mon.Stop()
		logrus.Infof("monitoring stopped")
	}

	c.IndentedJSON(http.StatusCreated, "ok")
}

func getMonitorReadings(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, mon.Latest())
}

func getSessions(c *gin.Context) {
	sessions := reg.Sessions()
	out := make([]types.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toStatus(s))
	}
	c.IndentedJSON(http.StatusOK, out)
}

func getSession(c *gin.Context) {
	s, ok := reg.Session(c.Param("id"))
	if !ok {
		err := fmt.Errorf("no session %s", c.Param("id"))
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, toStatus(s))
}

func cancelSession(c *gin.Context) {
	s, ok := reg.Session(c.Param("id"))
	if !ok {
		err := fmt.Errorf("no session %s", c.Param("id"))
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}

	if s.Phase().Terminal() {
		c.IndentedJSON(http.StatusOK, toStatus(s))
		return
	}

	s.Cancel()
	logrus.Infof("session %s cancellation requested", s.ID())

	c.IndentedJSON(http.StatusAccepted, toStatus(s))
}

type pulseRequest struct {
	DeviceID string `json:"deviceId"`
	sequence.PulseParams
}

func startPulse(c *gin.Context) {
	var req pulseRequest
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	startSession(c, req.DeviceID, func(eng *sequence.Engine) (*sequence.Session, error) {
		return eng.StartPulseTest(req.PulseParams)
	})
}

type profileRequest struct {
	DeviceID string `json:"deviceId"`
	sequence.ProfileParams
	// ProfilePath loads the points from a CSV file on the daemon host when
	// Points is empty.
	ProfilePath string `json:"profilePath,omitempty"`
}

func startProfile(c *gin.Context) {
	var req profileRequest
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if len(req.Points) == 0 && req.ProfilePath != "" {
		points, err := sequence.LoadProfileCSV(req.ProfilePath)
		if err != nil {
			c.IndentedJSON(http.StatusBadRequest, err.Error())
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
		req.Points = points
	}

	startSession(c, req.DeviceID, func(eng *sequence.Engine) (*sequence.Session, error) {
		return eng.StartProfile(req.ProfileParams)
	})
}

type modelRequest struct {
	DeviceID string `json:"deviceId"`
	sequence.ModelParams
}

func startModel(c *gin.Context) {
	var req modelRequest
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	startSession(c, req.DeviceID, func(eng *sequence.Engine) (*sequence.Session, error) {
		return eng.StartBatteryModel(req.ModelParams)
	})
}

// startSession resolves the device's engine, starts the procedure, and maps
// the error taxonomy onto HTTP statuses.
func startSession(c *gin.Context, deviceID string, start func(*sequence.Engine) (*sequence.Session, error)) {
	eng, err := reg.Engine(deviceID)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, ErrNotABatteryTester) {
			status = http.StatusBadRequest
		}
		c.IndentedJSON(status, err.Error())
		_ = c.AbortWithError(status, err)
		return
	}

	s, err := start(eng)
	if err != nil {
		logrus.Errorf("startSession failed: %v", err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sequence.ErrInvalidParameter), errors.Is(err, sequence.ErrInvalidProfile):
			status = http.StatusBadRequest
		case errors.Is(err, sequence.ErrSessionActive):
			status = http.StatusConflict
		case errors.Is(err, device.ErrNotConnected):
			status = http.StatusConflict
		}
		c.IndentedJSON(status, err.Error())
		_ = c.AbortWithError(status, err)
		return
	}

	logrus.Infof("session %s (%s) started on %s", s.ID(), s.Procedure(), s.DeviceID())

	c.IndentedJSON(http.StatusCreated, toStatus(s))
}

func toStatus(s *sequence.Session) types.SessionStatus {
	p := s.Progress()
	return types.SessionStatus{
		ID:        p.SessionID,
		DeviceID:  p.DeviceID,
		Procedure: p.Procedure,
		Phase:     string(p.Phase),
		Step:      p.Step,
		Steps:     p.Steps,
		StartedAt: p.StartedAt,
		Error:     p.Error,
		Files:     p.Files,
	}
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
