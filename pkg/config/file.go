package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/battlab/battlab/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		ResultsDir:             ptr.To("results"),
		MonitorIntervalSeconds: ptr.To(10),
		MonitorLogEnabled:      ptr.To(true),
		UnresponsiveAfter:      ptr.To(3),
		DeviceSpecsPath:        ptr.To(""),
		AllowNonRootAccess:     ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = defaultFileConfig
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	ResultsDir             *string `json:"resultsDir,omitempty"`
	MonitorIntervalSeconds *int    `json:"monitorIntervalSeconds,omitempty"`
	MonitorLogEnabled      *bool   `json:"monitorLogEnabled,omitempty"`
	UnresponsiveAfter      *int    `json:"unresponsiveAfter,omitempty"`
	DeviceSpecsPath        *string `json:"deviceSpecsPath,omitempty"`
	AllowNonRootAccess     *bool   `json:"allowNonRootAccess,omitempty"`
}

func (f *File) ResultsDir() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var dir string

	if f.c.ResultsDir != nil {
		dir = *f.c.ResultsDir
	} else {
		dir = *defaultFileConfig.ResultsDir
	}

	return dir
}

func (f *File) MonitorIntervalSeconds() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var interval int

	if f.c.MonitorIntervalSeconds != nil {
		interval = *f.c.MonitorIntervalSeconds
	} else {
		interval = *defaultFileConfig.MonitorIntervalSeconds
	}

	return interval
}

func (f *File) MonitorLogEnabled() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var enabled bool

	if f.c.MonitorLogEnabled != nil {
		enabled = *f.c.MonitorLogEnabled
	} else {
		enabled = *defaultFileConfig.MonitorLogEnabled
	}

	return enabled
}

func (f *File) UnresponsiveAfter() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var after int

	if f.c.UnresponsiveAfter != nil {
		after = *f.c.UnresponsiveAfter
	} else {
		after = *defaultFileConfig.UnresponsiveAfter
	}

	return after
}

func (f *File) DeviceSpecsPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var path string

	if f.c.DeviceSpecsPath != nil {
		path = *f.c.DeviceSpecsPath
	} else {
		path = *defaultFileConfig.DeviceSpecsPath
	}

	return path
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var allowNonRootAccess bool

	if f.c.AllowNonRootAccess != nil {
		allowNonRootAccess = *f.c.AllowNonRootAccess
	} else {
		allowNonRootAccess = *defaultFileConfig.AllowNonRootAccess
	}

	return allowNonRootAccess
}

func (f *File) SetResultsDir(dir string) {
	if f.c == nil {
		panic("config is nil")
	}

	if dir == "" {
		panic("results dir must not be empty")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.ResultsDir = &dir
}

func (f *File) SetMonitorIntervalSeconds(i int) {
	if f.c == nil {
		panic("config is nil")
	}

	if i < 1 {
		panic("monitor interval must be at least 1 second")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.MonitorIntervalSeconds = &i
}

func (f *File) SetMonitorLogEnabled(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.MonitorLogEnabled = &b
}

func (f *File) SetUnresponsiveAfter(i int) {
	if f.c == nil {
		panic("config is nil")
	}

	if i < 1 {
		panic("unresponsive threshold must be at least 1")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.UnresponsiveAfter = &i
}

func (f *File) SetDeviceSpecsPath(path string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.DeviceSpecsPath = &path
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}
	configString := string(b)

	if strings.TrimSpace(configString) == "" {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"resultsDir":             f.ResultsDir(),
		"monitorIntervalSeconds": f.MonitorIntervalSeconds(),
		"monitorLogEnabled":      f.MonitorLogEnabled(),
		"unresponsiveAfter":      f.UnresponsiveAfter(),
		"deviceSpecsPath":        f.DeviceSpecsPath(),
		"allowNonRootAccess":     f.AllowNonRootAccess(),
	}
}
