package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/battlab/battlab/pkg/config"
	"github.com/battlab/battlab/pkg/events"
	"github.com/battlab/battlab/pkg/instrument"
	"github.com/battlab/battlab/pkg/monitor"
	"github.com/battlab/battlab/pkg/results"
)

var (
	conf config.Config
	reg  *Registry
	mon  *monitor.Coordinator
	hub  *events.Hub
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))

	router.GET("/config", getConfig)
	router.PUT("/monitor-interval", setMonitorInterval)

	router.GET("/devices", getDevices)
	router.POST("/devices", connectDevice)
	router.DELETE("/devices/:id", disconnectDevice)
	router.GET("/devices/:id/measurements", getMeasurements)

	router.GET("/monitor", getMonitor)
	router.PUT("/monitor", setMonitor)
	router.GET("/monitor/readings", getMonitorReadings)

	router.GET("/sessions", getSessions)
	router.GET("/sessions/:id", getSession)
	router.DELETE("/sessions/:id", cancelSession)
	router.POST("/sessions/pulse", startPulse)
	router.POST("/sessions/profile", startProfile)
	router.POST("/sessions/model", startModel)

	router.GET("/version", getVersion)

	return router
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	router := setupRoutes()

	var err error
	confFile, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	conf = confFile
	logrus.WithFields(confFile.LogrusFields()).Infof("config loaded")

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.Infof("config reloaded")
		}
	}()

	specs := instrument.Builtins()
	if path := conf.DeviceSpecsPath(); path != "" {
		specs, err = instrument.LoadFile(path)
		if err != nil {
			logrus.Fatalf("failed to load device specs from %s: %v", path, err)
		}
	}

	sink, err := results.NewSink(conf.ResultsDir())
	if err != nil {
		logrus.Fatalf("failed to prepare results dir %s: %v", conf.ResultsDir(), err)
	}

	hub = events.NewHub()

	monitorSink := sink
	if !conf.MonitorLogEnabled() {
		monitorSink = nil
	}
	mon = monitor.New(monitorSink, hub)
	mon.UnresponsiveAfter = conf.UnresponsiveAfter()

	reg = NewRegistry(specs, sink, hub, mon)

	srv := &http.Server{
		Handler: router,
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	if err := mon.Start(time.Duration(conf.MonitorIntervalSeconds()) * time.Second); err != nil {
		logrus.Fatalf("failed to start monitor: %v", err)
	}

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("stopping monitor")
	mon.Stop()

	logrus.Info("disconnecting devices")
	reg.Shutdown()

	logrus.Info("exiting")
	return nil
}
