package main

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/battlab/battlab/pkg/monitor"
)

func NewMonitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "monitor",
		Short:   "Control background monitoring",
		GroupID: gAdvanced,
		Long: `Control the background monitoring loop.

The monitor polls every connected device at a fixed interval and appends
readings to a rolling CSV log. Devices running a test procedure are skipped
so the procedure's timing is never disturbed.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start monitoring",
			RunE: func(_ *cobra.Command, _ []string) error {
				ret, err := api().SetMonitor(true)
				if err != nil {
					return fmt.Errorf("failed to start monitoring: %v", err)
				}
				if ret != "" {
					logrus.Infof("daemon responded: %s", ret)
				}
				logrus.Infof("monitoring started")
				return nil
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop monitoring",
			RunE: func(_ *cobra.Command, _ []string) error {
				ret, err := api().SetMonitor(false)
				if err != nil {
					return fmt.Errorf("failed to stop monitoring: %v", err)
				}
				if ret != "" {
					logrus.Infof("daemon responded: %s", ret)
				}
				logrus.Infof("monitoring stopped")
				return nil
			},
		},
		&cobra.Command{
			Use:   "readings",
			Short: "Show the latest reading per device",
			RunE: func(cmd *cobra.Command, _ []string) error {
				readings, err := api().GetMonitorReadings()
				if err != nil {
					return fmt.Errorf("failed to get readings: %v", err)
				}

				if len(readings) == 0 {
					cmd.Println("no readings yet")
					return nil
				}

				ids := make([]string, 0, len(readings))
				for id := range readings {
					ids = append(ids, id)
				}
				sort.Strings(ids)

				for _, id := range ids {
					r := readings[id]
					if r.Status == monitor.StatusAvailable {
						cmd.Printf("%s\t%s\t%.3f V\t%.3f A\t%.3f W\n",
							id, r.Status, r.Measurement.Voltage, r.Measurement.Current, r.Measurement.Power)
					} else {
						cmd.Printf("%s\t%s\n", id, r.Status)
					}
				}

				return nil
			},
		},
		&cobra.Command{
			Use:   "interval <seconds>",
			Short: "Set the polling interval",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				seconds, err := parseIntArg(args, "interval")
				if err != nil {
					return err
				}

				ret, err := api().SetMonitorInterval(seconds)
				if err != nil {
					return fmt.Errorf("failed to set monitor interval: %v", err)
				}
				if ret != "" {
					logrus.Infof("daemon responded: %s", ret)
				}
				logrus.Infof("successfully set monitor interval to %d seconds", seconds)
				return nil
			},
		},
	)

	return cmd
}
