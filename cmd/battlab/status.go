package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/battlab/battlab/pkg/monitor"
	"github.com/battlab/battlab/pkg/types"
)

type statusData struct {
	monitoring bool
	devices    []types.DeviceInfo
	readings   map[string]monitor.Reading
	sessions   []types.SessionStatus
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	c := api()

	monitoring, err := c.GetMonitor()
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor state: %w", err)
	}

	devices, err := c.GetDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	readings, err := c.GetMonitorReadings()
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor readings: %w", err)
	}

	sessions, err := c.GetSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return &statusData{
		monitoring: monitoring,
		devices:    devices,
		readings:   readings,
		sessions:   sessions,
	}, nil
}

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of battlab",
		Long:    `Get device states, latest readings, and running sessions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			cmd.Println(bold("Monitoring:"), bool2Text(data.monitoring))
			cmd.Println()

			cmd.Println(bold("Devices:"))
			if len(data.devices) == 0 {
				cmd.Println("  none connected")
			}
			for _, d := range data.devices {
				avail := d.Availability
				switch d.Availability {
				case "Available":
					avail = color.GreenString(d.Availability)
				case "Busy":
					avail = color.YellowString(d.Availability)
				case "Disconnected":
					avail = color.RedString(d.Availability)
				}
				cmd.Printf("  %s: %s [%s]\n", bold("%s", d.ID), d.ModelName, avail)

				r, ok := data.readings[d.ID]
				if ok && r.Status == monitor.StatusAvailable {
					cmd.Printf("    %s  %s  %s\n",
						bold("%.3f V", r.Measurement.Voltage),
						bold("%.3f A", r.Measurement.Current),
						bold("%.3f W", r.Measurement.Power))
				} else if ok {
					cmd.Printf("    last poll: %s\n", string(r.Status))
				}
			}
			cmd.Println()

			cmd.Println(bold("Sessions:"))
			if len(data.sessions) == 0 {
				cmd.Println("  none")
			}
			for _, s := range data.sessions {
				phase := s.Phase
				switch s.Phase {
				case "Completed":
					phase = color.GreenString(s.Phase)
				case "Aborted":
					phase = color.RedString(s.Phase)
				default:
					phase = color.YellowString(s.Phase)
				}
				cmd.Printf("  %s: %s on %s, %s", s.ID, s.Procedure, s.DeviceID, phase)
				if s.Steps > 0 {
					cmd.Printf(" (%d/%d)", s.Step, s.Steps)
				}
				cmd.Println()
				if s.Error != "" {
					cmd.Printf("    error: %s\n", color.RedString(s.Error))
				}
			}

			return nil
		},
	}
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
