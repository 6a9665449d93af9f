package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/battlab/battlab/pkg/sequence"
)

func NewPulseTestCommand() *cobra.Command {
	var p sequence.PulseParams

	cmd := &cobra.Command{
		Use:     "pulse-test <device-id>",
		Short:   "Run a pulse discharge test",
		GroupID: gBasic,
		Long: `Run a pulse discharge test on a battery tester.

Each cycle applies the pulse current for the pulse duration, then rests with
the output off. Voltage/current samples and per-cycle EVOC/ESR estimates are
written to timestamped CSV files in the daemon's results directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := api().StartPulseTest(args[0], p)
			if err != nil {
				return fmt.Errorf("failed to start pulse test: %v", err)
			}

			logrus.Infof("started pulse test session %s on %s", s.ID, s.DeviceID)

			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&p.Count, "count", "n", 10, "number of pulse cycles (1-100)")
	f.Float64Var(&p.PulseSeconds, "pulse", 10, "pulse duration in seconds (1-300)")
	f.Float64Var(&p.RestSeconds, "rest", 30, "rest duration in seconds (1-300)")
	f.Float64VarP(&p.PulseCurrent, "current", "c", 1.0, "pulse current in amps")
	f.Float64Var(&p.SampleInterval, "sample-interval", 0, "sample interval in seconds (0 = default)")
	f.IntVar(&p.RampSteps, "ramp-steps", 0, "staircase steps on each pulse edge (0 = no ramp)")
	f.Float64Var(&p.RampStepSeconds, "ramp-step", 0, "duration of each ramp step in seconds (0 = default)")

	return cmd
}

func NewProfileCommand() *cobra.Command {
	var (
		profilePath   string
		chargeVoltage float64
	)

	cmd := &cobra.Command{
		Use:     "profile <device-id>",
		Short:   "Play back a current profile",
		GroupID: gBasic,
		Long: `Play back a current profile on a battery tester.

The profile is a CSV file with "time_s,current_a" columns on the daemon
host. Positive currents charge the cell through the power-supply function,
negative currents discharge it through the battery-test function. Mode
switches happen only where the sign changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if profilePath == "" {
				return fmt.Errorf("--file is required")
			}

			params := sequence.ProfileParams{ChargeVoltage: chargeVoltage}
			s, err := api().StartProfile(args[0], params, profilePath)
			if err != nil {
				return fmt.Errorf("failed to start profile playback: %v", err)
			}

			logrus.Infof("started profile session %s on %s", s.ID, s.DeviceID)

			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&profilePath, "file", "f", "", "profile CSV path on the daemon host")
	f.Float64Var(&chargeVoltage, "charge-voltage", 0, "supply voltage during charging segments (0 = default)")

	return cmd
}

func NewBatteryModelCommand() *cobra.Command {
	var p sequence.ModelParams

	cmd := &cobra.Command{
		Use:     "battery-model <device-id>",
		Short:   "Generate a battery model",
		GroupID: gBasic,
		Long: `Generate a battery model on a battery tester.

The cell is fully discharged, fully charged with amp-hour measurement, then
the instrument's model over the voltage range is read back row by row into
a CSV file. This takes hours; use "battlab sessions" to watch progress.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := api().StartBatteryModel(args[0], p)
			if err != nil {
				return fmt.Errorf("failed to start battery model: %v", err)
			}

			logrus.Infof("started battery model session %s on %s", s.ID, s.DeviceID)

			return nil
		},
	}

	f := cmd.Flags()
	f.Float64Var(&p.DischargeVoltage, "discharge-voltage", 0, "discharge end voltage (0 = default)")
	f.Float64Var(&p.DischargeEndCurrent, "discharge-end-current", 0, "discharge end current (0 = default)")
	f.Float64Var(&p.ChargeVFull, "charge-vfull", 0, "full-charge voltage (0 = default)")
	f.Float64Var(&p.ChargeILimit, "charge-ilimit", 0, "charge current limit (0 = default)")
	f.IntVar(&p.ESRIntervalSeconds, "esr-interval", 0, "ESR probe interval in seconds (0 = default)")
	f.IntVar(&p.ModelSlot, "slot", 0, "on-device model slot 1-9 (0 = default)")

	return cmd
}

func NewSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "sessions",
		Short:   "List test sessions",
		GroupID: gBasic,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := api().GetSessions()
			if err != nil {
				return fmt.Errorf("failed to list sessions: %v", err)
			}

			if len(sessions) == 0 {
				cmd.Println("no sessions")
				return nil
			}

			for _, s := range sessions {
				progress := ""
				if s.Steps > 0 {
					progress = fmt.Sprintf(" (%d/%d)", s.Step, s.Steps)
				}
				cmd.Printf("%s\t%s\t%s\t%s%s\n", s.ID, s.DeviceID, s.Procedure, s.Phase, progress)
				if s.Error != "" {
					cmd.Printf("  error: %s\n", s.Error)
				}
				for _, f := range s.Files {
					cmd.Printf("  file: %s\n", f)
				}
			}

			return nil
		},
	}
}

func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel <session-id>",
		Short:   "Cancel a running session",
		GroupID: gBasic,
		Long: `Cancel a running session.

Cancellation is cooperative: the procedure notices it between phases, turns
outputs off, returns the instrument to a safe idle state, and keeps the
rows captured so far.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := api().CancelSession(args[0])
			if err != nil {
				return fmt.Errorf("failed to cancel session: %v", err)
			}

			logrus.Infof("session %s is now %s", s.ID, s.Phase)

			return nil
		},
	}
}
