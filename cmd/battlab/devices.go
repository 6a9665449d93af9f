package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/battlab/battlab/pkg/instrument"
	"github.com/battlab/battlab/pkg/types"
)

func NewConnectCommand() *cobra.Command {
	var (
		kind string
		baud int
	)

	cmd := &cobra.Command{
		Use:     "connect <id> <resource>",
		Short:   "Connect a device",
		GroupID: gBasic,
		Long: `Connect a device and add it to the monitoring set.

The resource can be a VISA resource string (TCPIP0::192.168.1.10::INSTR),
a host:port pair (192.168.1.10:5025), or a serial port (/dev/ttyUSB0, COM3).`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			known := instrument.Kinds()
			names := make([]string, len(known))
			for i, k := range known {
				names[i] = string(k)
			}

			if kind == "" {
				return fmt.Errorf("--kind is required (one of: %s)", strings.Join(names, ", "))
			}

			info, err := api().ConnectDevice(types.ConnectRequest{
				ID:       args[0],
				Kind:     kind,
				Resource: args[1],
				BaudRate: baud,
			})
			if err != nil {
				return fmt.Errorf("failed to connect device: %v", err)
			}

			logrus.Infof("connected %s (%s), identified as %q", info.ID, info.ModelName, info.Model)

			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&kind, "kind", "k", "", "device kind")
	f.IntVar(&baud, "baud", 0, "serial baud rate (serial resources only)")

	return cmd
}

func NewDisconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "disconnect <id>",
		Short:   "Disconnect a device",
		GroupID: gBasic,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := api().DisconnectDevice(args[0]); err != nil {
				return fmt.Errorf("failed to disconnect device: %v", err)
			}

			logrus.Infof("disconnected %s", args[0])

			return nil
		},
	}
}

func NewDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Short:   "List connected devices",
		GroupID: gBasic,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := api().GetDevices()
			if err != nil {
				return fmt.Errorf("failed to list devices: %v", err)
			}

			if len(infos) == 0 {
				cmd.Println("no devices connected")
				return nil
			}

			for _, info := range infos {
				cmd.Printf("%s\t%s\t%s\t%.0fV/%.0fA\n",
					info.ID, info.ModelName, info.Availability, info.MaxVoltage, info.MaxCurrent)
			}

			return nil
		},
	}
}
