package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected cameras",
	Long:  `List connected cameras as "<name> (SN: <serial>)" descriptors.`,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	devices, err := a.devices.Devices()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No devices connected")
		return nil
	}

	for _, d := range devices {
		fmt.Fprintln(cmd.OutOrStdout(), d.String())
	}

	return nil
}
