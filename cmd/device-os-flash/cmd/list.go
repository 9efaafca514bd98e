package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List detected devices",
	Long: `Enumerates devices reachable over the selected transport and prints
their id, platform and transport.

Examples:
  device-os-flash list             # devices in DFU or normal mode over USB
  device-os-flash list --openocd   # devices behind attached debug adapters`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&useOpenOCD, "openocd", false, "list devices behind debug adapters")
	listCmd.Flags().IntVarP(&retries, "retries", "r", 2, "per-device retry count")
	listCmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "maximum concurrent devices (0 = unbounded)")
}

func runList(cmd *cobra.Command, args []string) error {
	log := rootLogger()

	coord := newCoordinator(newRegistryClient(log), "", log)
	devices, err := coord.EnumerateDevices(cmd.Context(), fleetOptions())
	if err != nil {
		return err
	}

	transport := "dfu"
	if useOpenOCD {
		transport = "openocd"
	}
	for _, d := range devices {
		platformName := "unknown"
		if p := d.Platform(); p != nil {
			platformName = p.Name
		}
		fmt.Printf("%s  %-10s  %s\n", d.ID(), platformName, transport)
	}
	return nil
}
