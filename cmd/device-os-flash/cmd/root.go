// Package cmd implements the device-os-flash command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/particle-iot/device-os-flash-util/pkg/logger"
)

var (
	// Global flags
	verbosity  int
	allDevices bool
	useOpenOCD bool
	deviceArgs []string

	draft   bool
	noCache bool
	retries int
	jobs    int

	flashSystem     bool
	noFlashSystem   bool
	flashUser       bool
	noFlashUser     bool
	flashBootloader bool
	noBootloader    bool
	flashNCP        bool
	noNCP           bool
	flashRadio      bool
	noRadio         bool

	markDevelopment bool
)

var rootCmd = &cobra.Command{
	Use:   "device-os-flash <version|path>",
	Short: "Flash Device OS releases onto development boards",
	Long: `Flashes firmware modules onto Particle development boards, in parallel,
over USB, DFU or a hardware debug adapter.

The positional argument is either a release version (with or without a
leading "v") or a path to a firmware binary, a directory of binaries, or a
zip archive.

Examples:
  device-os-flash 2.3.1 --all-devices          # flash a release to every board
  device-os-flash v4.0.0 -d my-boron           # flash one board by name
  device-os-flash ./build -d 0123456789abcdef01234567
  device-os-flash 5.0.0-rc.1 --draft -d tracker1:tracker`,
	Args:          cobra.ExactArgs(1),
	RunE:          runFlash,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       "1.0.0",
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.CountVarP(&verbosity, "verbose", "v", "increase output verbosity (repeatable)")

	f := rootCmd.Flags()
	f.StringArrayVarP(&deviceArgs, "device", "d", nil, "target device as id-or-name[:platform] (repeatable)")
	f.BoolVar(&allDevices, "all-devices", false, "flash every detected device")
	f.BoolVar(&useOpenOCD, "openocd", false, "flash through an attached debug adapter")
	f.BoolVar(&draft, "draft", false, "allow draft releases (requires GITHUB_TOKEN)")
	f.BoolVar(&noCache, "no-cache", false, "ignore cached release binaries")
	f.IntVarP(&retries, "retries", "r", 2, "per-device retry count")
	f.IntVarP(&jobs, "jobs", "j", 0, "maximum concurrent devices (0 = unbounded)")

	f.BoolVar(&flashSystem, "system", true, "flash system parts")
	f.BoolVar(&noFlashSystem, "no-system", false, "skip system parts")
	f.BoolVar(&flashUser, "user", true, "flash the user part")
	f.BoolVar(&noFlashUser, "no-user", false, "skip the user part")
	f.BoolVar(&flashBootloader, "bootloader", true, "flash the bootloader")
	f.BoolVar(&noBootloader, "no-bootloader", false, "skip the bootloader")
	f.BoolVar(&flashNCP, "ncp", true, "flash NCP firmware")
	f.BoolVar(&noNCP, "no-ncp", false, "skip NCP firmware")
	f.BoolVar(&flashRadio, "radio", true, "flash the radio stack")
	f.BoolVar(&noRadio, "no-radio", false, "skip the radio stack")

	f.BoolVar(&markDevelopment, "mark-development", false, "mark flashed devices as development devices in the registry")
}

// rootLogger builds the run's logger from the -v count.
func rootLogger() zerolog.Logger {
	return logger.New(logger.Verbosity(verbosity))
}
