package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
	"github.com/particle-iot/device-os-flash-util/pkg/dfudev"
	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/fleet"
	"github.com/particle-iot/device-os-flash-util/pkg/openocd"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
	"github.com/particle-iot/device-os-flash-util/pkg/registry"
	"github.com/particle-iot/device-os-flash-util/pkg/release"
	"github.com/particle-iot/device-os-flash-util/pkg/usbdev"
	"github.com/particle-iot/device-os-flash-util/pkg/util"
)

// appDirName is this tool's directory under ~/.particle.
const appDirName = "device-os-flash-util"

func runFlash(cmd *cobra.Command, args []string) error {
	log := rootLogger()
	ctx := cmd.Context()

	if len(deviceArgs) == 0 && !allDevices {
		return errors.New("no target devices; use --device or --all-devices")
	}

	if draft && os.Getenv("GITHUB_TOKEN") == "" {
		return release.ErrAuthRequired
	}

	tempDir, err := util.NewTempDir(appDirName + "-*")
	if err != nil {
		return err
	}
	defer tempDir.Close()

	modules, err := resolveModules(ctx, args[0], tempDir.Path, log)
	if err != nil {
		return err
	}
	modules = filterModuleTypes(modules, log)
	if len(modules) == 0 {
		return errors.New("no modules left to flash after filtering")
	}

	targets, err := parseTargets(deviceArgs)
	if err != nil {
		return err
	}

	regClient := newRegistryClient(log)
	coord := newCoordinator(regClient, tempDir.Path, log)

	opts := fleetOptions()
	devices, err := coord.EnumerateDevices(ctx, opts)
	if err != nil {
		return err
	}
	log.Info().Int("devices", len(devices)).Msg("devices detected")

	selected, err := coord.ResolveTargets(ctx, devices, targets)
	if err != nil {
		return err
	}

	if err := coord.Dispatch(ctx, selected, modules, opts); err != nil {
		return err
	}

	if markDevelopment && regClient != nil {
		markDevices(ctx, regClient, selected, log)
	}
	log.Info().Int("devices", len(selected)).Msg("all devices flashed")
	return nil
}

func fleetOptions() fleet.Options {
	return fleet.Options{MaxRetries: retries, MaxJobs: jobs}
}

// resolveModules produces the module set from a release version or a local
// path.
func resolveModules(ctx context.Context, versionOrPath, workDir string, log zerolog.Logger) ([]*firmware.Module, error) {
	resolver := release.NewResolver(release.Config{
		Client:    release.NewClient(os.Getenv("GITHUB_TOKEN")),
		CacheDir:  cacheDir(),
		AssetsDir: bundledAssetsDir(),
		WorkDir:   workDir,
		Log:       log,
	})

	if _, err := os.Stat(versionOrPath); err == nil {
		return resolver.GetModulesFromPath(ctx, versionOrPath)
	}
	if _, err := semver.NewVersion(strings.TrimPrefix(versionOrPath, "v")); err != nil {
		return nil, fmt.Errorf("%q is neither a version nor an existing path", versionOrPath)
	}
	return resolver.GetReleaseModules(ctx, versionOrPath, release.Options{
		NoCache: noCache,
		Draft:   draft,
	})
}

// cacheDir is the persistent module cache under the user's home.
func cacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDirName, "binaries")
	}
	return filepath.Join(home, ".particle", appDirName, "binaries")
}

// bundledAssetsDir locates the asset binaries shipped next to the
// executable.
func bundledAssetsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	dir := filepath.Join(filepath.Dir(exe), "assets", "binaries")
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}

// filterModuleTypes applies the include/exclude flag pairs.
func filterModuleTypes(modules []*firmware.Module, log zerolog.Logger) []*firmware.Module {
	include := map[platform.ModuleType]bool{
		platform.ModuleSystemPart:  flashSystem && !noFlashSystem,
		platform.ModuleUserPart:    flashUser && !noFlashUser,
		platform.ModuleBootloader:  flashBootloader && !noBootloader,
		platform.ModuleNCPFirmware: flashNCP && !noNCP,
		platform.ModuleRadioStack:  flashRadio && !noRadio,
	}

	var out []*firmware.Module
	for _, m := range modules {
		if !include[m.Type] {
			log.Debug().Str("module", m.String()).Msg("excluded by module-type flags")
			continue
		}
		out = append(out, m)
	}
	return out
}

// parseTargets parses repeated --device arguments of the form
// id-or-name[:platform].
func parseTargets(args []string) ([]fleet.Target, error) {
	var targets []fleet.Target
	for _, arg := range args {
		t := fleet.Target{IDOrName: arg}
		if i := strings.LastIndexByte(arg, ':'); i >= 0 {
			p, err := platform.ByName(arg[i+1:])
			if err != nil {
				return nil, fmt.Errorf("device %q: %w", arg, err)
			}
			t.IDOrName = arg[:i]
			t.Platform = p
		}
		if t.IDOrName == "" {
			return nil, fmt.Errorf("empty device reference %q", arg)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// newRegistryClient builds the registry client when credentials are
// available.
func newRegistryClient(log zerolog.Logger) *registry.Client {
	creds, err := registry.LoadCredentials("")
	if err != nil {
		if !errors.Is(err, registry.ErrNoToken) {
			log.Warn().Err(err).Msg("cannot load registry credentials")
		}
		return nil
	}
	return registry.NewClient(creds.Token, creds.APIURL)
}

// newCoordinator assembles the fleet coordinator with the selected primary
// transport: debug adapter when requested, raw DFU otherwise, plain USB as
// the update-request side either way.
func newCoordinator(regClient *registry.Client, tempDir string, log zerolog.Logger) *fleet.Coordinator {
	usbOpener := usbdev.NewOpener(platform.Default(), log)

	var primary device.Opener
	if useOpenOCD {
		primary = openocd.NewOpener(log)
	} else {
		primary = dfudev.NewOpener(platform.Default(), log)
	}

	return fleet.New(fleet.Config{
		Primary:  primary,
		USB:      usbOpener,
		Prober:   usbOpener,
		Registry: regClient,
		TempDir:  tempDir,
		Log:      log,
	})
}

// markDevices flags every flashed device as a development device so the
// cloud does not immediately OTA it back to a release build.
func markDevices(ctx context.Context, regClient *registry.Client, devices []device.Device, log zerolog.Logger) {
	development := true
	for _, d := range devices {
		err := regClient.UpdateDevice(ctx, d.ID(), registry.UpdateParams{Development: &development})
		if err != nil {
			log.Warn().Err(err).Str("device", d.ID()).Msg("cannot mark device as development")
		}
	}
}
