// Package fleet coordinates multi-device runs: enumeration across
// transports, reconciliation of requested targets against the registry,
// and bounded-parallelism dispatch of flash jobs.
package fleet

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/flasher"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
	"github.com/particle-iot/device-os-flash-util/pkg/registry"
	"github.com/particle-iot/device-os-flash-util/pkg/util"
)

// Target is one requested device: an id or a name, with an optional
// platform hint.
type Target struct {
	IDOrName string
	Platform *platform.Platform
}

// Options bound a fleet run.
type Options struct {
	// MaxRetries is per-device.
	MaxRetries int
	// MaxJobs bounds parallel opens and flashes; zero means unbounded.
	MaxJobs int
}

// usbProber pre-populates the id-to-platform map from USB descriptors.
type usbProber interface {
	Probe(ctx context.Context) (map[string]*platform.Platform, error)
}

// Coordinator runs fleet operations against one primary transport.
type Coordinator struct {
	primary  device.Opener
	usb      device.Opener
	prober   usbProber
	registry *registry.Client
	tempDir  string
	log      zerolog.Logger
}

// Config wires a Coordinator.
type Config struct {
	// Primary is the transport devices are mainly flashed through.
	Primary device.Opener
	// USB is the update-request fallback opener.
	USB device.Opener
	// Prober pre-reads platform ids from USB descriptors; optional.
	Prober usbProber
	// Registry resolves names and unknown platforms; optional.
	Registry *registry.Client
	// TempDir receives per-device scratch directories.
	TempDir string

	Log zerolog.Logger
}

// New builds a Coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		primary:  cfg.Primary,
		usb:      cfg.USB,
		prober:   cfg.Prober,
		registry: cfg.Registry,
		tempDir:  cfg.TempDir,
		log:      cfg.Log,
	}
}

func groupLimit(maxJobs int) int {
	if maxJobs <= 0 {
		return -1
	}
	return maxJobs
}

// EnumerateDevices lists the primary transport's devices and interrogates
// each one with bounded parallelism, filling in platform ids from USB
// pre-probing where the transport could not supply them.
func (c *Coordinator) EnumerateDevices(ctx context.Context, opts Options) ([]device.Device, error) {
	var preProbed map[string]*platform.Platform
	if c.prober != nil {
		var err error
		if preProbed, err = c.prober.Probe(ctx); err != nil {
			c.log.Warn().Err(err).Msg("USB pre-probe failed")
		}
	}

	candidates, err := c.primary.List(ctx)
	if err != nil {
		return nil, err
	}

	survivors := make([]device.Device, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(groupLimit(opts.MaxJobs))
	for i, d := range candidates {
		g.Go(func() error {
			if err := c.interrogate(gctx, d, opts.MaxRetries); err != nil {
				c.log.Warn().Err(err).Str("transport", c.primary.Name()).Msg("dropping device")
				return nil
			}
			if d.Platform() == nil {
				if p, ok := preProbed[d.ID()]; ok {
					d.SetPlatform(p)
				}
			}
			survivors[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []device.Device
	for _, d := range survivors {
		if d != nil {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, device.ErrNoDevices
	}
	return out, nil
}

// interrogate opens a device (with retries), letting the transport read
// its identity, and closes it again.
func (c *Coordinator) interrogate(ctx context.Context, d device.Device, maxRetries int) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = d.Open(ctx); err == nil {
			return d.Close()
		}
		d.Close()
	}
	return err
}

// ResolveTargets selects the requested targets among the enumerated
// devices. Names and devices with unknown platforms trigger a single
// registry lookup.
func (c *Coordinator) ResolveTargets(ctx context.Context, local []device.Device, requested []Target) ([]device.Device, error) {
	byID := make(map[string]device.Device, len(local))
	for _, d := range local {
		byID[d.ID()] = d
	}

	var selected []device.Device
	var names []Target
	for _, t := range requested {
		if id, ok := util.NormalizeDeviceID(t.IDOrName); ok {
			d, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
			}
			applyHint(d, t)
			selected = append(selected, d)
			continue
		}
		names = append(names, t)
	}

	if len(requested) == 0 {
		selected = local
	}

	needRegistry := len(names) > 0
	for _, d := range selected {
		if d.Platform() == nil {
			needRegistry = true
		}
	}

	if needRegistry {
		if err := c.reconcile(ctx, byID, names, &selected); err != nil {
			return nil, err
		}
	}

	for _, d := range selected {
		if d.Platform() == nil {
			return nil, fmt.Errorf("platform unknown for device %s", d.ID())
		}
	}
	return selected, nil
}

// reconcile issues the one registry call per run, resolving names to ids
// and ids to platforms.
func (c *Coordinator) reconcile(ctx context.Context, byID map[string]device.Device, names []Target, selected *[]device.Device) error {
	if c.registry == nil {
		if len(names) > 0 {
			return fmt.Errorf("%w: device names require registry access", registry.ErrNoToken)
		}
		return nil
	}

	known, err := c.registry.ListDevices(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]*registry.Device, len(known))
	regByID := make(map[string]*registry.Device, len(known))
	for _, rd := range known {
		byName[rd.Name] = rd
		regByID[rd.ID] = rd
	}

	for _, t := range names {
		rd, ok := byName[t.IDOrName]
		if !ok {
			return fmt.Errorf("%w: no device named %q", device.ErrDeviceNotFound, t.IDOrName)
		}
		d, ok := byID[strings.ToLower(rd.ID)]
		if !ok {
			return fmt.Errorf("%w: %s (%s) is not connected", device.ErrDeviceNotFound, t.IDOrName, rd.ID)
		}
		applyHint(d, t)
		*selected = append(*selected, d)
	}

	for _, d := range *selected {
		if d.Platform() != nil {
			continue
		}
		rd, ok := regByID[d.ID()]
		if !ok {
			continue
		}
		if p, err := platform.ByID(rd.PlatformID); err == nil {
			d.SetPlatform(p)
		}
	}
	return nil
}

func applyHint(d device.Device, t Target) {
	if t.Platform != nil && d.Platform() == nil {
		d.SetPlatform(t.Platform)
	}
}

// Dispatch flashes every device with bounded parallelism. All devices run
// to a terminal state; the first captured error becomes the run's result.
func (c *Coordinator) Dispatch(ctx context.Context, devices []device.Device, modules []*firmware.Module, opts Options) error {
	var (
		mu       sync.Mutex
		firstErr error
	)

	g := &errgroup.Group{}
	g.SetLimit(groupLimit(opts.MaxJobs))
	for _, d := range devices {
		g.Go(func() error {
			p := d.Platform()
			if p == nil {
				c.log.Warn().Str("device", d.ID()).Msg("platform unknown; skipping device")
				return nil
			}
			mods := modulesForPlatform(modules, p)
			if len(mods) == 0 {
				c.log.Warn().Str("device", d.ID()).Str("platform", p.Name).
					Msg("no modules for device platform; skipping")
				return nil
			}
			fl := flasher.New(d, c.usb, opts.MaxRetries, filepath.Join(c.tempDir, d.ID()), c.log)
			if err := fl.Run(ctx, mods); err != nil {
				c.log.Error().Err(err).Str("device", d.ID()).Msg("flashing failed")
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("device %s: %w", d.ID(), err)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return firstErr
}

// modulesForPlatform filters the resolved set down to one device's
// platform, preserving order.
func modulesForPlatform(modules []*firmware.Module, p *platform.Platform) []*firmware.Module {
	if p == nil {
		return nil
	}
	var out []*firmware.Module
	for _, m := range modules {
		if m.Platform.ID == p.ID {
			out = append(out, m)
		}
	}
	return out
}
