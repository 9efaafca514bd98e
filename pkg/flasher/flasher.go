// Package flasher implements the per-device flashing state machine: module
// partitioning, ordered writes with retries, and the mid-sequence switch
// from the primary transport to the USB update-request path.
package flasher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
)

// reenumerationWait is the pause before reopening a device over USB after
// the direct phase reset it.
var reenumerationWait = 3 * time.Second

// reopenTimeout bounds each reopen after a reset.
var reopenTimeout = 60 * time.Second

// Flasher flashes one device. It consumes the device's filtered module
// list and drives the primary transport first, then the update-request
// fallback.
type Flasher struct {
	dev        device.Device
	usbOpener  device.Opener
	maxRetries int
	tempDir    string
	log        zerolog.Logger

	// stripped memoizes drop-header materializations by source path.
	stripped map[string]string
}

// New builds a Flasher. usbOpener provides the update-request fallback;
// tempDir receives per-device scratch files.
func New(dev device.Device, usbOpener device.Opener, maxRetries int, tempDir string, log zerolog.Logger) *Flasher {
	return &Flasher{
		dev:        dev,
		usbOpener:  usbOpener,
		maxRetries: maxRetries,
		tempDir:    tempDir,
		log:        log.With().Str("device", dev.ID()).Logger(),
		stripped:   make(map[string]string),
	}
}

// Run flashes all modules. The direct sequence, including its final reset,
// completes before any update-request module is attempted.
func (f *Flasher) Run(ctx context.Context, modules []*firmware.Module) error {
	direct, viaUpdate := f.partition(modules)
	f.log.Info().Int("direct", len(direct)).Int("updateRequest", len(viaUpdate)).Msg("flashing device")

	retries := f.maxRetries

	if len(direct) > 0 {
		if err := f.flashDirect(ctx, direct, &retries); err != nil {
			return err
		}
	}
	if len(viaUpdate) > 0 {
		if err := f.flashViaUpdate(ctx, viaUpdate, &retries, len(direct) > 0); err != nil {
			return err
		}
	}
	return nil
}

// partition splits the modules into those the primary transport can write
// directly and those that must go through an update request. Modules whose
// slot requires encryption but whose image is not encrypted are dropped
// with a warning.
func (f *Flasher) partition(modules []*firmware.Module) (direct, viaUpdate []*firmware.Module) {
	for _, m := range modules {
		if m.NeedsEncryption && !m.Encrypted {
			f.log.Warn().Str("module", m.String()).Msg("module slot requires an encrypted image; skipping")
			continue
		}
		if f.dev.CanFlashModule(m) && f.dev.CanWriteToFlash(m.Storage) {
			direct = append(direct, m)
		} else {
			viaUpdate = append(viaUpdate, m)
		}
	}
	return direct, viaUpdate
}

// flashDirect writes modules through the primary transport. On failure the
// device is closed and the sequence resumes from the first module that has
// not succeeded yet, while retries remain.
func (f *Flasher) flashDirect(ctx context.Context, modules []*firmware.Module, retries *int) error {
	remaining := modules
	for {
		err := f.directAttempt(ctx, &remaining)
		if err == nil {
			return f.dev.Close()
		}
		f.dev.Close()
		if *retries <= 0 {
			return err
		}
		*retries--
		f.log.Warn().Err(err).Int("retriesLeft", *retries).Msg("direct flash attempt failed; retrying")
	}
}

func (f *Flasher) directAttempt(ctx context.Context, remaining *[]*firmware.Module) error {
	if err := f.dev.Open(ctx); err != nil {
		return err
	}
	if err := f.dev.PrepareToFlash(ctx); err != nil {
		return err
	}
	for len(*remaining) > 0 {
		m := (*remaining)[0]
		file, err := f.moduleFile(m)
		if err != nil {
			return err
		}
		f.log.Info().Str("module", m.String()).Msg("writing module")
		if err := f.dev.WriteToFlash(ctx, file, m.Storage, m.Address); err != nil {
			return err
		}
		*remaining = (*remaining)[1:]
	}
	return f.dev.Reset(ctx)
}

// flashViaUpdate streams the remaining modules over the USB
// update-request transport, reopening the device whenever a write leaves a
// reset pending.
func (f *Flasher) flashViaUpdate(ctx context.Context, modules []*firmware.Module, retries *int, afterReset bool) error {
	if afterReset {
		select {
		case <-time.After(reenumerationWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	remaining := modules
	for {
		err := f.updateAttempt(ctx, &remaining)
		if err == nil {
			return nil
		}
		if *retries <= 0 {
			return err
		}
		*retries--
		f.log.Warn().Err(err).Int("retriesLeft", *retries).Msg("update-request attempt failed; retrying")
	}
}

func (f *Flasher) updateAttempt(ctx context.Context, remaining *[]*firmware.Module) error {
	dev, err := f.usbOpener.OpenByID(ctx, f.dev.ID(), reopenTimeout)
	if err != nil {
		return err
	}
	defer func() { dev.Close() }()

	if err := dev.PrepareToFlash(ctx); err != nil {
		return err
	}
	resetPending := false
	for len(*remaining) > 0 {
		m := (*remaining)[0]
		f.log.Info().Str("module", m.String()).Msg("sending module via update request")
		resetPending, err = dev.FlashModule(ctx, m)
		if err != nil {
			return err
		}
		*remaining = (*remaining)[1:]
		if resetPending && len(*remaining) > 0 {
			if err := dev.Close(); err != nil {
				return err
			}
			select {
			case <-time.After(reenumerationWait):
			case <-ctx.Done():
				return ctx.Err()
			}
			if dev, err = f.usbOpener.OpenByID(ctx, f.dev.ID(), reopenTimeout); err != nil {
				return err
			}
			if err := dev.PrepareToFlash(ctx); err != nil {
				return err
			}
		}
	}
	if resetPending {
		// The last write already queued a reset; the device restarts on
		// its own.
		return nil
	}
	return dev.Reset(ctx)
}

// moduleFile returns the path to write for a module. Drop-header modules
// are materialized as a sibling file with the header removed, once per
// source path.
func (f *Flasher) moduleFile(m *firmware.Module) (string, error) {
	if !m.DropHeader {
		return m.FilePath, nil
	}
	if path, ok := f.stripped[m.FilePath]; ok {
		return path, nil
	}

	data, err := os.ReadFile(m.FilePath)
	if err != nil {
		return "", err
	}
	if len(data) < m.HeaderSize {
		return "", fmt.Errorf("%s: shorter than its own header", m.FilePath)
	}
	if err := os.MkdirAll(f.tempDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(f.tempDir, filepath.Base(m.FilePath))
	if err := os.WriteFile(path, data[m.HeaderSize:], 0o644); err != nil {
		return "", err
	}
	f.stripped[m.FilePath] = path
	return path, nil
}
