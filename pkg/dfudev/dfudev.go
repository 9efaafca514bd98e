// Package dfudev flashes boards in DFU mode by driving the external
// dfu-util programmer. The USB handle is used only to switch the board into
// its programmer mode and to identify it; the actual writes happen in the
// subprocess, which needs the interface to itself.
package dfudev

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
	"github.com/particle-iot/device-os-flash-util/pkg/usbdev"
	"github.com/particle-iot/device-os-flash-util/pkg/util"
)

// DefaultProgrammer is the external programmer executable, resolved via
// PATH.
const DefaultProgrammer = "dfu-util"

// programmerTimeout bounds one programmer invocation.
const programmerTimeout = 2 * time.Minute

// reopenTimeout bounds the wait for a board to re-enumerate in DFU mode.
const reopenTimeout = 60 * time.Second

// ProgrammerError reports a programmer subprocess that exited nonzero.
type ProgrammerError struct {
	ExitCode int
	Stderr   string
}

func (e *ProgrammerError) Error() string {
	return fmt.Sprintf("programmer exited with code %d: %s", e.ExitCode, e.Stderr)
}

// Device is one board driven through the raw programmer.
type Device struct {
	usb    *usbdev.Device
	opener *usbdev.Opener

	programmer string
	preferPort bool
	log        zerolog.Logger
}

var _ device.Device = (*Device)(nil)

func (d *Device) ID() string                       { return d.usb.ID() }
func (d *Device) Platform() *platform.Platform     { return d.usb.Platform() }
func (d *Device) SetPlatform(p *platform.Platform) { d.usb.SetPlatform(p) }

func (d *Device) Open(ctx context.Context) error { return d.usb.Open(ctx) }
func (d *Device) Close() error                   { return d.usb.Close() }

// PrepareToFlash moves the board into DFU mode ahead of the write
// sequence.
func (d *Device) PrepareToFlash(ctx context.Context) error {
	return d.ensureDFUMode(ctx)
}

// ensureDFUMode switches the board into its programmer mode and reopens
// the handle once it re-enumerates.
func (d *Device) ensureDFUMode(ctx context.Context) error {
	if d.usb.InDFUMode() {
		return nil
	}
	d.log.Debug().Msg("switching device to DFU mode")
	if err := d.usb.EnterDFUMode(ctx); err != nil {
		return err
	}
	if err := d.usb.Close(); err != nil {
		return err
	}
	reopened, err := d.opener.OpenByID(ctx, d.ID(), reopenTimeout)
	if err != nil {
		return err
	}
	usb, ok := reopened.(*usbdev.Device)
	if !ok || !usb.InDFUMode() {
		reopened.Close()
		return fmt.Errorf("%w %s: device did not re-enumerate in DFU mode", device.ErrOpenFailed, d.ID())
	}
	d.usb = usb
	return nil
}

// WriteToFlash writes file to an explicit storage address through the
// programmer subprocess.
func (d *Device) WriteToFlash(ctx context.Context, file string, storage platform.Storage, address uint32) error {
	p := d.Platform()
	if p == nil {
		return fmt.Errorf("platform unknown for device %s", d.ID())
	}
	alt, ok := p.AltSetting(storage)
	if !ok {
		return fmt.Errorf("%w: %s on %s", device.ErrUnsupportedStorage, storage, p.Name)
	}

	if err := d.ensureDFUMode(ctx); err != nil {
		return err
	}

	args := d.programmerArgs(alt, address, file)

	// The programmer claims the interface itself; release our handle
	// first and take it back when the subprocess is done.
	if err := d.usb.Close(); err != nil {
		return err
	}
	d.log.Debug().Strs("args", args).Msg("running programmer")
	_, err := util.Run(ctx, programmerTimeout, d.programmer, args...)
	if err != nil {
		var exitErr *util.ExitError
		if errors.As(err, &exitErr) {
			err = &ProgrammerError{ExitCode: exitErr.ExitCode, Stderr: exitErr.Stderr}
		}
		// Leave the device closed; the retry path reopens it.
		return err
	}

	reopened, oerr := d.opener.OpenByID(ctx, d.ID(), reopenTimeout)
	if oerr != nil {
		return oerr
	}
	if usb, ok := reopened.(*usbdev.Device); ok {
		d.usb = usb
	}
	return nil
}

// programmerArgs builds the dfu-util invocation. The board is selected by
// serial; hosts where serial matching is ambiguous select by bus and port
// instead.
func (d *Device) programmerArgs(alt uint8, address uint32, file string) []string {
	p := d.Platform()
	args := []string{
		"-d", fmt.Sprintf("%04x:%04x", p.DFUVendorID, p.DFUProductID),
	}
	if d.preferPort {
		args = append(args, "-p", d.usb.BusPortPath())
	} else {
		args = append(args, "-S", d.ID())
	}
	return append(args,
		"-a", fmt.Sprintf("%d", alt),
		"-s", util.HexAddr(address),
		"-D", file,
	)
}

// FlashModule writes a module image at its base address.
func (d *Device) FlashModule(ctx context.Context, m *firmware.Module) (bool, error) {
	if err := d.WriteToFlash(ctx, m.FilePath, m.Storage, m.Address); err != nil {
		return false, err
	}
	return false, nil
}

// CanFlashModule rejects bootloaders: a failed raw write to the bootloader
// region bricks the board, so bootloaders go through the update-request
// transport.
func (d *Device) CanFlashModule(m *firmware.Module) bool {
	if m.Type == platform.ModuleBootloader {
		return false
	}
	p := d.Platform()
	if p == nil {
		return false
	}
	_, ok := p.AltSetting(m.Storage)
	return ok
}

// CanWriteToFlash reports whether the platform exposes an alt-setting for
// the storage.
func (d *Device) CanWriteToFlash(storage platform.Storage) bool {
	p := d.Platform()
	if p == nil {
		return false
	}
	_, ok := p.AltSetting(storage)
	return ok
}

// Reset detaches the board from DFU mode, rebooting it into firmware.
func (d *Device) Reset(ctx context.Context) error {
	if d.usb.InDFUMode() {
		p := d.Platform()
		if err := d.usb.Close(); err != nil {
			return err
		}
		_, err := util.Run(ctx, programmerTimeout, d.programmer,
			"-d", fmt.Sprintf("%04x:%04x", p.DFUVendorID, p.DFUProductID),
			"-S", d.ID(),
			"-e",
		)
		return err
	}
	return d.usb.Reset(ctx)
}
