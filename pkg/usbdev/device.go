// Package usbdev drives boards over plain USB: enumeration of Device OS
// boards by VID/PID, vendor control requests, and the update-request
// transport that streams whole module images to the running firmware.
package usbdev

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
)

// flashTimeout bounds one whole-module update-request write.
const flashTimeout = 4 * time.Minute

// Device is one board reachable over its own USB interface.
type Device struct {
	id       string
	platform *platform.Platform
	desc     *gousb.DeviceDesc
	inDFU    bool

	usb *gousb.Context
	dev *gousb.Device
	log zerolog.Logger
}

var _ device.Device = (*Device)(nil)

// NewDevice builds a Device from an already-read descriptor. Discovery
// normally constructs devices; this is for callers that carry their own
// enumeration results.
func NewDevice(id string, p *platform.Platform, desc *gousb.DeviceDesc, inDFU bool, log zerolog.Logger) *Device {
	return &Device{id: id, platform: p, desc: desc, inDFU: inDFU, log: log}
}

func (d *Device) ID() string                       { return d.id }
func (d *Device) Platform() *platform.Platform     { return d.platform }
func (d *Device) SetPlatform(p *platform.Platform) { d.platform = p }

// InDFUMode reports whether the device enumerated with its DFU product id.
func (d *Device) InDFUMode() bool { return d.inDFU }

// Description returns the USB descriptor the device enumerated with.
func (d *Device) Description() *gousb.DeviceDesc { return d.desc }

// BusPortPath renders the bus/port chain for external tools.
func (d *Device) BusPortPath() string { return busPortPath(d.desc) }

// Open acquires a USB handle for the device's current descriptor.
func (d *Device) Open(ctx context.Context) error {
	if d.dev != nil {
		return nil
	}

	usb := gousb.NewContext()
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == d.desc.Bus && desc.Address == d.desc.Address &&
			desc.Vendor == d.desc.Vendor && desc.Product == d.desc.Product
	})
	if err != nil && len(devs) == 0 {
		usb.Close()
		return fmt.Errorf("%w %s: %v", device.ErrOpenFailed, d.id, err)
	}
	if len(devs) == 0 {
		usb.Close()
		return fmt.Errorf("%w %s: device disappeared", device.ErrOpenFailed, d.id)
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev := devs[0]
	if err := dev.SetAutoDetach(true); err != nil {
		d.log.Debug().Err(err).Msg("cannot auto-detach kernel driver")
	}
	d.usb = usb
	d.dev = dev
	return nil
}

// Close releases the USB handle. Safe to call when already closed.
func (d *Device) Close() error {
	if d.dev == nil {
		return nil
	}
	err := d.dev.Close()
	d.dev = nil
	if d.usb != nil {
		d.usb.Close()
		d.usb = nil
	}
	return err
}

func (d *Device) control(request uint8, value, index uint16, data []byte) error {
	if d.dev == nil {
		return device.ErrNotOpen
	}
	if _, err := d.dev.Control(vendorOut, request, value, index, data); err != nil {
		return fmt.Errorf("control request 0x%02x: %w", request, err)
	}
	return nil
}

// PrepareToFlash puts the device into listening mode, a safe non-cloud
// state for a write sequence.
func (d *Device) PrepareToFlash(ctx context.Context) error {
	return d.control(requestEnterListeningMode, 0, 0, nil)
}

// Reset restarts the device's firmware.
func (d *Device) Reset(ctx context.Context) error {
	return d.control(requestReset, 0, 0, nil)
}

// EnterDFUMode asks the running firmware to reboot into the bootloader's
// DFU mode. The handle is unusable afterwards; callers close and reopen.
func (d *Device) EnterDFUMode(ctx context.Context) error {
	return d.control(requestEnterDFUMode, 0, 0, nil)
}

// FlashModule streams the whole module image to the device via the
// firmware-update control request. The device applies the image and
// re-enumerates, so the result is always reset-pending.
func (d *Device) FlashModule(ctx context.Context, m *firmware.Module) (bool, error) {
	if d.dev == nil {
		return false, device.ErrNotOpen
	}
	data, err := os.ReadFile(m.FilePath)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, flashTimeout)
	defer cancel()

	d.log.Debug().Str("module", m.String()).Int("bytes", len(data)).Msg("sending update request")
	for off := 0; off < len(data); off += controlChunkSize {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		end := off + controlChunkSize
		if end > len(data) {
			end = len(data)
		}
		// wValue carries the 4K block number; the final block has wIndex 1.
		var final uint16
		if end == len(data) {
			final = 1
		}
		if err := d.control(requestFirmwareUpdate, uint16(off/controlChunkSize), final, data[off:end]); err != nil {
			return false, err
		}
	}
	return true, nil
}

// WriteToFlash is not available over the update-request transport; the
// running firmware only accepts whole modules.
func (d *Device) WriteToFlash(ctx context.Context, file string, storage platform.Storage, address uint32) error {
	return device.ErrUnsupportedStorage
}

// CanFlashModule accepts every module; the firmware routes images itself.
func (d *Device) CanFlashModule(m *firmware.Module) bool { return true }

// CanWriteToFlash is always false for this transport.
func (d *Device) CanWriteToFlash(storage platform.Storage) bool { return false }
