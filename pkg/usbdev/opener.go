package usbdev

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
	"github.com/particle-iot/device-os-flash-util/pkg/util"
)

// reopenPollInterval paces OpenByID's wait for re-enumeration.
const reopenPollInterval = 500 * time.Millisecond

// Opener discovers Device OS boards over USB.
type Opener struct {
	catalog *platform.Catalog
	log     zerolog.Logger
}

var _ device.Opener = (*Opener)(nil)

// NewOpener builds a USB opener against the catalog's VID/PID tables.
func NewOpener(cat *platform.Catalog, log zerolog.Logger) *Opener {
	if cat == nil {
		cat = platform.Default()
	}
	return &Opener{catalog: cat, log: log}
}

func (o *Opener) Name() string { return "usb" }

// classify matches a USB descriptor against the catalog. It returns the
// platform and whether the device is in DFU mode.
func (o *Opener) classify(desc *gousb.DeviceDesc) (*platform.Platform, bool) {
	for _, p := range o.catalog.All() {
		switch {
		case uint16(desc.Vendor) == p.USBVendorID && uint16(desc.Product) == p.USBProductID:
			return p, false
		case uint16(desc.Vendor) == p.DFUVendorID && uint16(desc.Product) == p.DFUProductID:
			return p, true
		}
	}
	return nil, false
}

// List enumerates candidate boards. Each device's handle is acquired just
// long enough to read its serial and released again; the USB bus is a
// shared resource.
func (o *Opener) List(ctx context.Context) ([]device.Device, error) {
	var out []device.Device
	err := o.visit(ctx, func(d *Device) {
		out = append(out, d)
	})
	return out, err
}

// Probe enumerates boards and reports the id to platform-id mapping USB
// interrogation yields, without retaining any device.
func (o *Opener) Probe(ctx context.Context) (map[string]*platform.Platform, error) {
	found := make(map[string]*platform.Platform)
	err := o.visit(ctx, func(d *Device) {
		found[d.ID()] = d.Platform()
	})
	return found, err
}

// visit opens each matching USB device, reads its identity and closes it
// before invoking fn with a closed Device.
func (o *Opener) visit(ctx context.Context, fn func(*Device)) error {
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		p, _ := o.classify(desc)
		return p != nil
	})
	if err != nil && err != gousb.ErrorAccess && len(devs) == 0 {
		return err
	}

	for _, dev := range devs {
		p, inDFU := o.classify(dev.Desc)
		serial, serr := dev.SerialNumber()
		desc := dev.Desc
		dev.Close()
		if serr != nil {
			o.log.Warn().Err(serr).Msg("cannot read USB serial; skipping device")
			continue
		}
		id, ok := util.NormalizeDeviceID(escapeSerial(serial))
		if !ok {
			o.log.Debug().Str("serial", escapeSerial(serial)).Msg("USB serial is not a device id; skipping")
			continue
		}
		fn(&Device{
			id:       id,
			platform: p,
			desc:     desc,
			inDFU:    inDFU,
			log:      o.log.With().Str("device", id).Logger(),
		})
	}
	return nil
}

// OpenByID polls for a device to enumerate with the given id and opens it.
// Used after resets, when a board takes several seconds to come back.
func (o *Opener) OpenByID(ctx context.Context, id string, timeout time.Duration) (device.Device, error) {
	id = strings.ToLower(id)
	deadline := time.Now().Add(timeout)
	for {
		var found *Device
		err := o.visit(ctx, func(d *Device) {
			if d.ID() == id && found == nil {
				found = d
			}
		})
		if err == nil && found != nil {
			if err := found.Open(ctx); err == nil {
				return found, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s (timed out after %s)", device.ErrDeviceNotFound, id, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reopenPollInterval):
		}
	}
}
