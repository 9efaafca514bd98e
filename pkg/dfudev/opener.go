package dfudev

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
	"github.com/particle-iot/device-os-flash-util/pkg/usbdev"
)

// Opener discovers boards for the raw programmer transport.
type Opener struct {
	usb *usbdev.Opener

	// Programmer overrides the external programmer executable.
	Programmer string
	// PreferBusPort selects devices by bus/port path instead of serial,
	// for hosts where serial matching is ambiguous.
	PreferBusPort bool

	log zerolog.Logger
}

var _ device.Opener = (*Opener)(nil)

// NewOpener builds a DFU opener on top of USB discovery.
func NewOpener(cat *platform.Catalog, log zerolog.Logger) *Opener {
	return &Opener{
		usb:        usbdev.NewOpener(cat, log),
		Programmer: DefaultProgrammer,
		log:        log,
	}
}

func (o *Opener) Name() string { return "dfu" }

func (o *Opener) wrap(d *usbdev.Device) *Device {
	return &Device{
		usb:        d,
		opener:     o.usb,
		programmer: o.Programmer,
		preferPort: o.PreferBusPort,
		log:        o.log.With().Str("device", d.ID()).Logger(),
	}
}

// List enumerates candidate boards over USB.
func (o *Opener) List(ctx context.Context) ([]device.Device, error) {
	usbDevs, err := o.usb.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]device.Device, 0, len(usbDevs))
	for _, d := range usbDevs {
		if usb, ok := d.(*usbdev.Device); ok {
			out = append(out, o.wrap(usb))
		}
	}
	return out, nil
}

// OpenByID opens one board by id, waiting for enumeration.
func (o *Opener) OpenByID(ctx context.Context, id string, timeout time.Duration) (device.Device, error) {
	d, err := o.usb.OpenByID(ctx, id, timeout)
	if err != nil {
		return nil, err
	}
	return o.wrap(d.(*usbdev.Device)), nil
}
