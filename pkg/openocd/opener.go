package openocd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
)

// Opener discovers attached debug adapters and hands out devices bound to
// them.
type Opener struct {
	// Executable overrides the daemon binary.
	Executable string

	log zerolog.Logger

	mu      sync.Mutex
	devices []*Device
}

var _ device.Opener = (*Opener)(nil)

// NewOpener builds a debug-adapter opener.
func NewOpener(log zerolog.Logger) *Opener {
	return &Opener{Executable: DefaultExecutable, log: log}
}

func (o *Opener) Name() string { return "openocd" }

// DiscoverAdapters enumerates attached debug adapters over USB. Each
// adapter gets an index, which fixes its control port.
func (o *Opener) DiscoverAdapters(ctx context.Context) ([]*Adapter, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	var adapters []*Adapter
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		_, ok := matchAdapter(uint16(desc.Vendor), uint16(desc.Product))
		return ok
	})
	if err != nil && err != gousb.ErrorAccess && len(devs) == 0 {
		return nil, err
	}

	for _, dev := range devs {
		info, _ := matchAdapter(uint16(dev.Desc.Vendor), uint16(dev.Desc.Product))
		serial, serr := dev.SerialNumber()
		dev.Close()
		if serr != nil {
			o.log.Warn().Err(serr).Str("adapter", info.DisplayName).Msg("cannot read adapter serial")
			serial = ""
		}
		adapters = append(adapters, &Adapter{
			AdapterInfo: info,
			Serial:      escapeAdapterSerial(serial),
			Index:       len(adapters) + 1,
		})
	}
	return adapters, nil
}

// List returns one device per attached adapter. Device ids are unknown
// until the devices are opened.
func (o *Opener) List(ctx context.Context) ([]device.Device, error) {
	adapters, err := o.DiscoverAdapters(ctx)
	if err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, errNoAdapters
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.devices = o.devices[:0]
	out := make([]device.Device, 0, len(adapters))
	for _, a := range adapters {
		d := &Device{
			adapter:    a,
			executable: o.Executable,
			throttle:   &restartThrottle{},
			log:        o.log.With().Str("adapter", a.String()).Logger(),
		}
		o.devices = append(o.devices, d)
		out = append(out, d)
	}
	return out, nil
}

// OpenByID reopens a previously listed device. Debug-adapter devices keep
// their adapter binding, so the id must already be known from an earlier
// open.
func (o *Opener) OpenByID(ctx context.Context, id string, timeout time.Duration) (device.Device, error) {
	id = strings.ToLower(id)

	o.mu.Lock()
	var found *Device
	for _, d := range o.devices {
		if d.ID() == id {
			found = d
			break
		}
	}
	o.mu.Unlock()
	if found == nil {
		return nil, fmt.Errorf("%w: %s (not behind a known debug adapter)", device.ErrDeviceNotFound, id)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := found.Open(ctx); err != nil {
		return nil, err
	}
	return found, nil
}

// escapeAdapterSerial renders adapter serial strings safely for display
// and for the daemon command line.
func escapeAdapterSerial(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		switch {
		case c < 0x20 || c == 0x7F:
			fmt.Fprintf(&b, `\x%02X`, c)
		case c > 0x7F:
			b.WriteByte('?')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
