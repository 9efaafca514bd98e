package usbdev

import (
	"fmt"
	"strings"

	"github.com/google/gousb"
)

// Vendor control requests understood by Device OS.
const (
	requestEnterListeningMode = 0x70
	requestEnterDFUMode       = 0x71
	requestReset              = 0x72
	requestFirmwareUpdate     = 0x73
)

// Control transfers carry at most this much data per request.
const controlChunkSize = 4096

// vendorOut is the bmRequestType for host-to-device vendor requests.
const vendorOut = uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice)

// escapeSerial renders a USB serial string safely: control and DEL bytes
// become \xNN escapes, other non-ASCII bytes become '?'.
func escapeSerial(s string) string {
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

// busPortPath renders the OS-level bus and port chain of a device, the form
// the external programmer accepts for -p.
func busPortPath(desc *gousb.DeviceDesc) string {
	if len(desc.Path) == 0 {
		return fmt.Sprintf("%d", desc.Bus)
	}
	ports := make([]string, len(desc.Path))
	for i, p := range desc.Path {
		ports[i] = fmt.Sprintf("%d", p)
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(ports, "."))
}
