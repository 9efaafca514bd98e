// Package openocd drives boards through a hardware debug adapter. It owns
// the target-control daemon subprocess and a control-protocol client to its
// TCP port, auto-detects the target MCU, writes flash and issues resets.
package openocd

import (
	"fmt"

	"github.com/particle-iot/device-os-flash-util/pkg/platform"
)

// controlPortBase is the TCP control port of the first adapter; adapter N
// listens on controlPortBase+N-1.
const controlPortBase = 4444

// AdapterType names a supported debug adapter family.
type AdapterType string

const (
	AdapterSTLinkV2         AdapterType = "stlink-v2"
	AdapterJLink            AdapterType = "jlink"
	AdapterDAPLink          AdapterType = "daplink"
	AdapterParticleDebugger AdapterType = "particle-debugger"
)

// AdapterInfo is the static description of one adapter family.
type AdapterInfo struct {
	Type        AdapterType
	DisplayName string

	VendorID  uint16
	ProductID uint16

	// InterfaceConfig is the daemon's interface configuration file.
	InterfaceConfig string
	// SerialCommand selects one adapter among several of the same kind.
	SerialCommand string
	// Transport passed to "transport select".
	Transport string
	// ExtraInit is appended to the init command string when present.
	ExtraInit string

	// MCUs this adapter family is used with. A single-element list skips
	// target auto-detection.
	MCUs []platform.MCUFamily
}

// knownAdapters is the adapter table, matched by VID:PID.
var knownAdapters = []AdapterInfo{
	{
		Type:            AdapterSTLinkV2,
		DisplayName:     "ST-LINK/V2",
		VendorID:        0x0483,
		ProductID:       0x3748,
		InterfaceConfig: "interface/stlink.cfg",
		SerialCommand:   "hla_serial",
		Transport:       "hla_swd",
		MCUs:            []platform.MCUFamily{platform.MCUSTM32F2xx},
	},
	{
		Type:            AdapterJLink,
		DisplayName:     "SEGGER J-Link",
		VendorID:        0x1366,
		ProductID:       0x0101,
		InterfaceConfig: "interface/jlink.cfg",
		SerialCommand:   "jlink serial",
		Transport:       "swd",
		MCUs:            []platform.MCUFamily{platform.MCUSTM32F2xx, platform.MCUnRF52840, platform.MCURTL872x},
	},
	{
		Type:            AdapterDAPLink,
		DisplayName:     "CMSIS-DAP",
		VendorID:        0x0D28,
		ProductID:       0x0204,
		InterfaceConfig: "interface/cmsis-dap.cfg",
		SerialCommand:   "cmsis_dap_serial",
		Transport:       "swd",
		MCUs:            []platform.MCUFamily{platform.MCUSTM32F2xx, platform.MCUnRF52840, platform.MCURTL872x},
	},
	{
		Type:            AdapterParticleDebugger,
		DisplayName:     "Particle Debugger",
		VendorID:        0x2B04,
		ProductID:       0xC00F,
		InterfaceConfig: "interface/cmsis-dap.cfg",
		SerialCommand:   "cmsis_dap_serial",
		Transport:       "swd",
		MCUs:            []platform.MCUFamily{platform.MCUnRF52840, platform.MCURTL872x},
	},
}

// Adapter is one attached debug adapter.
type Adapter struct {
	AdapterInfo

	// Serial is the adapter's USB serial, escaped for safe display.
	Serial string
	// Index orders adapters of all kinds as discovered, starting at 1.
	Index int
}

// ControlPort is the TCP control port assigned to this adapter.
func (a *Adapter) ControlPort() int {
	return controlPortBase + a.Index - 1
}

func (a *Adapter) String() string {
	return fmt.Sprintf("%s (%s)", a.DisplayName, a.Serial)
}

// matchAdapter looks a VID:PID pair up in the adapter table.
func matchAdapter(vid, pid uint16) (AdapterInfo, bool) {
	for _, info := range knownAdapters {
		if info.VendorID == vid && info.ProductID == pid {
			return info, true
		}
	}
	return AdapterInfo{}, false
}
