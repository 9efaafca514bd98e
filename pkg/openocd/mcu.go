package openocd

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/particle-iot/device-os-flash-util/pkg/platform"
)

// flashMethod selects how a target's internal flash is written.
type flashMethod int

const (
	// flashWriteImageUnlock uses "flash write_image erase unlock".
	flashWriteImageUnlock flashMethod = iota
	// flashProgram uses the high-level "program" command.
	flashProgram
	// flashCustomProc calls a target-specific Tcl procedure.
	flashCustomProc
)

// deviceIDReadout describes how the 24-digit device id is obtained from a
// halted target.
type deviceIDReadout struct {
	// Memory read: n bytes at addr via mdb, optionally prefixed.
	Address uint32
	Count   int
	Prefix  string

	// Custom procedure: its output is matched by Pattern and the capture
	// groups concatenated.
	Proc    string
	Pattern *regexp.Regexp
}

// mcuConfig is the per-MCU-family debug configuration.
type mcuConfig struct {
	Family       platform.MCUFamily
	TargetConfig string

	// ManufacturerMatch identifies this MCU in "dap info" output during
	// target auto-detection.
	ManufacturerMatch string

	// AssertSRST reset-halts the target right after connecting.
	AssertSRST bool

	FlashMethod flashMethod
	// FlashProc is the Tcl procedure for flashCustomProc.
	FlashProc string

	// RunProc overrides "reset run" when set.
	RunProc string

	DeviceID deviceIDReadout
}

var mcuConfigs = map[platform.MCUFamily]*mcuConfig{
	platform.MCUSTM32F2xx: {
		Family:            platform.MCUSTM32F2xx,
		TargetConfig:      "target/stm32f2x.cfg",
		ManufacturerMatch: "STMicroelectronics",
		FlashMethod:       flashWriteImageUnlock,
		DeviceID: deviceIDReadout{
			Address: 0x1FFF7A10,
			Count:   12,
		},
	},
	platform.MCUnRF52840: {
		Family:            platform.MCUnRF52840,
		TargetConfig:      "target/nrf52.cfg",
		ManufacturerMatch: "Nordic VLSI ASA",
		FlashMethod:       flashProgram,
		DeviceID: deviceIDReadout{
			Address: 0x10000060,
			Count:   8,
			Prefix:  "e00fce68",
		},
	},
	platform.MCURTL872x: {
		Family:            platform.MCURTL872x,
		TargetConfig:      "target/rtl872x.cfg",
		ManufacturerMatch: "Realtek Semiconductor",
		AssertSRST:        true,
		FlashMethod:       flashCustomProc,
		FlashProc:         "rtl872x_flash_write_bin",
		RunProc:           "rtl872x_reset_run",
		DeviceID: deviceIDReadout{
			Proc:    "rtl872x_read_device_id",
			Pattern: regexp.MustCompile(`(?i)device id: ([0-9a-f]{8}) ([0-9a-f]{16})`),
		},
	},
}

// mcuForFamily resolves the debug configuration for an MCU family.
func mcuForFamily(f platform.MCUFamily) (*mcuConfig, error) {
	if cfg, ok := mcuConfigs[f]; ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("no debug configuration for MCU family %q", f)
}

// Response patterns for flash and reset verification.
var (
	wroteBytesPattern   = regexp.MustCompile(`(?i)wrote \d+ bytes from file`)
	programDonePattern  = regexp.MustCompile(`(?i)\*\* programming finished \*\*`)
	targetHaltedPattern = regexp.MustCompile(`(?i)target halted due to`)
	noAPPattern         = regexp.MustCompile(`(?i)no ap`)
)

// flashSucceeded checks a write response against the method's success
// pattern.
func flashSucceeded(method flashMethod, response string) bool {
	switch method {
	case flashWriteImageUnlock:
		return wroteBytesPattern.MatchString(response)
	default:
		return programDonePattern.MatchString(response)
	}
}

// parseMemoryBytes parses "mdb" output of the form
// "0x10000060: aa bb cc ..." and returns the hex bytes, lowercased and
// concatenated.
func parseMemoryBytes(response string, addr uint32, count int) (string, error) {
	pattern := regexp.MustCompile(fmt.Sprintf(`(?im)^0x%08x: ((?:[0-9a-f]{2}\s*){%d})$`, addr, count))
	m := pattern.FindStringSubmatch(response)
	if m == nil {
		return "", fmt.Errorf("cannot parse memory read response %q", response)
	}
	return strings.ToLower(strings.Join(strings.Fields(m[1]), "")), nil
}

// matchMCU finds the first configured MCU whose manufacturer string
// appears in a probe transcript, restricted to the candidate families.
func matchMCU(transcript string, candidates []platform.MCUFamily) *mcuConfig {
	for _, f := range candidates {
		cfg, ok := mcuConfigs[f]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(transcript), strings.ToLower(cfg.ManufacturerMatch)) {
			return cfg
		}
	}
	return nil
}
