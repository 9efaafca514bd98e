package openocd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
	"github.com/particle-iot/device-os-flash-util/pkg/telnet"
	"github.com/particle-iot/device-os-flash-util/pkg/util"
)

// flashTimeout bounds one flash write command.
const flashTimeout = 2 * time.Minute

// resetTimeout bounds reset commands.
const resetTimeout = 10 * time.Second

// minResetInterval is the shortest allowed spacing between resets of the
// same target.
const minResetInterval = 5 * time.Second

// dapIndexCount is how many debug-port indices the detection probe walks.
const dapIndexCount = 5

// UnknownTargetPlatformError reports failed MCU auto-detection, carrying
// the probe transcript for diagnosis.
type UnknownTargetPlatformError struct {
	Transcript string
}

func (e *UnknownTargetPlatformError) Error() string {
	return "cannot detect target platform via debug port"
}

// execFunc abstracts command execution against the control client.
type execFunc func(ctx context.Context, cmd string, timeout time.Duration) (string, error)

// Device is one board behind a debug adapter.
type Device struct {
	adapter  *Adapter
	mcu      *mcuConfig
	platform *platform.Platform
	id       string

	executable string
	throttle   *restartThrottle

	daemon *Daemon
	client *telnet.Client

	lastReset time.Time
	log       zerolog.Logger
}

var _ device.Device = (*Device)(nil)

func (d *Device) ID() string                       { return d.id }
func (d *Device) Platform() *platform.Platform     { return d.platform }
func (d *Device) SetPlatform(p *platform.Platform) { d.platform = p }

// Adapter returns the debug adapter this device is attached through.
func (d *Device) Adapter() *Adapter { return d.adapter }

// Open detects the target MCU if necessary, starts the daemon with the
// real target configuration and reads the device id.
func (d *Device) Open(ctx context.Context) error {
	if d.client != nil {
		return nil
	}

	if d.mcu == nil {
		if len(d.adapter.MCUs) == 1 {
			cfg, err := mcuForFamily(d.adapter.MCUs[0])
			if err != nil {
				return err
			}
			d.mcu = cfg
		} else if err := d.detectMCU(ctx); err != nil {
			return err
		}
	}

	if err := d.startDaemon(ctx, d.targetArgs()); err != nil {
		return err
	}
	if d.mcu.AssertSRST {
		if err := d.resetHalt(ctx); err != nil {
			d.closeDaemon(ctx)
			return err
		}
	}

	if d.id == "" {
		id, err := d.readDeviceID(ctx)
		if err != nil {
			d.closeDaemon(ctx)
			return err
		}
		d.id = id
		d.log = d.log.With().Str("device", id).Logger()
		d.log.Debug().Str("mcu", string(d.mcu.Family)).Msg("debug target ready")
	}
	return nil
}

// detectMCU starts a probe daemon with a generic Cortex-M target and walks
// the debug-port indices, matching the responses against the candidate
// MCUs' manufacturer strings. When nothing matches it retries once with
// SRST asserted on connect.
func (d *Device) detectMCU(ctx context.Context) error {
	var transcripts []string
	for _, assertSRST := range []bool{false, true} {
		transcript, err := d.runProbe(ctx, assertSRST)
		if err != nil {
			return err
		}
		if cfg := matchMCU(transcript, d.adapter.MCUs); cfg != nil {
			d.mcu = cfg
			return nil
		}
		transcripts = append(transcripts, transcript)
	}
	return &UnknownTargetPlatformError{Transcript: strings.Join(transcripts, "\n")}
}

// runProbe performs one probe daemon session and returns the concatenated
// dap info responses.
func (d *Device) runProbe(ctx context.Context, assertSRST bool) (string, error) {
	if err := d.startDaemon(ctx, d.probeArgs(assertSRST)); err != nil {
		return "", err
	}
	defer d.closeDaemon(ctx)

	var transcript strings.Builder
	for dp := 0; dp < dapIndexCount; dp++ {
		resp, err := d.exec(ctx, fmt.Sprintf("dap info %d", dp), 0)
		if err != nil {
			return transcript.String(), err
		}
		transcript.WriteString(resp)
		transcript.WriteString("\n")
		if noAPPattern.MatchString(resp) {
			break
		}
	}
	return transcript.String(), nil
}

// probeArgs builds the daemon invocation for MCU detection: the adapter's
// interface plus a generic Cortex-M target.
func (d *Device) probeArgs(assertSRST bool) []string {
	cmds := []string{
		"swd newdap probe cpu -enable",
		"dap create probe.dap -chain-position probe.cpu",
		"target create probe.cpu cortex_m -dap probe.dap",
	}
	if assertSRST {
		cmds = append(cmds, "reset_config connect_assert_srst srst_only srst_nogate")
	}
	return d.daemonArgs(nil, cmds)
}

// targetArgs builds the daemon invocation for real operation.
func (d *Device) targetArgs() []string {
	var cmds []string
	if d.adapter.ExtraInit != "" {
		cmds = append(cmds, d.adapter.ExtraInit)
	}
	return d.daemonArgs([]string{d.mcu.TargetConfig}, cmds)
}

// daemonArgs assembles the common daemon command line.
func (d *Device) daemonArgs(configs, commands []string) []string {
	args := []string{
		"-f", d.adapter.InterfaceConfig,
		"-c", "transport select " + d.adapter.Transport,
	}
	if d.adapter.Serial != "" {
		args = append(args, "-c", d.adapter.SerialCommand+" "+d.adapter.Serial)
	}
	for _, cfg := range configs {
		args = append(args, "-f", cfg)
	}
	for _, cmd := range commands {
		args = append(args, "-c", cmd)
	}
	return append(args,
		"-c", fmt.Sprintf("telnet_port %d", d.adapter.ControlPort()),
		"-c", "gdb_port disabled",
		"-c", "tcl_port disabled",
	)
}

// startDaemon spawns a daemon honoring the restart throttle and connects
// the control client to it.
func (d *Device) startDaemon(ctx context.Context, args []string) error {
	if err := d.throttle.wait(ctx); err != nil {
		return err
	}
	daemon := newDaemon(d.executable, args, d.adapter.ControlPort(), d.log)
	if err := daemon.Start(ctx); err != nil {
		d.throttle.noteStop()
		return err
	}

	client, err := telnet.Connect(ctx, daemon.Addr(), telnet.Options{
		ShellPrompt:     "> ",
		EnableEcho:      true,
		SuppressGoAhead: true,
	}, d.log)
	if err != nil {
		daemon.Stop(ctx, nil)
		d.throttle.noteStop()
		return err
	}
	d.daemon = daemon
	d.client = client
	return nil
}

// closeDaemon stops the current daemon and client pair.
func (d *Device) closeDaemon(ctx context.Context) {
	if d.daemon == nil {
		return
	}
	d.daemon.Stop(ctx, d.client)
	if d.client != nil {
		d.client.Disconnect()
	}
	d.daemon = nil
	d.client = nil
	d.throttle.noteStop()
}

func (d *Device) exec(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if d.client == nil {
		return "", device.ErrNotOpen
	}
	resp, err := d.client.Exec(ctx, cmd, timeout)
	if err != nil {
		return "", fmt.Errorf("%q: %w", cmd, err)
	}
	return resp, nil
}

// readDeviceID obtains the device id from the halted target.
func (d *Device) readDeviceID(ctx context.Context) (string, error) {
	return readDeviceID(ctx, d.exec, &d.mcu.DeviceID, d.resetHalt)
}

// readDeviceID is the transport-independent readout: either a memory read
// parsed from mdb output, or a target-specific procedure matched by
// pattern.
func readDeviceID(ctx context.Context, exec execFunc, ro *deviceIDReadout, halt func(context.Context) error) (string, error) {
	if ro.Proc != "" {
		resp, err := exec(ctx, ro.Proc, 0)
		if err != nil {
			return "", err
		}
		m := ro.Pattern.FindStringSubmatch(resp)
		if m == nil {
			return "", fmt.Errorf("cannot parse device id from %q", resp)
		}
		return strings.ToLower(strings.Join(m[1:], "")), nil
	}

	if halt != nil {
		if err := halt(ctx); err != nil {
			return "", err
		}
	}
	resp, err := exec(ctx, fmt.Sprintf("mdb 0x%08x %d", ro.Address, ro.Count), 0)
	if err != nil {
		return "", err
	}
	id, err := parseMemoryBytes(resp, ro.Address, ro.Count)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ro.Prefix + id), nil
}

// resetHalt brings the target into a halted state, falling back from
// "reset init" to "reset halt" to "soft_reset_halt".
func (d *Device) resetHalt(ctx context.Context) error {
	for _, cmd := range []string{"reset init", "reset halt"} {
		resp, err := d.exec(ctx, cmd, resetTimeout)
		if err == nil && targetHaltedPattern.MatchString(resp) {
			return nil
		}
	}
	if _, err := d.exec(ctx, "soft_reset_halt", resetTimeout); err != nil {
		return fmt.Errorf("cannot halt target: %w", err)
	}
	return nil
}

// Reset restarts the target, spacing resets of the same target at least
// five seconds apart.
func (d *Device) Reset(ctx context.Context) error {
	if remaining := minResetInterval - time.Since(d.lastReset); remaining > 0 && !d.lastReset.IsZero() {
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cmd := "reset run"
	if d.mcu != nil && d.mcu.RunProc != "" {
		cmd = d.mcu.RunProc
	}
	if _, err := d.exec(ctx, cmd, resetTimeout); err != nil {
		return err
	}
	d.lastReset = time.Now()
	return nil
}

// PrepareToFlash halts the target ahead of flash writes.
func (d *Device) PrepareToFlash(ctx context.Context) error {
	return d.resetHalt(ctx)
}

// WriteToFlash writes a file into the target's internal flash.
func (d *Device) WriteToFlash(ctx context.Context, file string, storage platform.Storage, address uint32) error {
	if storage != platform.StorageInternalFlash {
		return fmt.Errorf("%w: %s via debug adapter", device.ErrUnsupportedStorage, storage)
	}
	if d.client == nil {
		return device.ErrNotOpen
	}

	var cmd string
	switch d.mcu.FlashMethod {
	case flashWriteImageUnlock:
		cmd = fmt.Sprintf("flash write_image erase unlock %s %s", file, util.HexAddr(address))
	case flashProgram:
		cmd = fmt.Sprintf("program %s %s", file, util.HexAddr(address))
	case flashCustomProc:
		cmd = fmt.Sprintf("%s %s %s", d.mcu.FlashProc, file, util.HexAddr(address))
	}

	resp, err := d.exec(ctx, cmd, flashTimeout)
	if err != nil {
		return err
	}
	if !flashSucceeded(d.mcu.FlashMethod, resp) {
		return fmt.Errorf("flash write failed: %s", lastResponseLine(resp))
	}
	return nil
}

// FlashModule writes a module image at its base address.
func (d *Device) FlashModule(ctx context.Context, m *firmware.Module) (bool, error) {
	if err := d.WriteToFlash(ctx, m.FilePath, m.Storage, m.Address); err != nil {
		return false, err
	}
	return false, nil
}

// CanFlashModule accepts anything living in internal flash; the debug
// adapter writes bootloaders safely because the target is halted.
func (d *Device) CanFlashModule(m *firmware.Module) bool {
	return m.Storage == platform.StorageInternalFlash
}

// CanWriteToFlash is limited to internal flash.
func (d *Device) CanWriteToFlash(storage platform.Storage) bool {
	return storage == platform.StorageInternalFlash
}

// Close releases the daemon and control client. When the adapter held the
// target in reset and nothing is mid-command, the target is released into
// normal operation first.
func (d *Device) Close() error {
	if d.daemon == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.mcu != nil && d.mcu.AssertSRST && d.client != nil && d.client.Idle() {
		cmd := "reset run"
		if d.mcu.RunProc != "" {
			cmd = d.mcu.RunProc
		}
		if _, err := d.exec(ctx, cmd, resetTimeout); err != nil {
			d.log.Debug().Err(err).Msg("release reset before shutdown failed")
		}
	}
	d.closeDaemon(ctx)
	return nil
}

func lastResponseLine(resp string) string {
	lines := strings.Split(strings.TrimSpace(resp), "\n")
	if len(lines) == 0 {
		return resp
	}
	return lines[len(lines)-1]
}

var errNoAdapters = errors.New("no debug adapters found")
