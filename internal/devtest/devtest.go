// Package devtest provides scripted device and opener fakes for flasher
// and fleet tests.
package devtest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/particle-iot/device-os-flash-util/pkg/device"
	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
)

// FakeDevice is a scripted device.Device. Every call is appended to the
// shared Journal so tests can assert ordering across devices and openers.
type FakeDevice struct {
	Journal *Journal

	IDValue string
	Plat    *platform.Platform

	// OpenFailures makes the next N Open calls fail.
	OpenFailures int
	// WriteFailures fails writes of the named file (base name) N times.
	WriteFailures map[string]int
	// FlashFailures fails FlashModule for the named file N times.
	FlashFailures map[string]int
	// ResetPending is returned from successful FlashModule calls.
	ResetPending bool

	// CanFlashFn and CanWriteFn override the defaults (accept
	// everything).
	CanFlashFn func(m *firmware.Module) bool
	CanWriteFn func(s platform.Storage) bool

	// Gauge, when set, tracks open-handle concurrency. OpenHold keeps
	// the device "busy" inside Open so the gauge can observe overlap.
	Gauge    *Gauge
	OpenHold time.Duration

	mu   sync.Mutex
	open bool
}

var _ device.Device = (*FakeDevice)(nil)

// Journal records calls across a set of fakes.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

// Entries returns a snapshot of the journal.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// Count returns how many entries match prefix.
func (j *Journal) Count(prefix string) int {
	n := 0
	for _, e := range j.Entries() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// Gauge tracks how many devices are open at once.
type Gauge struct {
	mu      sync.Mutex
	current int
	max     int
}

func (g *Gauge) enter(delay time.Duration) {
	g.mu.Lock()
	g.current++
	if g.current > g.max {
		g.max = g.current
	}
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (g *Gauge) exit() {
	g.mu.Lock()
	g.current--
	g.mu.Unlock()
}

// Max reports the peak concurrency observed.
func (g *Gauge) Max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

func (d *FakeDevice) ID() string                       { return d.IDValue }
func (d *FakeDevice) Platform() *platform.Platform     { return d.Plat }
func (d *FakeDevice) SetPlatform(p *platform.Platform) { d.Plat = p }

func (d *FakeDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Journal.add("%s:open", d.IDValue)
	if d.OpenFailures > 0 {
		d.OpenFailures--
		return fmt.Errorf("%w %s: scripted failure", device.ErrOpenFailed, d.IDValue)
	}
	if d.Gauge != nil && !d.open {
		d.Gauge.enter(d.OpenHold)
	}
	d.open = true
	return nil
}

func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		d.Journal.add("%s:close", d.IDValue)
		if d.Gauge != nil {
			d.Gauge.exit()
		}
	}
	d.open = false
	return nil
}

func (d *FakeDevice) Reset(ctx context.Context) error {
	d.Journal.add("%s:reset", d.IDValue)
	return nil
}

func (d *FakeDevice) PrepareToFlash(ctx context.Context) error {
	d.Journal.add("%s:prepare", d.IDValue)
	return nil
}

func (d *FakeDevice) WriteToFlash(ctx context.Context, file string, storage platform.Storage, address uint32) error {
	base := filepath.Base(file)
	if d.WriteFailures[base] > 0 {
		d.WriteFailures[base]--
		d.Journal.add("%s:write-fail:%s", d.IDValue, base)
		return fmt.Errorf("scripted write failure for %s", base)
	}
	d.Journal.add("%s:write:%s@0x%x", d.IDValue, base, address)
	return nil
}

func (d *FakeDevice) FlashModule(ctx context.Context, m *firmware.Module) (bool, error) {
	base := filepath.Base(m.FilePath)
	if d.FlashFailures[base] > 0 {
		d.FlashFailures[base]--
		d.Journal.add("%s:flash-fail:%s", d.IDValue, base)
		return false, fmt.Errorf("scripted flash failure for %s", base)
	}
	d.Journal.add("%s:flash:%s", d.IDValue, base)
	return d.ResetPending, nil
}

func (d *FakeDevice) CanFlashModule(m *firmware.Module) bool {
	if d.CanFlashFn != nil {
		return d.CanFlashFn(m)
	}
	return true
}

func (d *FakeDevice) CanWriteToFlash(s platform.Storage) bool {
	if d.CanWriteFn != nil {
		return d.CanWriteFn(s)
	}
	return true
}

// FakeOpener hands out fakes by id.
type FakeOpener struct {
	NameValue string
	Devices   []*FakeDevice
	Journal   *Journal

	// ListErr fails List when set.
	ListErr error
}

var _ device.Opener = (*FakeOpener)(nil)

func (o *FakeOpener) Name() string {
	if o.NameValue == "" {
		return "fake"
	}
	return o.NameValue
}

func (o *FakeOpener) List(ctx context.Context) ([]device.Device, error) {
	if o.ListErr != nil {
		return nil, o.ListErr
	}
	out := make([]device.Device, len(o.Devices))
	for i, d := range o.Devices {
		out[i] = d
	}
	return out, nil
}

func (o *FakeOpener) OpenByID(ctx context.Context, id string, timeout time.Duration) (device.Device, error) {
	if o.Journal != nil {
		o.Journal.add("opener:%s:openByID:%s", o.Name(), id)
	}
	for _, d := range o.Devices {
		if d.IDValue == id {
			if err := d.Open(ctx); err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
}
