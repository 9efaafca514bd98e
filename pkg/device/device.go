// Package device defines the capability interfaces every flashing transport
// implements: discovery of candidate devices and operations on one open
// device. The raw DFU, USB update-request and debug-adapter transports
// provide independent implementations.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
)

var (
	// ErrNotOpen is returned by operations on a device that is closed.
	ErrNotOpen = errors.New("device is not open")
	// ErrOpenFailed wraps failures to acquire a device handle.
	ErrOpenFailed = errors.New("cannot open device")
	// ErrNoDevices is returned when discovery finds nothing to flash.
	ErrNoDevices = errors.New("no devices found")
	// ErrDeviceNotFound is returned when a requested device is not among
	// the discovered ones.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrUnsupportedStorage is returned for writes to a storage the
	// transport cannot address on the target platform.
	ErrUnsupportedStorage = errors.New("storage not supported by this transport")
)

// Device is one flashable board reachable over a single transport. All
// methods must be called from one goroutine at a time; devices are never
// shared across workers.
type Device interface {
	// ID is the 24-digit lowercase hex device id.
	ID() string
	// Platform is the board's platform, or nil while still unknown.
	Platform() *platform.Platform
	// SetPlatform fills in a platform discovered elsewhere (USB probe,
	// user hint, registry).
	SetPlatform(p *platform.Platform)

	Open(ctx context.Context) error
	Close() error

	// Reset restarts the device into normal operation.
	Reset(ctx context.Context) error
	// PrepareToFlash puts the device into a state where writes are safe.
	PrepareToFlash(ctx context.Context) error

	// FlashModule writes a whole module image. resetPending reports that
	// the device will re-enumerate and must be reopened before further
	// writes.
	FlashModule(ctx context.Context, m *firmware.Module) (resetPending bool, err error)
	// WriteToFlash writes a file to an explicit storage address.
	WriteToFlash(ctx context.Context, file string, storage platform.Storage, address uint32) error

	// CanFlashModule reports whether FlashModule accepts this module.
	CanFlashModule(m *firmware.Module) bool
	// CanWriteToFlash reports whether WriteToFlash can address storage on
	// this device.
	CanWriteToFlash(storage platform.Storage) bool
}

// Opener discovers devices for one transport.
type Opener interface {
	// Name identifies the transport in logs.
	Name() string
	// List enumerates candidate devices without opening them.
	List(ctx context.Context) ([]Device, error)
	// OpenByID waits for the device to (re-)enumerate and opens it.
	OpenByID(ctx context.Context, id string, timeout time.Duration) (Device, error)
}
