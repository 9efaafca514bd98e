// Package platform holds the static catalog of supported hardware
// platforms: their MCU families, firmware module layouts, storage regions
// and debug parameters. The catalog is compiled in and never changes at
// runtime.
package platform

import (
	"errors"
	"fmt"
)

// Errors reported while resolving catalog entries or constructing platforms
// from external records.
var (
	ErrUnknownPlatform    = errors.New("unknown platform")
	ErrUnknownModuleType  = errors.New("unknown module type")
	ErrUnknownStorageType = errors.New("unknown storage type")
)

// ModuleType identifies the role of a firmware module on a platform.
type ModuleType string

const (
	ModuleUserPart    ModuleType = "userPart"
	ModuleSystemPart  ModuleType = "systemPart"
	ModuleBootloader  ModuleType = "bootloader"
	ModuleRadioStack  ModuleType = "radioStack"
	ModuleNCPFirmware ModuleType = "ncpFirmware"
)

// ParseModuleType validates an external module type tag.
func ParseModuleType(s string) (ModuleType, error) {
	switch t := ModuleType(s); t {
	case ModuleUserPart, ModuleSystemPart, ModuleBootloader, ModuleRadioStack, ModuleNCPFirmware:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownModuleType, s)
	}
}

// Storage identifies a storage region class on a platform.
type Storage string

const (
	StorageInternalFlash Storage = "internalFlash"
	StorageExternalFlash Storage = "externalFlash"
	StorageExternalMCU   Storage = "externalMcu"
)

// ParseStorage validates an external storage tag.
func ParseStorage(s string) (Storage, error) {
	switch st := Storage(s); st {
	case StorageInternalFlash, StorageExternalFlash, StorageExternalMCU:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStorageType, s)
	}
}

// MCUFamily tags the microcontroller family a platform is built on. The
// debug-adapter driver keys its target configuration on this.
type MCUFamily string

const (
	MCUSTM32F2xx MCUFamily = "stm32f2xx"
	MCUnRF52840  MCUFamily = "nrf52840"
	MCURTL872x   MCUFamily = "rtl872x"
)

// ModuleStorage describes where one module slot lives and whether the slot
// requires an encrypted image.
type ModuleStorage struct {
	Storage   Storage
	Encrypted bool
}

// Region describes a fixed address range inside one storage.
type Region struct {
	Storage Storage
	Address uint32
	Size    uint32
}

// moduleSlot keys the module layout map. Index 0 stands for "no index":
// a type that exists only once on the platform.
type moduleSlot struct {
	Type  ModuleType
	Index int
}

// Platform is one catalog entry. Instances are constructed by the catalog
// loader and shared read-only afterwards.
type Platform struct {
	ID          int
	Name        string
	DisplayName string
	Generation  int
	MCU         MCUFamily
	DebugTarget string

	HasRadioStack  bool
	HasNCPFirmware bool

	// USB identity of the board itself (normal and DFU mode).
	USBVendorID  uint16
	USBProductID uint16
	DFUVendorID  uint16
	DFUProductID uint16

	Filesystem *Region
	DCT        *Region

	modules     map[moduleSlot]ModuleStorage
	altSettings map[Storage]uint8
}

// StorageForModule resolves the storage descriptor for a module slot. It
// returns the unindexed descriptor when the type has a single slot, the
// index match when the type has several, and nil when the platform has no
// such slot at all.
func (p *Platform) StorageForModule(t ModuleType, index int) *ModuleStorage {
	if ms, ok := p.modules[moduleSlot{Type: t, Index: index}]; ok {
		return &ms
	}
	if ms, ok := p.modules[moduleSlot{Type: t}]; ok {
		return &ms
	}
	return nil
}

// AltSetting resolves the DFU alt-setting used to address a storage on this
// platform.
func (p *Platform) AltSetting(s Storage) (uint8, bool) {
	alt, ok := p.altSettings[s]
	return alt, ok
}

func (p *Platform) String() string {
	return fmt.Sprintf("%s (%d)", p.Name, p.ID)
}
