// Package firmware turns candidate binary files into canonical Module
// records ready for flashing, resolving their storage against the platform
// catalog.
package firmware

import (
	"errors"
	"fmt"

	"github.com/particle-iot/device-os-flash-util/pkg/moduleinfo"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
)

var (
	// ErrUnsupportedModule marks files whose module function this tool
	// does not flash. Callers treat it as a skippable warning.
	ErrUnsupportedModule = errors.New("unsupported module function")
	// ErrStorageUnknown marks modules whose platform has no storage slot
	// for the parsed type and index.
	ErrStorageUnknown = errors.New("no storage defined for module")
)

// Module is one firmware binary ready to flash.
type Module struct {
	Platform *platform.Platform
	Type     platform.ModuleType
	Index    int

	Version    int
	Storage    platform.Storage
	Address    uint32
	ModuleSize uint32

	HeaderSize int
	DropHeader bool

	Encrypted       bool
	NeedsEncryption bool

	CRCValid bool
	FileSize int64
	FilePath string

	// IsAsset marks modules sourced from the bundled asset directory;
	// these are copied, never moved, when committed to the cache.
	IsAsset bool
}

// Key identifies a module slot within a resolved set.
type Key struct {
	PlatformID int
	Type       platform.ModuleType
	Index      int
}

// Key returns the uniqueness key for this module.
func (m *Module) Key() Key {
	return Key{PlatformID: m.Platform.ID, Type: m.Type, Index: m.Index}
}

func (m *Module) String() string {
	if m.Index > 0 {
		return fmt.Sprintf("%s %s%d v%d", m.Platform.Name, m.Type, m.Index, m.Version)
	}
	return fmt.Sprintf("%s %s v%d", m.Platform.Name, m.Type, m.Version)
}

func moduleType(f moduleinfo.Function) (platform.ModuleType, error) {
	switch f {
	case moduleinfo.FunctionBootloader:
		return platform.ModuleBootloader, nil
	case moduleinfo.FunctionSystemPart:
		return platform.ModuleSystemPart, nil
	case moduleinfo.FunctionUserPart:
		return platform.ModuleUserPart, nil
	case moduleinfo.FunctionNCPFirmware:
		return platform.ModuleNCPFirmware, nil
	case moduleinfo.FunctionRadioStack:
		return platform.ModuleRadioStack, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedModule, f)
	}
}

// ParseFile parses one candidate file against the catalog and produces a
// Module. Unsupported functions and unknown platforms come back as errors
// the resolver downgrades to warnings.
func ParseFile(path string, cat *platform.Catalog) (*Module, error) {
	info, err := moduleinfo.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return fromInfo(path, info, cat)
}

func fromInfo(path string, info *moduleinfo.Info, cat *platform.Catalog) (*Module, error) {
	mt, err := moduleType(info.Function)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p, err := cat.ByID(int(info.PlatformID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	ms := p.StorageForModule(mt, int(info.Index))
	if ms == nil {
		return nil, fmt.Errorf("%s: %w: %s index %d", path, ErrStorageUnknown, mt, info.Index)
	}

	return &Module{
		Platform:        p,
		Type:            mt,
		Index:           int(info.Index),
		Version:         int(info.ModuleVersion),
		Storage:         ms.Storage,
		Address:         info.StartAddress,
		ModuleSize:      info.ModuleSize(),
		HeaderSize:      info.HeaderOffset + moduleinfo.PrefixSize,
		DropHeader:      info.Prefix.DropHeader(),
		Encrypted:       info.Prefix.Encrypted(),
		NeedsEncryption: ms.Encrypted,
		CRCValid:        info.CRCValid,
		FileSize:        info.FileSize,
		FilePath:        path,
	}, nil
}
