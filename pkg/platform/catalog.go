package platform

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogData []byte

// Catalog resolves platforms by id or name.
type Catalog struct {
	byID   map[int]*Platform
	byName map[string]*Platform
	all    []*Platform
}

// Records mirroring the YAML catalog layout.
type catalogRecord struct {
	Platforms []platformRecord `yaml:"platforms"`
}

type platformRecord struct {
	ID          int    `yaml:"id"`
	Name        string `yaml:"name"`
	DisplayName string `yaml:"displayName"`
	Generation  int    `yaml:"generation"`
	MCU         string `yaml:"mcu"`
	DebugTarget string `yaml:"debugTarget"`

	HasRadioStack  bool `yaml:"hasRadioStack"`
	HasNCPFirmware bool `yaml:"hasNcpFirmware"`

	USB struct {
		VendorID     uint16 `yaml:"vendorId"`
		ProductID    uint16 `yaml:"productId"`
		DFUVendorID  uint16 `yaml:"dfuVendorId"`
		DFUProductID uint16 `yaml:"dfuProductId"`
	} `yaml:"usb"`

	Modules []struct {
		Type      string `yaml:"type"`
		Index     int    `yaml:"index"`
		Storage   string `yaml:"storage"`
		Encrypted bool   `yaml:"encrypted"`
	} `yaml:"modules"`

	AltSettings map[string]uint8 `yaml:"altSettings"`

	Filesystem *regionRecord `yaml:"filesystem"`
	DCT        *regionRecord `yaml:"dct"`
}

type regionRecord struct {
	Storage string `yaml:"storage"`
	Address uint32 `yaml:"address"`
	Size    uint32 `yaml:"size"`
}

// NewCatalog parses catalog records from YAML. It fails on unrecognized
// module or storage tags so a bad catalog is caught at startup, not during
// a flash.
func NewCatalog(data []byte) (*Catalog, error) {
	var rec catalogRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("platform catalog: %w", err)
	}

	c := &Catalog{
		byID:   make(map[int]*Platform, len(rec.Platforms)),
		byName: make(map[string]*Platform, len(rec.Platforms)),
	}
	for _, pr := range rec.Platforms {
		p, err := newPlatform(pr)
		if err != nil {
			return nil, fmt.Errorf("platform %q: %w", pr.Name, err)
		}
		c.byID[p.ID] = p
		c.byName[p.Name] = p
		c.all = append(c.all, p)
	}
	return c, nil
}

func newPlatform(pr platformRecord) (*Platform, error) {
	p := &Platform{
		ID:             pr.ID,
		Name:           pr.Name,
		DisplayName:    pr.DisplayName,
		Generation:     pr.Generation,
		MCU:            MCUFamily(pr.MCU),
		DebugTarget:    pr.DebugTarget,
		HasRadioStack:  pr.HasRadioStack,
		HasNCPFirmware: pr.HasNCPFirmware,
		USBVendorID:    pr.USB.VendorID,
		USBProductID:   pr.USB.ProductID,
		DFUVendorID:    pr.USB.DFUVendorID,
		DFUProductID:   pr.USB.DFUProductID,
		modules:        make(map[moduleSlot]ModuleStorage, len(pr.Modules)),
		altSettings:    make(map[Storage]uint8, len(pr.AltSettings)),
	}

	for _, m := range pr.Modules {
		mt, err := ParseModuleType(m.Type)
		if err != nil {
			return nil, err
		}
		st, err := ParseStorage(m.Storage)
		if err != nil {
			return nil, err
		}
		p.modules[moduleSlot{Type: mt, Index: m.Index}] = ModuleStorage{Storage: st, Encrypted: m.Encrypted}
	}
	for tag, alt := range pr.AltSettings {
		st, err := ParseStorage(tag)
		if err != nil {
			return nil, err
		}
		p.altSettings[st] = alt
	}

	var err error
	if p.Filesystem, err = newRegion(pr.Filesystem); err != nil {
		return nil, err
	}
	if p.DCT, err = newRegion(pr.DCT); err != nil {
		return nil, err
	}
	return p, nil
}

func newRegion(rr *regionRecord) (*Region, error) {
	if rr == nil {
		return nil, nil
	}
	st, err := ParseStorage(rr.Storage)
	if err != nil {
		return nil, err
	}
	return &Region{Storage: st, Address: rr.Address, Size: rr.Size}, nil
}

// ByID looks a platform up by numeric id.
func (c *Catalog) ByID(id int) (*Platform, error) {
	if p, ok := c.byID[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: id %d", ErrUnknownPlatform, id)
}

// ByName looks a platform up by short name.
func (c *Catalog) ByName(name string) (*Platform, error) {
	if p, ok := c.byName[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
}

// All returns every platform in catalog order.
func (c *Catalog) All() []*Platform {
	return c.all
}

var defaultCatalog = func() *Catalog {
	c, err := NewCatalog(catalogData)
	if err != nil {
		panic(err)
	}
	return c
}()

// Default returns the compiled-in catalog.
func Default() *Catalog {
	return defaultCatalog
}

// ByID resolves against the compiled-in catalog.
func ByID(id int) (*Platform, error) { return defaultCatalog.ByID(id) }

// ByName resolves against the compiled-in catalog.
func ByName(name string) (*Platform, error) { return defaultCatalog.ByName(name) }
