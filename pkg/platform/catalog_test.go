package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogLookup(t *testing.T) {
	tests := []struct {
		name       string
		id         int
		mcu        MCUFamily
		generation int
	}{
		{"photon", 6, MCUSTM32F2xx, 2},
		{"electron", 10, MCUSTM32F2xx, 2},
		{"argon", 12, MCUnRF52840, 3},
		{"boron", 13, MCUnRF52840, 3},
		{"tracker", 26, MCUnRF52840, 3},
		{"p2", 32, MCURTL872x, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			byName, err := ByName(tt.name)
			require.NoError(t, err)
			byID, err := ByID(tt.id)
			require.NoError(t, err)
			assert.Same(t, byName, byID)
			assert.Equal(t, tt.mcu, byName.MCU)
			assert.Equal(t, tt.generation, byName.Generation)
		})
	}
}

func TestCatalogUnknownPlatform(t *testing.T) {
	_, err := ByID(999)
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	_, err = ByName("spark-core")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestStorageForModule(t *testing.T) {
	electron, err := ByName("electron")
	require.NoError(t, err)

	tests := []struct {
		name    string
		typ     ModuleType
		index   int
		want    *ModuleStorage
	}{
		{"indexed system part", ModuleSystemPart, 3, &ModuleStorage{Storage: StorageInternalFlash}},
		{"unindexed bootloader ignores index", ModuleBootloader, 7, &ModuleStorage{Storage: StorageInternalFlash}},
		{"user part", ModuleUserPart, 1, &ModuleStorage{Storage: StorageInternalFlash}},
		{"absent slot", ModuleNCPFirmware, 1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := electron.StorageForModule(tt.typ, tt.index)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAltSetting(t *testing.T) {
	boron, err := ByName("boron")
	require.NoError(t, err)

	alt, ok := boron.AltSetting(StorageInternalFlash)
	require.True(t, ok)
	assert.Equal(t, uint8(0), alt)

	_, ok = boron.AltSetting(StorageExternalMCU)
	assert.False(t, ok)
}

func TestRequiredModuleFlags(t *testing.T) {
	argon, err := ByName("argon")
	require.NoError(t, err)
	assert.True(t, argon.HasRadioStack)
	assert.True(t, argon.HasNCPFirmware)

	boron, err := ByName("boron")
	require.NoError(t, err)
	assert.True(t, boron.HasRadioStack)
	assert.False(t, boron.HasNCPFirmware)

	p2, err := ByName("p2")
	require.NoError(t, err)
	assert.False(t, p2.HasRadioStack)
}

func TestNewCatalogRejectsBadTags(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{
			"unknown module type",
			"platforms:\n  - id: 1\n    name: x\n    modules:\n      - {type: monolith, storage: internalFlash}\n",
			ErrUnknownModuleType,
		},
		{
			"unknown storage type",
			"platforms:\n  - id: 1\n    name: x\n    modules:\n      - {type: userPart, storage: eeprom}\n",
			ErrUnknownStorageType,
		},
		{
			"unknown alt-setting storage",
			"platforms:\n  - id: 1\n    name: x\n    altSettings: {eeprom: 3}\n",
			ErrUnknownStorageType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
