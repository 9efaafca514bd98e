package usbdev

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
)

func TestEscapeSerial(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "0123456789abcdef01234567", "0123456789abcdef01234567"},
		{"control bytes", "ab\x01cd", `ab\x01cd`},
		{"delete byte", "ab\x7fcd", `ab\x7Fcd`},
		{"non-ascii", "ab\xc3\xa9cd", "ab??cd"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeSerial(tt.in))
		})
	}
}

func TestBusPortPath(t *testing.T) {
	tests := []struct {
		name string
		desc gousb.DeviceDesc
		want string
	}{
		{"with port chain", gousb.DeviceDesc{Bus: 1, Path: []int{2, 4}}, "1-2.4"},
		{"single port", gousb.DeviceDesc{Bus: 3, Path: []int{1}}, "3-1"},
		{"no path", gousb.DeviceDesc{Bus: 2}, "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, busPortPath(&tt.desc))
		})
	}
}

func TestClassify(t *testing.T) {
	o := NewOpener(nil, zerologNop())

	tests := []struct {
		name     string
		vid, pid uint16
		platform string
		dfu      bool
	}{
		{"boron normal", 0x2B04, 0xC00D, "boron", false},
		{"boron dfu", 0x2B04, 0xD00D, "boron", true},
		{"argon normal", 0x2B04, 0xC00C, "argon", false},
		{"unknown", 0x1234, 0x5678, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := &gousb.DeviceDesc{Vendor: gousb.ID(tt.vid), Product: gousb.ID(tt.pid)}
			p, dfu := o.classify(desc)
			if tt.platform == "" {
				assert.Nil(t, p)
				return
			}
			assert.Equal(t, tt.platform, p.Name)
			assert.Equal(t, tt.dfu, dfu)
		})
	}
}
