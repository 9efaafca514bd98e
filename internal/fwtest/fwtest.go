// Package fwtest synthesizes Device OS module images for tests.
package fwtest

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/particle-iot/device-os-flash-util/pkg/moduleinfo"
)

// ModuleSpec describes a synthetic module image.
type ModuleSpec struct {
	PlatformID    uint16
	Function      moduleinfo.Function
	Index         uint8
	ModuleVersion uint16
	Flags         uint8
	StartAddress  uint32
	// PayloadSize is the body length after the header. Defaults to 64.
	PayloadSize int
	// CorruptCRC stores a CRC that does not match the body.
	CorruptCRC bool
}

// BuildModule renders a parseable module image: header at offset zero,
// payload, trailing big-endian CRC32.
func BuildModule(spec ModuleSpec) []byte {
	payload := spec.PayloadSize
	if payload == 0 {
		payload = 64
	}
	start := spec.StartAddress
	if start == 0 {
		start = 0x30000
	}
	body := make([]byte, moduleinfo.PrefixSize+payload)
	end := start + uint32(len(body))

	binary.LittleEndian.PutUint32(body[0:4], start)
	binary.LittleEndian.PutUint32(body[4:8], end)
	body[9] = spec.Flags
	binary.LittleEndian.PutUint16(body[10:12], spec.ModuleVersion)
	binary.LittleEndian.PutUint16(body[12:14], spec.PlatformID)
	body[14] = byte(spec.Function)
	body[15] = spec.Index
	for i := moduleinfo.PrefixSize; i < len(body); i++ {
		body[i] = byte(i)
	}

	crc := crc32.ChecksumIEEE(body)
	if spec.CorruptCRC {
		crc ^= 0xDEADBEEF
	}
	out := make([]byte, len(body)+moduleinfo.SuffixCRCSize)
	copy(out, body)
	binary.BigEndian.PutUint32(out[len(body):], crc)
	return out
}

// WriteModule builds a module image and writes it under dir.
func WriteModule(t *testing.T, dir, name string, spec ModuleSpec) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, BuildModule(spec), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
