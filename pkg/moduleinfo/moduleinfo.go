// Package moduleinfo parses the binary prefix and suffix that Device OS
// firmware modules carry. The prefix is a fixed-layout header holding the
// module's load range, function, index, version and target platform; the
// suffix ends with a CRC32 over the rest of the file.
package moduleinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
)

// Function identifies the role encoded in a module header.
type Function uint8

const (
	FunctionNone         Function = 0
	FunctionResource     Function = 1
	FunctionBootloader   Function = 2
	FunctionMonoFirmware Function = 3
	FunctionSystemPart   Function = 4
	FunctionUserPart     Function = 5
	FunctionSettings     Function = 6
	FunctionNCPFirmware  Function = 7
	FunctionRadioStack   Function = 8
)

func (f Function) String() string {
	switch f {
	case FunctionNone:
		return "none"
	case FunctionResource:
		return "resource"
	case FunctionBootloader:
		return "bootloader"
	case FunctionMonoFirmware:
		return "monoFirmware"
	case FunctionSystemPart:
		return "systemPart"
	case FunctionUserPart:
		return "userPart"
	case FunctionSettings:
		return "settings"
	case FunctionNCPFirmware:
		return "ncpFirmware"
	case FunctionRadioStack:
		return "radioStack"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// Module flag bits.
const (
	FlagDropHeader uint8 = 0x01 // header must be stripped before flashing
	FlagCompressed uint8 = 0x02
	FlagEncrypted  uint8 = 0x08
)

// PrefixSize is the fixed size of the module header.
const PrefixSize = 24

// SuffixCRCSize is the trailing CRC32 length.
const SuffixCRCSize = 4

// Candidate header offsets. Cortex-M images place the header after the
// vector table, whose size varies by MCU.
var prefixOffsets = []int{0, 0xC0, 0x184, 0x200}

// Prefix is the decoded module header.
type Prefix struct {
	StartAddress  uint32
	EndAddress    uint32
	MCUTarget     uint8
	Flags         uint8
	ModuleVersion uint16
	PlatformID    uint16
	Function      Function
	Index         uint8
}

// DropHeader reports whether the image must be written without its header.
func (p *Prefix) DropHeader() bool { return p.Flags&FlagDropHeader != 0 }

// Encrypted reports whether the image payload is encrypted.
func (p *Prefix) Encrypted() bool { return p.Flags&FlagEncrypted != 0 }

// Info is the result of parsing one module file.
type Info struct {
	Prefix

	// HeaderOffset is where the prefix was found inside the file.
	HeaderOffset int
	// FileSize is the on-disk size of the parsed file.
	FileSize int64
	// CRCValid reports whether the trailing CRC32 matches the file body.
	CRCValid bool
}

// ModuleSize is the number of bytes the module occupies in target storage,
// including the trailing CRC.
func (i *Info) ModuleSize() uint32 {
	return i.EndAddress - i.StartAddress + SuffixCRCSize
}

var (
	ErrNotAModule = errors.New("no module header found")
	ErrTooShort   = errors.New("file too short for a module header")
)

// ReadFile parses the module file at path.
func ReadFile(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

// Parse locates and decodes the module header in data and verifies the
// trailing CRC.
func Parse(data []byte) (*Info, error) {
	if len(data) < PrefixSize+SuffixCRCSize {
		return nil, ErrTooShort
	}

	for _, off := range prefixOffsets {
		if off+PrefixSize > len(data) {
			break
		}
		p := decodePrefix(data[off : off+PrefixSize])
		if !plausible(p, off, len(data)) {
			continue
		}
		return &Info{
			Prefix:       p,
			HeaderOffset: off,
			FileSize:     int64(len(data)),
			CRCValid:     checkCRC(data),
		}, nil
	}
	return nil, ErrNotAModule
}

func decodePrefix(b []byte) Prefix {
	return Prefix{
		StartAddress:  binary.LittleEndian.Uint32(b[0:4]),
		EndAddress:    binary.LittleEndian.Uint32(b[4:8]),
		MCUTarget:     b[8],
		Flags:         b[9],
		ModuleVersion: binary.LittleEndian.Uint16(b[10:12]),
		PlatformID:    binary.LittleEndian.Uint16(b[12:14]),
		Function:      Function(b[14]),
		Index:         b[15],
	}
}

// plausible filters out vector-table bytes that happen to sit at a candidate
// offset. The encoded range must match the file length: the file holds the
// module body plus the CRC word.
func plausible(p Prefix, off, fileSize int) bool {
	if p.EndAddress <= p.StartAddress {
		return false
	}
	if p.Function > FunctionRadioStack {
		return false
	}
	body := int64(p.EndAddress) - int64(p.StartAddress)
	return body+SuffixCRCSize == int64(fileSize)
}

// checkCRC verifies the big-endian CRC32 stored in the last four bytes
// against the rest of the file.
func checkCRC(data []byte) bool {
	body := data[:len(data)-SuffixCRCSize]
	stored := binary.BigEndian.Uint32(data[len(data)-SuffixCRCSize:])
	return crc32.ChecksumIEEE(body) == stored
}
