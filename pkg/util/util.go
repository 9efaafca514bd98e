// Package util holds small helpers shared across the flash utility:
// subprocess execution with timeouts, hex formatting, device id validation
// and scoped temporary directories.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var deviceIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// IsDeviceID reports whether s is a well-formed 24-digit lowercase hex
// device id.
func IsDeviceID(s string) bool {
	return deviceIDPattern.MatchString(s)
}

// NormalizeDeviceID lowercases a candidate device id and validates it.
func NormalizeDeviceID(s string) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(s))
	return id, IsDeviceID(id)
}

// HexAddr renders an address the way the external tools expect it: 0x
// prefixed, lowercase, no padding.
func HexAddr(addr uint32) string {
	return fmt.Sprintf("0x%x", addr)
}

// CopyFile copies src to a temporary sibling of dst and renames it into
// place, so a partially written file is never observed under dst.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// MoveFile renames src to dst, falling back to copy+remove across
// filesystems.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// TempDir is a scoped temporary directory removed by Close.
type TempDir struct {
	Path string
}

// NewTempDir creates a fresh directory under the OS temp root.
func NewTempDir(pattern string) (*TempDir, error) {
	p, err := os.MkdirTemp("", pattern)
	if err != nil {
		return nil, err
	}
	return &TempDir{Path: p}, nil
}

// Close removes the directory and everything under it. Safe to call more
// than once.
func (d *TempDir) Close() error {
	if d.Path == "" {
		return nil
	}
	err := os.RemoveAll(d.Path)
	d.Path = ""
	return err
}
