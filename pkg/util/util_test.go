package util

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDeviceID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid", "0123456789abcdef01234567", true},
		{"uppercase rejected", "0123456789ABCDEF01234567", false},
		{"too short", "0123456789abcdef", false},
		{"too long", "0123456789abcdef012345678", false},
		{"non-hex", "0123456789abcdef0123456z", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDeviceID(tt.in))
		})
	}
}

func TestNormalizeDeviceID(t *testing.T) {
	id, ok := NormalizeDeviceID("  0123456789ABCDEF01234567 ")
	assert.True(t, ok)
	assert.Equal(t, "0123456789abcdef01234567", id)

	_, ok = NormalizeDeviceID("not-an-id")
	assert.False(t, ok)
}

func TestHexAddr(t *testing.T) {
	assert.Equal(t, "0x8020000", HexAddr(0x08020000))
	assert.Equal(t, "0x0", HexAddr(0))
	assert.Equal(t, "0xd4000", HexAddr(0xD4000))
}

func TestCopyAndMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("firmware"), 0o644))

	dst := filepath.Join(dir, "nested", "copy.bin")
	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "firmware", string(data))
	_, err = os.Stat(src)
	assert.NoError(t, err, "copy keeps the source")

	moved := filepath.Join(dir, "moved", "moved.bin")
	require.NoError(t, MoveFile(src, moved))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "move removes the source")
}

func TestTempDir(t *testing.T) {
	td, err := NewTempDir("flash-test-*")
	require.NoError(t, err)
	require.DirExists(t, td.Path)

	path := td.Path
	require.NoError(t, td.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Close is idempotent.
	assert.NoError(t, td.Close())
}

func TestRunCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	res, err := Run(context.Background(), 5*time.Second, "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestRunExitError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	_, err := Run(context.Background(), 5*time.Second, "sh", "-c", "echo 'dfu-util: no device' >&2; exit 74")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 74, exitErr.ExitCode)
	assert.Equal(t, "dfu-util: no device", exitErr.Stderr)
}

func TestRunTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	start := time.Now()
	_, err := Run(context.Background(), 100*time.Millisecond, "sh", "-c", "sleep 10")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "final", lastLine("first\nsecond\nfinal\n"))
	assert.Equal(t, "only", lastLine("only"))
	assert.Equal(t, "", lastLine(""))
}
