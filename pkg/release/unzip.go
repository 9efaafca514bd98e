package release

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// unzip extracts an archive into destDir. Entry paths are confined to the
// destination; entries escaping it are rejected.
func unzip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractEntry(f, destDir); err != nil {
			return fmt.Errorf("extract %s from %s: %w", f.Name, filepath.Base(zipPath), err)
		}
	}
	return nil
}

func extractEntry(f *zip.File, destDir string) error {
	dest := filepath.Join(destDir, filepath.FromSlash(f.Name))
	if rel, err := filepath.Rel(destDir, dest); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("entry escapes destination")
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
