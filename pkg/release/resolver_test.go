package release

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/particle-iot/device-os-flash-util/internal/fwtest"
	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/logger"
	"github.com/particle-iot/device-os-flash-util/pkg/moduleinfo"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
)

// hostRelease is one release served by the fake host.
type hostRelease struct {
	tag    string
	draft  bool
	assets map[string][]byte
}

// fakeHost serves the release API surface the resolver touches and counts
// requests.
type fakeHost struct {
	server   *httptest.Server
	releases []*hostRelease
	requests atomic.Int64
}

func newFakeHost(t *testing.T, releases ...*hostRelease) *fakeHost {
	t.Helper()
	h := &fakeHost{releases: releases}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/particle-iot/device-os/releases/tags/", func(w http.ResponseWriter, r *http.Request) {
		h.requests.Add(1)
		tag := filepath.Base(r.URL.Path)
		for _, rel := range h.releases {
			if rel.tag == tag && !rel.draft {
				h.writeRelease(w, rel)
				return
			}
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/repos/particle-iot/device-os/releases", func(w http.ResponseWriter, r *http.Request) {
		h.requests.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page <= 1 {
			var out []json.RawMessage
			for _, rel := range h.releases {
				out = append(out, h.releaseJSON(rel))
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(out)
			return
		}
		fmt.Fprint(w, "[]")
	})
	mux.HandleFunc("/assets/", func(w http.ResponseWriter, r *http.Request) {
		h.requests.Add(1)
		if r.Header.Get("Accept") != "application/octet-stream" {
			http.Error(w, "bad accept header", http.StatusBadRequest)
			return
		}
		tag := r.URL.Query().Get("tag")
		name := filepath.Base(r.URL.Path)
		for _, rel := range h.releases {
			if rel.tag == tag {
				if data, ok := rel.assets[name]; ok {
					w.Write(data)
					return
				}
			}
		}
		http.NotFound(w, r)
	})

	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHost) releaseJSON(rel *hostRelease) json.RawMessage {
	type asset struct {
		Name string `json:"name"`
		URL  string `json:"url"`
		Size int64  `json:"size"`
	}
	var assets []asset
	for name, data := range rel.assets {
		assets = append(assets, asset{
			Name: name,
			URL:  fmt.Sprintf("%s/assets/%s?tag=%s", h.server.URL, name, rel.tag),
			Size: int64(len(data)),
		})
	}
	out, _ := json.Marshal(map[string]any{
		"tag_name": rel.tag,
		"draft":    rel.draft,
		"assets":   assets,
	})
	return out
}

func (h *fakeHost) writeRelease(w http.ResponseWriter, rel *hostRelease) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(h.releaseJSON(rel))
}

func newTestResolver(t *testing.T, h *fakeHost) (*Resolver, string) {
	t.Helper()
	cacheDir := filepath.Join(t.TempDir(), "cache")
	workDir := filepath.Join(t.TempDir(), "work")
	c := NewClient("")
	if h != nil {
		c.BaseURL = h.server.URL
	}
	r := NewResolver(Config{
		Client:   c,
		CacheDir: cacheDir,
		WorkDir:  workDir,
		Log:      logger.Nop(),
	})
	return r, cacheDir
}

func moduleImage(platformID uint16, fn moduleinfo.Function, index uint8, version uint16) []byte {
	return fwtest.BuildModule(fwtest.ModuleSpec{
		PlatformID:    platformID,
		Function:      fn,
		Index:         index,
		ModuleVersion: version,
	})
}

func TestCachedFastPath(t *testing.T) {
	h := newFakeHost(t)
	r, cacheDir := newTestResolver(t, h)

	dir := filepath.Join(cacheDir, "2.1.0", "boron")
	fwtest.WriteModule(t, dir, "boron-system-part1@2.1.0.bin", fwtest.ModuleSpec{
		PlatformID: 13, Function: moduleinfo.FunctionSystemPart, Index: 1, ModuleVersion: 2100,
	})
	fwtest.WriteModule(t, dir, "boron-tinker@2.1.0.bin", fwtest.ModuleSpec{
		PlatformID: 13, Function: moduleinfo.FunctionUserPart, Index: 1, ModuleVersion: 2100,
	})
	fwtest.WriteModule(t, dir, "boron-bootloader@2.1.0.bin", fwtest.ModuleSpec{
		PlatformID: 13, Function: moduleinfo.FunctionBootloader, ModuleVersion: 2100,
	})

	mods, err := r.GetReleaseModules(context.Background(), "2.1.0", Options{})
	require.NoError(t, err)
	assert.Len(t, mods, 3)
	assert.EqualValues(t, 0, h.requests.Load(), "fast path must not touch the network")
}

func TestColdFetchCommitsCache(t *testing.T) {
	h := newFakeHost(t, &hostRelease{
		tag: "v1.5.0",
		assets: map[string][]byte{
			"boron-system-part1@1.5.0.bin": moduleImage(13, moduleinfo.FunctionSystemPart, 1, 1500),
			"boron-tinker@1.5.0.bin":       moduleImage(13, moduleinfo.FunctionUserPart, 1, 1500),
		},
	})
	r, cacheDir := newTestResolver(t, h)

	mods, err := r.GetReleaseModules(context.Background(), "1.5.0", Options{})
	require.NoError(t, err)
	require.Len(t, mods, 2)

	for _, m := range mods {
		assert.True(t, filepath.IsAbs(m.FilePath))
		rel, err := filepath.Rel(filepath.Join(cacheDir, "1.5.0", "boron"), m.FilePath)
		require.NoError(t, err)
		assert.NotContains(t, rel, "..")

		fi, err := os.Stat(m.FilePath)
		require.NoError(t, err)
		assert.Equal(t, m.FileSize, fi.Size())
	}

	// Downloads were moved, not copied: the work directory holds no bins.
	left := 0
	filepath.Walk(filepath.Join(r.workDir, "downloads"), func(path string, fi os.FileInfo, err error) error {
		if err == nil && fi != nil && !fi.IsDir() && filepath.Ext(path) == ".bin" {
			left++
		}
		return nil
	})
	assert.Zero(t, left)
}

func TestWarmCacheMatchesColdRun(t *testing.T) {
	h := newFakeHost(t, &hostRelease{
		tag: "v1.5.0",
		assets: map[string][]byte{
			"boron-system-part1@1.5.0.bin": moduleImage(13, moduleinfo.FunctionSystemPart, 1, 1500),
			"boron-tinker@1.5.0.bin":       moduleImage(13, moduleinfo.FunctionUserPart, 1, 1500),
		},
	})
	r, _ := newTestResolver(t, h)

	cold, err := r.GetReleaseModules(context.Background(), "1.5.0", Options{})
	require.NoError(t, err)

	before := h.requests.Load()
	warm, err := r.GetReleaseModules(context.Background(), "1.5.0", Options{})
	require.NoError(t, err)
	assert.Equal(t, before, h.requests.Load())

	key := func(m *firmware.Module) [4]any {
		return [4]any{m.Platform.ID, m.Type, m.Index, m.Version}
	}
	require.Equal(t, len(cold), len(warm))
	for i := range cold {
		assert.Equal(t, key(cold[i]), key(warm[i]))
	}
}

func TestReleaseNotFound(t *testing.T) {
	h := newFakeHost(t)
	r, _ := newTestResolver(t, h)

	_, err := r.GetReleaseModules(context.Background(), "1.10.12-rc.13", Options{})
	assert.ErrorIs(t, err, ErrReleaseNotFound)
}

func TestBareTagFallback(t *testing.T) {
	h := newFakeHost(t, &hostRelease{
		tag: "1.5.0",
		assets: map[string][]byte{
			"boron-tinker@1.5.0.bin": moduleImage(13, moduleinfo.FunctionUserPart, 1, 1500),
		},
	})
	r, _ := newTestResolver(t, h)

	mods, err := r.GetReleaseModules(context.Background(), "1.5.0", Options{})
	require.NoError(t, err)
	assert.Len(t, mods, 1)
}

func TestDraftRelease(t *testing.T) {
	h := newFakeHost(t, &hostRelease{
		tag:   "v1.9.0-rc.1",
		draft: true,
		assets: map[string][]byte{
			"argon-tinker@1.9.0-rc.1.bin": moduleImage(12, moduleinfo.FunctionUserPart, 1, 1900),
		},
	})
	r, cacheDir := newTestResolver(t, h)
	r.client.Token = "test-token"

	mods, err := r.GetReleaseModules(context.Background(), "1.9.0-rc.1", Options{Draft: true})
	require.NoError(t, err)
	require.Len(t, mods, 1)

	// Draft releases never persist to the cache.
	_, err = os.Stat(filepath.Join(cacheDir, "1.9.0-rc.1"))
	assert.True(t, os.IsNotExist(err))
}

func TestDraftRequiresToken(t *testing.T) {
	h := newFakeHost(t)
	r, _ := newTestResolver(t, h)

	_, err := r.GetReleaseModules(context.Background(), "1.9.0-rc.1", Options{Draft: true})
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestDraftNotMatchedWithoutFlag(t *testing.T) {
	h := newFakeHost(t, &hostRelease{
		tag:   "v1.9.0-rc.1",
		draft: true,
		assets: map[string][]byte{
			"argon-tinker.bin": moduleImage(12, moduleinfo.FunctionUserPart, 1, 1900),
		},
	})
	r, _ := newTestResolver(t, h)

	_, err := r.GetReleaseModules(context.Background(), "1.9.0-rc.1", Options{})
	assert.ErrorIs(t, err, ErrReleaseNotFound)
}

func TestTinkerCollisionPreference(t *testing.T) {
	// The non-tinker build has the higher version; tinker must still win.
	h := newFakeHost(t, &hostRelease{
		tag: "v2.0.0",
		assets: map[string][]byte{
			"boron-bigapp@2.0.0.bin": moduleImage(13, moduleinfo.FunctionUserPart, 1, 2001),
			"boron-tinker@2.0.0.bin": moduleImage(13, moduleinfo.FunctionUserPart, 1, 2000),
		},
	})
	r, _ := newTestResolver(t, h)

	mods, err := r.GetReleaseModules(context.Background(), "2.0.0", Options{})
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Contains(t, filepath.Base(mods[0].FilePath), "tinker")
}

func TestVersionCollisionPrefersNewer(t *testing.T) {
	h := newFakeHost(t, &hostRelease{
		tag: "v2.0.0",
		assets: map[string][]byte{
			"boron-system-part1-old.bin": moduleImage(13, moduleinfo.FunctionSystemPart, 1, 1999),
			"boron-system-part1-new.bin": moduleImage(13, moduleinfo.FunctionSystemPart, 1, 2000),
		},
	})
	r, _ := newTestResolver(t, h)

	mods, err := r.GetReleaseModules(context.Background(), "2.0.0", Options{})
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, 2000, mods[0].Version)
}

func TestBackfillFromOlderRelease(t *testing.T) {
	h := newFakeHost(t,
		&hostRelease{
			tag: "v2.1.0",
			assets: map[string][]byte{
				"boron-system-part1@2.1.0.bin": moduleImage(13, moduleinfo.FunctionSystemPart, 1, 2100),
				"boron-tinker@2.1.0.bin":       moduleImage(13, moduleinfo.FunctionUserPart, 1, 2100),
				"boron-radio-stack@2.1.0.bin":  moduleImage(13, moduleinfo.FunctionRadioStack, 0, 2100),
			},
		},
		// 2.0.1 has no bootloader either; 2.0.0 supplies it.
		&hostRelease{
			tag: "v2.0.1",
			assets: map[string][]byte{
				"boron-system-part1@2.0.1.bin": moduleImage(13, moduleinfo.FunctionSystemPart, 1, 2001),
			},
		},
		&hostRelease{
			tag: "v2.0.0",
			assets: map[string][]byte{
				"boron-bootloader@2.0.0.bin": moduleImage(13, moduleinfo.FunctionBootloader, 0, 2000),
			},
		},
		&hostRelease{
			tag: "v1.5.0",
			assets: map[string][]byte{
				"boron-bootloader@1.5.0.bin": moduleImage(13, moduleinfo.FunctionBootloader, 0, 1500),
			},
		},
	)
	r, _ := newTestResolver(t, h)

	mods, err := r.GetReleaseModules(context.Background(), "2.1.0", Options{})
	require.NoError(t, err)

	var boot *firmware.Module
	for _, m := range mods {
		if m.Type == platform.ModuleBootloader {
			boot = m
		}
	}
	require.NotNil(t, boot, "bootloader must be backfilled")
	assert.Equal(t, 13, boot.Platform.ID)
	assert.Equal(t, 2000, boot.Version, "newest prior release with a bootloader wins")
}

func TestBackfillFromBundledAssets(t *testing.T) {
	h := newFakeHost(t, &hostRelease{
		tag: "v2.1.0",
		assets: map[string][]byte{
			"boron-system-part1@2.1.0.bin": moduleImage(13, moduleinfo.FunctionSystemPart, 1, 2100),
			"boron-tinker@2.1.0.bin":       moduleImage(13, moduleinfo.FunctionUserPart, 1, 2100),
		},
	})
	r, cacheDir := newTestResolver(t, h)

	assetsDir := t.TempDir()
	assetPath := fwtest.WriteModule(t, assetsDir, "boron-bootloader.bin", fwtest.ModuleSpec{
		PlatformID: 13, Function: moduleinfo.FunctionBootloader, ModuleVersion: 1000,
	})
	r.assetsDir = assetsDir

	mods, err := r.GetReleaseModules(context.Background(), "2.1.0", Options{})
	require.NoError(t, err)

	var boot *firmware.Module
	for _, m := range mods {
		if m.Type == platform.ModuleBootloader {
			boot = m
		}
	}
	require.NotNil(t, boot)

	// Asset files are copied into the cache; the original must survive.
	_, err = os.Stat(assetPath)
	assert.NoError(t, err)
	assert.Contains(t, boot.FilePath, cacheDir)
}

func TestMissingRadioAndNCPAreWarnings(t *testing.T) {
	// Argon expects radio stack and NCP firmware; the release ships
	// neither and no older release exists. Resolution must still succeed.
	h := newFakeHost(t, &hostRelease{
		tag: "v3.0.0",
		assets: map[string][]byte{
			"argon-system-part1@3.0.0.bin": moduleImage(12, moduleinfo.FunctionSystemPart, 1, 3000),
			"argon-tinker@3.0.0.bin":       moduleImage(12, moduleinfo.FunctionUserPart, 1, 3000),
			"argon-bootloader@3.0.0.bin":   moduleImage(12, moduleinfo.FunctionBootloader, 0, 3000),
		},
	})
	r, _ := newTestResolver(t, h)

	mods, err := r.GetReleaseModules(context.Background(), "3.0.0", Options{})
	require.NoError(t, err)
	assert.Len(t, mods, 3)
}

func TestZipAssetFallback(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("binaries/boron-tinker@1.2.1.bin")
	require.NoError(t, err)
	f.Write(moduleImage(13, moduleinfo.FunctionUserPart, 1, 1201))
	require.NoError(t, zw.Close())

	h := newFakeHost(t, &hostRelease{
		tag: "v1.2.1",
		assets: map[string][]byte{
			"release-1.2.1.zip": buf.Bytes(),
		},
	})
	r, _ := newTestResolver(t, h)

	mods, err := r.GetReleaseModules(context.Background(), "1.2.1", Options{})
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, platform.ModuleUserPart, mods[0].Type)
}

func TestResolverOutputKeysUnique(t *testing.T) {
	h := newFakeHost(t, &hostRelease{
		tag: "v2.0.0",
		assets: map[string][]byte{
			"boron-tinker-a.bin":     moduleImage(13, moduleinfo.FunctionUserPart, 1, 2000),
			"boron-tinker-b.bin":     moduleImage(13, moduleinfo.FunctionUserPart, 1, 2000),
			"argon-tinker.bin":       moduleImage(12, moduleinfo.FunctionUserPart, 1, 2000),
			"argon-system-part1.bin": moduleImage(12, moduleinfo.FunctionSystemPart, 1, 2000),
		},
	})
	r, _ := newTestResolver(t, h)

	mods, err := r.GetReleaseModules(context.Background(), "2.0.0", Options{})
	require.NoError(t, err)

	seen := make(map[firmware.Key]bool)
	for _, m := range mods {
		assert.False(t, seen[m.Key()], "duplicate key %+v", m.Key())
		seen[m.Key()] = true
	}
}

func TestGetModulesFromPath(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	dir := t.TempDir()

	fwtest.WriteModule(t, dir, "boron-tinker.bin", fwtest.ModuleSpec{
		PlatformID: 13, Function: moduleinfo.FunctionUserPart, Index: 1,
	})
	sub := fwtest.WriteModule(t, filepath.Join(dir, "sub"), "boron-system-part1.bin", fwtest.ModuleSpec{
		PlatformID: 13, Function: moduleinfo.FunctionSystemPart, Index: 1,
	})

	t.Run("directory", func(t *testing.T) {
		mods, err := r.GetModulesFromPath(context.Background(), dir)
		require.NoError(t, err)
		assert.Len(t, mods, 2)
	})

	t.Run("single file", func(t *testing.T) {
		mods, err := r.GetModulesFromPath(context.Background(), sub)
		require.NoError(t, err)
		assert.Len(t, mods, 1)
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := r.GetModulesFromPath(context.Background(), t.TempDir())
		assert.ErrorIs(t, err, ErrNoBinaries)
	})
}
