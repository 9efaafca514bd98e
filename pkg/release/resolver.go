package release

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
	"github.com/particle-iot/device-os-flash-util/pkg/util"
)

const downloadConcurrency = 6

// maxBackfillProbes bounds how many older releases are examined when a
// bootloader or user part is missing from the requested release.
const maxBackfillProbes = 20

var (
	// ErrReleaseNotFound is returned when no tag variant matches the
	// requested version.
	ErrReleaseNotFound = errors.New("release not found for version")
	// ErrNoBinaries is returned when a located release carries no usable
	// firmware assets.
	ErrNoBinaries = errors.New("release contains no firmware binaries")
	// ErrAuthRequired is returned when a draft release is requested
	// without an auth token; drafts are invisible to anonymous clients.
	ErrAuthRequired = errors.New("authentication required for draft releases")
)

// Options modify one resolution run.
type Options struct {
	// NoCache skips the cached fast path and re-fetches the release.
	NoCache bool
	// Draft allows matching unpublished releases; requires an auth token.
	Draft bool
}

// Config wires a Resolver.
type Config struct {
	Client  *Client
	Catalog *platform.Catalog

	// CacheDir is the persistent module cache root.
	CacheDir string
	// AssetsDir is the bundled binaries directory used for backfill.
	AssetsDir string
	// WorkDir receives downloads; the caller owns its lifetime.
	WorkDir string

	Log zerolog.Logger
}

// Resolver produces canonical module sets for releases and local paths.
type Resolver struct {
	client    *Client
	catalog   *platform.Catalog
	cacheDir  string
	assetsDir string
	workDir   string
	log       zerolog.Logger

	// probed memoizes modules parsed from older releases during backfill.
	probed map[string][]*firmware.Module
}

// NewResolver builds a Resolver from cfg. Catalog defaults to the
// compiled-in one.
func NewResolver(cfg Config) *Resolver {
	cat := cfg.Catalog
	if cat == nil {
		cat = platform.Default()
	}
	return &Resolver{
		client:    cfg.Client,
		catalog:   cat,
		cacheDir:  cfg.CacheDir,
		assetsDir: cfg.AssetsDir,
		workDir:   cfg.WorkDir,
		log:       cfg.Log,
		probed:    make(map[string][]*firmware.Module),
	}
}

// GetReleaseModules resolves the module set for a release version.
func (r *Resolver) GetReleaseModules(ctx context.Context, version string, opts Options) ([]*firmware.Module, error) {
	ver, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", version, err)
	}
	version = ver.String()

	if opts.Draft && r.client.Token == "" {
		return nil, ErrAuthRequired
	}

	if !opts.NoCache {
		if mods := r.scanCache(version); len(mods) > 0 {
			r.log.Debug().Str("version", version).Int("modules", len(mods)).Msg("using cached release")
			return mods, nil
		}
	}

	rel, err := r.locateRelease(ctx, ver, opts.Draft)
	if err != nil {
		return nil, err
	}

	downloadDir := filepath.Join(r.workDir, "downloads", version)
	files, err := r.fetchAssets(ctx, rel, downloadDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBinaries, version)
	}

	modules := r.canonicalize(r.parseTree(downloadDir))
	modules = append(modules, r.backfill(ctx, ver, modules)...)
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBinaries, version)
	}

	if !rel.Draft {
		if err := r.commit(version, modules); err != nil {
			return nil, err
		}
	}

	sortModules(modules)
	return modules, nil
}

// GetModulesFromPath parses modules from a local file, directory or zip
// archive.
func (r *Resolver) GetModulesFromPath(ctx context.Context, path string) ([]*firmware.Module, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var modules []*firmware.Module
	switch {
	case fi.IsDir():
		modules = r.parseTree(path)
	case strings.EqualFold(filepath.Ext(path), ".zip"):
		dest := filepath.Join(r.workDir, "unpacked", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		if err := unzip(path, dest); err != nil {
			return nil, err
		}
		modules = r.parseTree(dest)
	default:
		m, err := firmware.ParseFile(path, r.catalog)
		if err != nil {
			return nil, err
		}
		modules = []*firmware.Module{m}
	}

	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBinaries, path)
	}
	modules = r.canonicalize(modules)
	sortModules(modules)
	return modules, nil
}

// scanCache parses every module under the version's cache directory.
func (r *Resolver) scanCache(version string) []*firmware.Module {
	dir := filepath.Join(r.cacheDir, version)
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	mods := r.parseTree(dir)
	sortModules(mods)
	return mods
}

// locateRelease tries the v-prefixed tag, the bare tag, and finally the
// draft listing when allowed.
func (r *Resolver) locateRelease(ctx context.Context, ver *semver.Version, draft bool) (*Release, error) {
	for _, tag := range []string{"v" + ver.Original(), ver.Original()} {
		rel, err := r.client.GetReleaseByTag(ctx, tag)
		if err == nil {
			return rel, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if draft {
		all, err := r.client.ListAllReleases(ctx)
		if err != nil {
			return nil, err
		}
		for _, rel := range all {
			if !rel.Draft {
				continue
			}
			tagVer, err := semver.NewVersion(strings.TrimPrefix(rel.TagName, "v"))
			if err != nil {
				continue
			}
			if tagVer.Equal(ver) {
				return rel, nil
			}
		}
	}
	return nil, fmt.Errorf("%w %s", ErrReleaseNotFound, ver)
}

// fetchAssets downloads the release's firmware assets into destDir with
// bounded concurrency, then unpacks any archives. It returns the list of
// downloaded file paths.
func (r *Resolver) fetchAssets(ctx context.Context, rel *Release, destDir string) ([]string, error) {
	assets := selectAssets(rel)
	if len(assets) == 0 {
		return nil, nil
	}

	files := make([]string, len(assets))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for i, asset := range assets {
		g.Go(func() error {
			dest := filepath.Join(destDir, asset.Name)
			r.log.Debug().Str("asset", asset.Name).Msg("downloading")
			if err := r.client.DownloadAsset(ctx, asset, dest); err != nil {
				return err
			}
			files[i] = dest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, f := range files {
		if !strings.EqualFold(filepath.Ext(f), ".zip") {
			continue
		}
		dest := strings.TrimSuffix(f, filepath.Ext(f))
		if err := unzip(f, dest); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// selectAssets prefers loose binaries; zip archives are a known incomplete
// fallback for old releases that shipped no per-module files.
func selectAssets(rel *Release) []Asset {
	var bins, zips []Asset
	for _, a := range rel.Assets {
		switch strings.ToLower(filepath.Ext(a.Name)) {
		case ".bin":
			bins = append(bins, a)
		case ".zip":
			zips = append(zips, a)
		}
	}
	if len(bins) > 0 {
		return bins
	}
	return zips
}

// parseTree parses every *.bin under root, logging parse failures as
// warnings.
func (r *Resolver) parseTree(root string) []*firmware.Module {
	var modules []*firmware.Module
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".bin") {
			return nil
		}
		m, err := firmware.ParseFile(path, r.catalog)
		if err != nil {
			r.log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("skipping file")
			return nil
		}
		if !m.CRCValid {
			r.log.Warn().Str("file", filepath.Base(path)).Msg("module CRC does not match")
		}
		modules = append(modules, m)
		return nil
	})
	return modules
}

// canonicalize groups modules by slot and resolves collisions.
func (r *Resolver) canonicalize(modules []*firmware.Module) []*firmware.Module {
	bySlot := make(map[firmware.Key]*firmware.Module)
	var order []firmware.Key
	for _, m := range modules {
		key := m.Key()
		cur, ok := bySlot[key]
		if !ok {
			bySlot[key] = m
			order = append(order, key)
			continue
		}
		bySlot[key] = pickModule(cur, m)
	}

	out := make([]*firmware.Module, 0, len(order))
	for _, key := range order {
		out = append(out, bySlot[key])
	}
	return out
}

// pickModule resolves a slot collision. Tinker user parts win over other
// user apps, then the newer module version, then the smaller file (debug
// builds run large).
func pickModule(a, b *firmware.Module) *firmware.Module {
	if a.Type == platform.ModuleUserPart {
		at, bt := isTinker(a.FilePath), isTinker(b.FilePath)
		if at != bt {
			if bt {
				return b
			}
			return a
		}
	}
	if a.Version != b.Version {
		if b.Version > a.Version {
			return b
		}
		return a
	}
	if b.FileSize < a.FileSize {
		return b
	}
	return a
}

func isTinker(path string) bool {
	return strings.Contains(strings.ToLower(filepath.Base(path)), "tinker")
}

// typeOrder fixes the flash order within one platform's module list.
var typeOrder = map[platform.ModuleType]int{
	platform.ModuleRadioStack:  0,
	platform.ModuleSystemPart:  1,
	platform.ModuleUserPart:    2,
	platform.ModuleNCPFirmware: 3,
	platform.ModuleBootloader:  4,
}

func sortModules(modules []*firmware.Module) {
	sort.SliceStable(modules, func(i, j int) bool {
		a, b := modules[i], modules[j]
		if a.Platform.Name != b.Platform.Name {
			return a.Platform.Name < b.Platform.Name
		}
		if typeOrder[a.Type] != typeOrder[b.Type] {
			return typeOrder[a.Type] < typeOrder[b.Type]
		}
		return a.Index < b.Index
	})
}

// commit clears the version's cache directory and installs the final
// module set under it, partitioned by platform name. Asset-sourced files
// are copied; downloads are moved.
func (r *Resolver) commit(version string, modules []*firmware.Module) error {
	dir := filepath.Join(r.cacheDir, version)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	for _, m := range modules {
		dest := filepath.Join(dir, m.Platform.Name, filepath.Base(m.FilePath))
		var err error
		if m.IsAsset {
			err = util.CopyFile(m.FilePath, dest)
		} else {
			err = util.MoveFile(m.FilePath, dest)
		}
		if err != nil {
			return fmt.Errorf("caching %s: %w", filepath.Base(m.FilePath), err)
		}
		m.FilePath = dest
	}
	return nil
}
