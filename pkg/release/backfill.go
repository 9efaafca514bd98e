package release

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/particle-iot/device-os-flash-util/pkg/firmware"
	"github.com/particle-iot/device-os-flash-util/pkg/platform"
)

// missingSlot is one module a platform expects but the release lacks.
type missingSlot struct {
	platform *platform.Platform
	typ      platform.ModuleType
}

// backfill supplies modules the release is missing, first from the bundled
// asset directory and then from older releases. Misses on radio stacks and
// NCP firmware are warnings; so are bootloaders and user parts that no
// older release can supply.
func (r *Resolver) backfill(ctx context.Context, ver *semver.Version, have []*firmware.Module) []*firmware.Module {
	missing := r.missingSlots(have)
	if len(missing) == 0 {
		return nil
	}

	var added []*firmware.Module
	var stillMissing []missingSlot
	for _, slot := range missing {
		if m := r.assetModule(slot); m != nil {
			r.log.Info().Str("platform", slot.platform.Name).Str("module", string(slot.typ)).
				Msg("using bundled asset for missing module")
			added = append(added, m)
			continue
		}
		stillMissing = append(stillMissing, slot)
	}

	var fromReleases []missingSlot
	for _, slot := range stillMissing {
		switch slot.typ {
		case platform.ModuleRadioStack, platform.ModuleNCPFirmware:
			r.log.Warn().Str("platform", slot.platform.Name).Str("module", string(slot.typ)).
				Msg("release is missing a module; skipping it")
		default:
			fromReleases = append(fromReleases, slot)
		}
	}
	if len(fromReleases) == 0 {
		return added
	}

	added = append(added, r.backfillFromReleases(ctx, ver, fromReleases)...)
	return added
}

// missingSlots computes the expected-but-absent modules for every platform
// represented in the resolved set.
func (r *Resolver) missingSlots(have []*firmware.Module) []missingSlot {
	platforms := make(map[int]*platform.Platform)
	present := make(map[int]map[platform.ModuleType]bool)
	for _, m := range have {
		platforms[m.Platform.ID] = m.Platform
		if present[m.Platform.ID] == nil {
			present[m.Platform.ID] = make(map[platform.ModuleType]bool)
		}
		present[m.Platform.ID][m.Type] = true
	}

	ids := make([]int, 0, len(platforms))
	for id := range platforms {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var missing []missingSlot
	for _, id := range ids {
		p := platforms[id]
		expected := []platform.ModuleType{platform.ModuleBootloader, platform.ModuleUserPart}
		if p.HasRadioStack {
			expected = append(expected, platform.ModuleRadioStack)
		}
		if p.HasNCPFirmware {
			expected = append(expected, platform.ModuleNCPFirmware)
		}
		for _, t := range expected {
			if !present[id][t] {
				missing = append(missing, missingSlot{platform: p, typ: t})
			}
		}
	}
	return missing
}

// assetModule scans the bundled asset directory for a module filling slot.
func (r *Resolver) assetModule(slot missingSlot) *firmware.Module {
	if r.assetsDir == "" {
		return nil
	}
	for _, m := range r.parseTree(r.assetsDir) {
		if m.Platform.ID == slot.platform.ID && m.Type == slot.typ {
			m.IsAsset = true
			return m
		}
	}
	return nil
}

// backfillFromReleases probes older releases, newest first, for the missing
// bootloaders and user parts. Only files whose names identify them as a
// bootloader or the tinker app are taken; anything else in an old release
// is stale by definition.
func (r *Resolver) backfillFromReleases(ctx context.Context, ver *semver.Version, missing []missingSlot) []*firmware.Module {
	priors, err := r.priorVersions(ctx, ver)
	if err != nil {
		r.log.Warn().Err(err).Msg("cannot list older releases for backfill")
		return nil
	}
	if len(priors) > maxBackfillProbes {
		priors = priors[:maxBackfillProbes]
	}

	var added []*firmware.Module
	remaining := append([]missingSlot(nil), missing...)
	for _, prior := range priors {
		if len(remaining) == 0 {
			break
		}
		modules := r.probeRelease(ctx, prior)
		var next []missingSlot
		for _, slot := range remaining {
			if m := matchBackfill(modules, slot); m != nil {
				r.log.Info().Str("platform", slot.platform.Name).Str("module", string(slot.typ)).
					Str("release", prior.String()).Msg("backfilled module from older release")
				added = append(added, m)
				continue
			}
			next = append(next, slot)
		}
		remaining = next
	}

	for _, slot := range remaining {
		r.log.Warn().Str("platform", slot.platform.Name).Str("module", string(slot.typ)).
			Msg("no older release supplies the missing module")
	}
	return added
}

// priorVersions lists release versions strictly older than ver, newest
// first.
func (r *Resolver) priorVersions(ctx context.Context, ver *semver.Version) ([]*semver.Version, error) {
	all, err := r.client.ListAllReleases(ctx)
	if err != nil {
		return nil, err
	}
	var priors []*semver.Version
	for _, rel := range all {
		if rel.Draft {
			continue
		}
		v, err := semver.NewVersion(strings.TrimPrefix(rel.TagName, "v"))
		if err != nil {
			continue
		}
		if v.LessThan(ver) {
			priors = append(priors, v)
		}
	}
	sort.Sort(sort.Reverse(semver.Collection(priors)))
	return priors, nil
}

// probeRelease downloads and parses one older release, memoized per
// version.
func (r *Resolver) probeRelease(ctx context.Context, ver *semver.Version) []*firmware.Module {
	key := ver.String()
	if mods, ok := r.probed[key]; ok {
		return mods
	}
	r.probed[key] = nil

	rel, err := r.locateRelease(ctx, ver, false)
	if err != nil {
		r.log.Debug().Err(err).Str("version", key).Msg("backfill probe failed")
		return nil
	}
	dir := filepath.Join(r.workDir, "downloads", key)
	if _, err := r.fetchAssets(ctx, rel, dir); err != nil {
		r.log.Debug().Err(err).Str("version", key).Msg("backfill download failed")
		return nil
	}
	mods := r.canonicalize(r.parseTree(dir))
	r.probed[key] = mods
	return mods
}

// matchBackfill selects a module from an older release for slot, keyed on
// the filename.
func matchBackfill(modules []*firmware.Module, slot missingSlot) *firmware.Module {
	var nameTag string
	switch slot.typ {
	case platform.ModuleBootloader:
		nameTag = "bootloader"
	case platform.ModuleUserPart:
		nameTag = "tinker"
	default:
		return nil
	}
	for _, m := range modules {
		if m.Platform.ID != slot.platform.ID || m.Type != slot.typ {
			continue
		}
		if strings.Contains(strings.ToLower(filepath.Base(m.FilePath)), nameTag) {
			return m
		}
	}
	return nil
}
