// Package merge implements the merge pass (§4.15): build title groups
// across source and override volumes, ensure per-title metadata, plan
// mergerfs branches, converge the live mount set, and quarantine residual
// directories left under the merged root.
package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/ssmcore/mangamerged/internal/catalog"
	"github.com/ssmcore/mangamerged/internal/logging"
	"github.com/ssmcore/mangamerged/internal/metadata"
	"github.com/ssmcore/mangamerged/internal/mount"
	"github.com/ssmcore/mangamerged/internal/pathutil"
	"github.com/ssmcore/mangamerged/internal/scanqueue"
	"github.com/ssmcore/mangamerged/internal/volumes"
)

var log = logging.New("merge")

// Config tunes one Workflow (spec §3 path conventions, §4.15, §4.4).
type Config struct {
	SourcesRoot         string
	OverrideRoot        string
	MergedRoot          string
	BranchLinksRoot     string
	ConfigRoot          string
	ExcludedSourceNames []string
	SourcePriorityOrder []string
	SceneTags           []string
	MountActionTimeout  time.Duration
	FindmntTimeout      time.Duration
	Binaries            mount.Binaries
	FindmntBin          string
	BaseMountOptions    string
}

// TitleGroup is one canonical title's source branches (spec §3 "Title
// group"). Built fresh every pass and discarded at pass end.
type TitleGroup struct {
	CanonicalTitle string
	GroupKey       string
	SourceBranches []mount.SourceBranch
}

// Workflow runs merge passes against a fixed configuration, equivalence
// catalog, and metadata coordinator.
type Workflow struct {
	cfg      Config
	catalog  *catalog.Catalog
	metadata *metadata.Coordinator
	executor *mount.Executor
	reader   *mount.Reader

	lock sync.Mutex // process-wide merge lock; held only via TryLock
}

// New builds a Workflow.
func New(cfg Config, cat *catalog.Catalog, coordinator *metadata.Coordinator) *Workflow {
	return &Workflow{
		cfg:      cfg,
		catalog:  cat,
		metadata: coordinator,
		executor: mount.NewExecutor(cfg.Binaries, cfg.MountActionTimeout),
		reader:   mount.NewReader(cfg.FindmntBin, cfg.FindmntTimeout),
	}
}

// Run executes one merge pass (§4.15). It implements trigger.MergeHandler's
// shape once bound to a context by the caller: `func(r scanqueue.Request)
// scanqueue.DispatchOutcome { return wf.Run(ctx, r) }`.
func (w *Workflow) Run(ctx context.Context, req scanqueue.Request) scanqueue.DispatchOutcome {
	if !w.lock.TryLock() {
		return scanqueue.Busy
	}
	defer w.lock.Unlock()

	sourceDiscovery := volumes.Discover(w.cfg.SourcesRoot)
	overrideDiscovery := volumes.Discover(w.cfg.OverrideRoot)
	for _, warn := range append(append([]string{}, sourceDiscovery.Warnings...), overrideDiscovery.Warnings...) {
		log.Warnf("merge.volume.discovery_warning", "%s", warn)
	}
	enumerationWarnings := len(sourceDiscovery.Warnings) > 0 || len(overrideDiscovery.Warnings) > 0

	if ctx.Err() != nil {
		return scanqueue.Failure
	}

	groups, groupWarnings := buildTitleGroups(sourceDiscovery.Volumes, overrideDiscovery.Volumes, w.cfg, w.catalog)
	enumerationWarnings = enumerationWarnings || groupWarnings

	overrideVolumePaths := volumePaths(overrideDiscovery.Volumes)

	desired := make(map[string]*mount.Plan, len(groups))
	for _, g := range groups {
		if ctx.Err() != nil {
			return scanqueue.Failure
		}

		plan := mount.BuildPlan(mount.Input{
			CanonicalTitle:      g.CanonicalTitle,
			GroupKey:            g.GroupKey,
			MergedRoot:          w.cfg.MergedRoot,
			BranchLinksRoot:     w.cfg.BranchLinksRoot,
			OverrideVolumePaths: overrideVolumePaths,
			SourceBranches:      g.SourceBranches,
			SourcePriorityOrder: w.cfg.SourcePriorityOrder,
		}, dirExists)
		desired[plan.MountPoint] = plan

		w.ensureGroupMetadata(ctx, g, plan, overrideVolumePaths)
	}

	forceSet, forceWarning := w.resolveForceSet(req, desired)
	if forceWarning != "" {
		log.Warnf("merge.force.unresolved", "%s", forceWarning)
	}

	observed, err := w.reader.Read(ctx)
	if err != nil {
		log.Warnf("merge.snapshot.read_failed", "err=%v", err)
		return scanqueue.Failure
	}

	actions := mount.ReconcileActions(desired, observed, forceSet, req.Reason)
	sortActions(actions)

	results := make([]mount.ActionResult, len(actions))
	for i, action := range actions {
		if ctx.Err() != nil {
			return scanqueue.Failure
		}
		results[i] = w.executor.ApplyAction(ctx, action, w.cfg.BaseMountOptions)
		if results[i].Outcome != mount.ActionSuccess {
			log.Warnf("merge.action.failed", "kind=%s mountpoint=%q diagnostic=%s", action.Kind, action.MountPoint, results[i].Diagnostic)
		}
	}

	if noManagedMountsRemain(observed, actions, results) {
		w.cleanupResidual(req.Reason)
	}

	return aggregateOutcome(results, enumerationWarnings)
}

// ensureGroupMetadata runs the metadata coordinator for one group's display
// title, best-effort: a coordinator failure never fails the merge pass.
func (w *Workflow) ensureGroupMetadata(ctx context.Context, g TitleGroup, plan *mount.Plan, overrideVolumePaths []string) {
	if w.metadata == nil || plan.PreferredOverridePath == "" {
		return
	}
	allOverrideDirs := make([]string, 0, len(overrideVolumePaths))
	for _, v := range overrideVolumePaths {
		allOverrideDirs = append(allOverrideDirs, filepath.Join(v, g.CanonicalTitle))
	}
	sourceDirs := make([]string, 0, len(g.SourceBranches))
	for _, sb := range g.SourceBranches {
		sourceDirs = append(sourceDirs, sb.SourcePath)
	}
	w.metadata.EnsureMetadata(ctx, metadata.Request{
		DisplayTitle:    g.CanonicalTitle,
		PreferredDir:    plan.PreferredOverridePath,
		AllOverrideDirs: allOverrideDirs,
		SourceDirs:      sourceDirs,
	})
}

// resolveForceSet implements §4.15 step 3: the force-remount mount-point
// set for this pass.
func (w *Workflow) resolveForceSet(req scanqueue.Request, desired map[string]*mount.Plan) (map[string]bool, string) {
	if !req.Force {
		return nil, ""
	}

	const prefix = "override-force:"
	if !strings.HasPrefix(req.Reason, prefix) {
		set := make(map[string]bool, len(desired))
		for mp := range desired {
			set[mp] = true
		}
		return set, ""
	}

	token := strings.TrimPrefix(req.Reason, prefix)
	if token == "" {
		return nil, "empty override-force title token; forcing nothing"
	}

	canonical := token
	if w.catalog != nil {
		canonical = w.catalog.ResolveCanonicalOrInput(token)
	}
	for mp, plan := range desired {
		if pathutil.TokenKey(plan.GroupID) == pathutil.TokenKey(canonical) || strings.EqualFold(filepath.Base(mp), pathutil.EscapeSegment(canonical)) {
			return map[string]bool{mp: true}, ""
		}
	}
	return nil, fmt.Sprintf("override-force title %q not found in desired set", token)
}

func sortActions(actions []mount.Action) {
	priority := map[mount.ActionKind]int{mount.Mount: 0, mount.Remount: 1, mount.Unmount: 2}
	sort.SliceStable(actions, func(i, j int) bool {
		pi, pj := priority[actions[i].Kind], priority[actions[j].Kind]
		if pi != pj {
			return pi < pj
		}
		return actions[i].MountPoint < actions[j].MountPoint
	})
}

// noManagedMountsRemain reports whether, after applying this pass's
// actions, zero managed mounts are left under the merged root (§4.15 step
// 8 precondition for residual cleanup).
func noManagedMountsRemain(observed []mount.Entry, actions []mount.Action, results []mount.ActionResult) bool {
	remaining := make(map[string]bool)
	for _, e := range observed {
		if mount.IsManaged(e) {
			remaining[e.Target] = true
		}
	}
	for i, a := range actions {
		if results[i].Outcome != mount.ActionSuccess {
			continue
		}
		switch a.Kind {
		case mount.Mount, mount.Remount:
			remaining[a.MountPoint] = true
		case mount.Unmount:
			delete(remaining, a.MountPoint)
		}
	}
	return len(remaining) == 0
}

// aggregateOutcome maps per-action outcomes to the pass outcome (§4.15
// step 9).
func aggregateOutcome(results []mount.ActionResult, enumerationWarnings bool) scanqueue.DispatchOutcome {
	if len(results) == 0 {
		if enumerationWarnings {
			return scanqueue.Mixed
		}
		return scanqueue.Success
	}

	successes, failures := 0, 0
	for _, r := range results {
		if r.Outcome == mount.ActionSuccess {
			successes++
		} else {
			failures++
		}
	}

	switch {
	case failures == 0:
		if enumerationWarnings {
			return scanqueue.Mixed
		}
		return scanqueue.Success
	case successes == 0:
		return scanqueue.Failure
	default:
		return scanqueue.Mixed
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func volumePaths(vols []volumes.Volume) []string {
	paths := make([]string, len(vols))
	for i, v := range vols {
		paths[i] = v.Path
	}
	return paths
}

// shortHash is the merge package's own deterministic-fallback hash for
// group keys that collapse to empty after normalization (§3 Title group
// invariant).
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// buildTitleGroups implements §3's Title group construction: raw titles
// under non-excluded source-name directories are folded to a canonical via
// scene-tag stripping plus the equivalence catalog, then merged by group
// key; override-only titles (present under an override volume but backed
// by no source) are added as groups with no source branches.
func buildTitleGroups(sourceVolumes, overrideVolumes []volumes.Volume, cfg Config, cat *catalog.Catalog) ([]TitleGroup, bool) {
	excluded := volumes.ExcludedSet(cfg.ExcludedSourceNames)
	byKey := make(map[string]*TitleGroup)
	order := make([]string, 0)
	warnings := false

	ensureGroup := func(canonical, groupKey string) *TitleGroup {
		if g, ok := byKey[groupKey]; ok {
			return g
		}
		g := &TitleGroup{CanonicalTitle: canonical, GroupKey: groupKey}
		byKey[groupKey] = g
		order = append(order, groupKey)
		return g
	}

	for _, vol := range sourceVolumes {
		sourceNames := volumes.Sources(vol, excluded)
		if len(sourceNames.Warnings) > 0 {
			warnings = true
			for _, w := range sourceNames.Warnings {
				log.Warnf("merge.group.source_enumeration_warning", "%s", w)
			}
		}
		for _, sourceDir := range sourceNames.Volumes {
			entries, err := os.ReadDir(sourceDir.Path)
			if err != nil {
				warnings = true
				log.Warnf("merge.group.title_enumeration_failed", "path=%q err=%v", sourceDir.Path, err)
				continue
			}
			for _, entry := range entries {
				if !entry.IsDir() || entry.Name() == "" || entry.Name()[0] == '.' {
					continue
				}
				raw := entry.Name()
				canonical, groupKey := resolveGroup(raw, cfg.SceneTags, cat)
				g := ensureGroup(canonical, groupKey)
				g.SourceBranches = append(g.SourceBranches, mount.SourceBranch{
					SourceName: sourceDir.Name,
					SourcePath: filepath.Join(sourceDir.Path, raw),
				})
			}
		}
	}

	for _, vol := range overrideVolumes {
		entries, err := os.ReadDir(vol.Path)
		if err != nil {
			warnings = true
			log.Warnf("merge.group.override_enumeration_failed", "path=%q err=%v", vol.Path, err)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || entry.Name() == "" || entry.Name()[0] == '.' {
				continue
			}
			raw := entry.Name()
			canonical, groupKey := resolveGroup(raw, cfg.SceneTags, cat)
			ensureGroup(canonical, groupKey)
		}
	}

	groups := make([]TitleGroup, len(order))
	for i, key := range order {
		groups[i] = *byKey[key]
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].CanonicalTitle != groups[j].CanonicalTitle {
			return groups[i].CanonicalTitle < groups[j].CanonicalTitle
		}
		return groups[i].GroupKey < groups[j].GroupKey
	})
	return groups, warnings
}

// resolveGroup folds one raw on-disk title name to its canonical title and
// group key. Titles that are entirely a scene-tag suffix (stripping would
// collapse them to nothing) are preserved in place with a warning rather
// than silently folded away.
func resolveGroup(raw string, sceneTags []string, cat *catalog.Catalog) (canonical, groupKey string) {
	working := raw
	if pathutil.HasSceneTagSuffix(raw, sceneTags) {
		stripped := pathutil.StripSceneTags(raw, sceneTags)
		if strings.TrimSpace(stripped) == "" {
			log.Warnf("merge.group.tagged_only_title", "raw=%q", raw)
		} else {
			working = stripped
		}
	}

	canonical = working
	if cat != nil {
		canonical = cat.ResolveCanonicalOrInput(working)
	}

	groupKey = pathutil.TokenKey(canonical)
	if groupKey == "" {
		groupKey = shortHash(canonical + "|" + raw)
	}
	return canonical, groupKey
}

// cleanupResidual implements §4.15 step 8: enumerate merged-root
// descendants deepest-first, remove empty directories, and quarantine any
// top-level entry that remains non-empty.
func (w *Workflow) cleanupResidual(reason string) {
	entries, err := os.ReadDir(w.cfg.MergedRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("merge.cleanup.list_failed", "err=%v", err)
		}
		return
	}

	var candidateDirs []string
	for _, e := range entries {
		if e.IsDir() {
			candidateDirs = append(candidateDirs, filepath.Join(w.cfg.MergedRoot, e.Name()))
		}
	}

	movedNonEmptyDirectories := 0
	for _, dir := range candidateDirs {
		removeEmptyDescendantsDeepestFirst(dir)

		remaining, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warnf("merge.cleanup.stat_failed", "path=%q err=%v", dir, err)
			}
			continue
		}
		if len(remaining) == 0 {
			if err := os.Remove(dir); err != nil {
				log.Warnf("merge.cleanup.remove_failed", "path=%q err=%v", dir, err)
			}
			continue
		}

		size := dirSize(dir)
		mode, err := w.quarantine(dir, reason)
		if err != nil {
			log.Warnf("merge.cleanup.quarantine_failed", "path=%q err=%v", dir, err)
			continue
		}
		movedNonEmptyDirectories++
		log.Warnf("merge.cleanup", "path=%q relocation_mode=%s size=%s moved_non_empty_directories=%d",
			dir, mode, humanize.Bytes(uint64(size)), movedNonEmptyDirectories)
	}
}

// dirSize sums the apparent size of every regular file under path, used
// only for the humanized size logged alongside a quarantine.
func dirSize(path string) int64 {
	var total int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

// removeEmptyDescendantsDeepestFirst walks dir depth-first and removes
// every empty directory it finds, deepest first, so a directory that only
// contains now-empty subdirectories also becomes removable.
func removeEmptyDescendantsDeepestFirst(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := filepath.Join(dir, e.Name())
		removeEmptyDescendantsDeepestFirst(child)
		if remaining, err := os.ReadDir(child); err == nil && len(remaining) == 0 {
			os.Remove(child)
		}
	}
}

// quarantine moves dir into
// <configRoot>/cleanup/merged-residual/<timestamp>_<phase>_<guid>/, falling
// back to copy-delete when the rename crosses a filesystem boundary (§4.15
// step 8). Unique destination names get a "_N" suffix on collision. Returns
// the relocation mode used ("move" or "copy_delete") on success.
func (w *Workflow) quarantine(dir, phase string) (string, error) {
	if phase == "" {
		phase = "merge"
	}
	batchDir := filepath.Join(w.cfg.ConfigRoot, "cleanup", "merged-residual",
		fmt.Sprintf("%s_%s_%s", time.Now().UTC().Format("20060102T150405Z"), sanitizePhase(phase), uuid.NewString()))
	if err := os.MkdirAll(batchDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create quarantine batch dir: %w", err)
	}

	dest := uniqueDestination(batchDir, filepath.Base(dir))
	if err := os.Rename(dir, dest); err == nil {
		return "move", nil
	}

	if err := copyTree(dir, dest); err != nil {
		return "", fmt.Errorf("copy-delete quarantine of %q failed: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warnf("merge.cleanup.source_remove_failed", "path=%q err=%v", dir, err)
	}
	return "copy_delete", nil
}

func sanitizePhase(phase string) string {
	var b strings.Builder
	for _, r := range phase {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "merge"
	}
	return b.String()
}

func uniqueDestination(dir, base string) string {
	dest := filepath.Join(dir, base)
	for n := 1; ; n++ {
		if _, err := os.Lstat(dest); os.IsNotExist(err) {
			return dest
		}
		dest = filepath.Join(dir, fmt.Sprintf("%s_%d", base, n))
	}
}

// copyTree recursively copies src to dst, used as the cross-filesystem
// fallback when os.Rename cannot quarantine a residual directory in place.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode())
}
