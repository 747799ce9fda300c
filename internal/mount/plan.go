// Package mount implements the mergerfs branch planner (§4.4), mount
// command executor (§4.5), and mount snapshot reader (§4.6).
package mount

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ssmcore/mangamerged/internal/pathutil"
)

// SourceBranch is one candidate source directory backing a title group.
type SourceBranch struct {
	SourceName string
	SourcePath string
}

// BranchLink is one symlink the planner says must exist under
// branchLinksRoot/groupId, pointing at a real source or override directory.
type BranchLink struct {
	Name   string // e.g. "00_override_primary"
	Target string // the real directory the link points at
	Path   string // the link's own path under the group's link directory
	Mode   string // "RW" or "RO"
}

// Plan is the mergerfs branch plan for one title group.
type Plan struct {
	GroupID               string
	MountPoint            string
	DesiredIdentity       string
	BranchSpecification   string
	PreferredOverridePath string
	BranchLinks           []BranchLink
}

// Input is everything the planner needs for one title group.
type Input struct {
	CanonicalTitle      string
	GroupKey            string
	MergedRoot          string
	BranchLinksRoot     string
	OverrideVolumePaths []string // in configuration order
	SourceBranches      []SourceBranch
	SourcePriorityOrder []string
}

// ExistsFunc reports whether a directory exists; injected so the planner
// never touches the filesystem directly in tests.
type ExistsFunc func(path string) bool

// BuildPlan builds the mergerfs branch plan for one title group (§4.4).
func BuildPlan(in Input, exists ExistsFunc) *Plan {
	groupID := buildGroupID(in.CanonicalTitle, in.GroupKey)
	linkDir := filepath.Join(in.BranchLinksRoot, groupID)

	overrideBranches, preferred := selectOverrideBranches(in.CanonicalTitle, in.OverrideVolumePaths, exists)
	sourceBranches := orderSourceBranches(in.SourceBranches, in.SourcePriorityOrder)

	var links []BranchLink
	var specParts []string

	for i, ob := range overrideBranches {
		var name string
		if i == 0 {
			name = "00_override_primary"
		} else {
			label := volumeLabel(ob)
			name = composeLinkName("01_override", label, sanitizeLabel(label), i-1)
		}
		link := BranchLink{Name: name, Target: ob, Path: filepath.Join(linkDir, name), Mode: "RW"}
		links = append(links, link)
		specParts = append(specParts, link.Path+"=RW")
	}

	for i, sb := range sourceBranches {
		name := composeLinkName("10_source", sb.SourceName, sanitizeLabel(sb.SourceName), i)
		link := BranchLink{Name: name, Target: sb.SourcePath, Path: filepath.Join(linkDir, name), Mode: "RO"}
		links = append(links, link)
		specParts = append(specParts, link.Path+"=RO")
	}

	branchSpec := strings.Join(specParts, ":")

	return &Plan{
		GroupID:               groupID,
		MountPoint:            filepath.Join(in.MergedRoot, pathutil.EscapeSegment(in.CanonicalTitle)),
		DesiredIdentity:       shortHash(in.GroupKey + "|" + branchSpec),
		BranchSpecification:   branchSpec,
		PreferredOverridePath: preferred,
		BranchLinks:           links,
	}
}

// selectOverrideBranches picks the preferred override (first volume whose
// canonical title directory exists, else the first volume in configuration
// order) plus any other override volume that also already has the title
// directory, preserving configuration order (§4.4 step 1).
func selectOverrideBranches(canonicalTitle string, volumePaths []string, exists ExistsFunc) (branches []string, preferred string) {
	if len(volumePaths) == 0 {
		return nil, ""
	}

	preferredIdx := -1
	for i, v := range volumePaths {
		if exists(filepath.Join(v, canonicalTitle)) {
			preferredIdx = i
			break
		}
	}
	if preferredIdx == -1 {
		preferredIdx = 0
	}
	preferred = filepath.Join(volumePaths[preferredIdx], canonicalTitle)
	branches = append(branches, preferred)

	for i, v := range volumePaths {
		if i == preferredIdx {
			continue
		}
		titleDir := filepath.Join(v, canonicalTitle)
		if exists(titleDir) {
			branches = append(branches, titleDir)
		}
	}
	return branches, preferred
}

// orderSourceBranches sorts by external source-priority order (§4.4 step
// 2). Sources missing from the priority list sort after the listed ones,
// and ties are broken by source name then path.
func orderSourceBranches(branches []SourceBranch, priority []string) []SourceBranch {
	rank := make(map[string]int, len(priority))
	for i, name := range priority {
		rank[name] = i
	}
	unranked := len(priority)

	out := make([]SourceBranch, len(branches))
	copy(out, branches)

	sort.SliceStable(out, func(i, j int) bool {
		ri, oki := rank[out[i].SourceName]
		rj, okj := rank[out[j].SourceName]
		if !oki {
			ri = unranked
		}
		if !okj {
			rj = unranked
		}
		if ri != rj {
			return ri < rj
		}
		if out[i].SourceName != out[j].SourceName {
			return out[i].SourceName < out[j].SourceName
		}
		return out[i].SourcePath < out[j].SourcePath
	})
	return out
}

func volumeLabel(titleDirPath string) string {
	return filepath.Base(filepath.Dir(titleDirPath))
}

// buildGroupID builds the ASCII-safe canonical title with reserved segments
// escaped, appended with "-" plus the first 12 hex digits of
// SHA-256(groupKey) (§4.4 step 3).
func buildGroupID(canonicalTitle, groupKey string) string {
	escaped := pathutil.EscapeSegment(canonicalTitle)
	sum := sha256.Sum256([]byte(groupKey))
	return fmt.Sprintf("%s-%s", escaped, hex.EncodeToString(sum[:])[:12])
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// maxPathComponentBytes is the conventional filesystem limit for a single
// path segment.
const maxPathComponentBytes = 255

// sanitizeLabel replaces every character outside [A-Za-z0-9_] with "_";
// an entirely-empty result becomes "x" (§3 Desired mount definition).
func sanitizeLabel(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	for _, r := range label {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "x"
	}
	return out
}

// composeLinkName builds "<prefix>_<sanitizedLabel>_<NNN>". If the result
// would exceed 255 bytes, the label is truncated and a 12-hex-digit
// SHA-256 prefix of originalLabel (the pre-sanitization label) is appended
// so the name stays deterministic and collision-resistant (§3).
func composeLinkName(prefix, originalLabel, sanitizedLabel string, index int) string {
	suffix := fmt.Sprintf("_%03d", index)
	name := prefix + "_" + sanitizedLabel + suffix
	if len(name) <= maxPathComponentBytes {
		return name
	}

	sum := sha256.Sum256([]byte(originalLabel))
	tag := "_" + hex.EncodeToString(sum[:])[:12]
	fixed := len(prefix) + 1 + len(suffix) + len(tag)
	budget := maxPathComponentBytes - fixed
	if budget < 0 {
		budget = 0
	}
	truncated := sanitizedLabel
	if len(truncated) > budget {
		truncated = truncated[:budget]
	}
	return prefix + "_" + truncated + tag + suffix
}
