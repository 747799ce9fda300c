// Package pathutil provides the path-comparison and title-normalization
// primitives every other package builds group keys and mount paths on top
// of: reserved-segment escaping, title/token-key folding, and scene-tag
// stripping (spec §2, §3 "Title group").
package pathutil

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// reserved holds path separator characters and other bytes that are unsafe
// to place verbatim into a single path segment (mergedRoot title directory,
// branch-link name).
const reserved = "/\\:*?\"<>|"

var (
	foldCaser    = cases.Fold()
	stripMarks   = runes.Remove(runes.In(unicode.Mn))
	normalizer   = transform.Chain(norm.NFD, stripMarks, norm.NFC)
)

// Equal reports whether two filesystem paths refer to the same logical
// location after lexical cleaning. It does not touch the filesystem and
// does not resolve symlinks.
func Equal(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// IsStrictChild reports whether child is a strict descendant of parent —
// child must be lexically under parent and must not equal it, and no `..`
// component may escape parent. Both paths are cleaned first.
func IsStrictChild(parent, child string) bool {
	parent = filepath.Clean(parent)
	child = filepath.Clean(child)
	if parent == child {
		return false
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// EscapeSegment replaces every reserved character in s with "_" so the
// result is safe to use as a single path segment (spec §3 "ASCII-safe
// canonical title with reserved segments escaped").
func EscapeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || strings.ContainsRune(reserved, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "_"
	}
	return out
}

// TitleKey folds a raw title to a normalized, case/diacritic-folded
// comparison key used to merge raw source title names into one group
// (the glossary's "Group key"). Scene-tag suffixes are stripped first when
// sceneTags is non-empty.
func TitleKey(raw string, sceneTags []string) string {
	stripped := StripSceneTags(raw, sceneTags)
	return TokenKey(stripped)
}

// TokenKey folds a string to a comparison key: Unicode NFD decomposition,
// combining-mark removal, NFC recomposition, case folding, and collapsing
// of interior whitespace. It performs no scene-tag stripping — callers that
// need that should use TitleKey.
func TokenKey(s string) string {
	folded, _, err := transform.String(normalizer, s)
	if err != nil {
		folded = s
	}
	folded = foldCaser.String(folded)
	folded = strings.Join(strings.Fields(folded), " ")
	return strings.TrimSpace(folded)
}

// StripSceneTags removes a single trailing scene-tag suffix (matched
// case-insensitively, e.g. "[Colored]", "(Digital)") from raw, if raw ends
// with one of the configured suffixes. Matching is literal, not a glob —
// suffixes are compared against the trimmed tail of raw.
func StripSceneTags(raw string, sceneTags []string) string {
	trimmed := strings.TrimRight(raw, " ")
	lower := strings.ToLower(trimmed)
	for _, tag := range sceneTags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		lowerTag := strings.ToLower(tag)
		if strings.HasSuffix(lower, lowerTag) {
			stripped := trimmed[:len(trimmed)-len(lowerTag)]
			return strings.TrimRight(stripped, " ")
		}
	}
	return trimmed
}

// HasSceneTagSuffix reports whether raw ends in one of the configured
// scene-tag suffixes without stripping it — used to detect "tagged-only"
// titles that should be preserved in place with an operator warning rather
// than silently folded into an existing group.
func HasSceneTagSuffix(raw string, sceneTags []string) bool {
	return StripSceneTags(raw, sceneTags) != strings.TrimRight(raw, " ")
}

// EnsureASCIILower is a defensive helper used by label sanitizers that need
// a byte-safe, Western-locale-stable lowercase form distinct from TokenKey's
// Unicode-aware folding.
func EnsureASCIILower(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}
