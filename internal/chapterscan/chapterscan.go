// Package chapterscan implements the path classification, bounded descendant
// enumeration, and chapter-rename pass that spec §4.3 steps 2-3 describe, all
// scoped to the conventional layout
// `<sourcesRoot>/<volume>/<sourceName>/<title>/<chapter>/` (spec §3). Volume,
// source name, and title directories are Ancestor paths; chapter directories
// (and anything under them) are Chapter paths.
package chapterscan

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ssmcore/mangamerged/internal/logging"
	"github.com/ssmcore/mangamerged/internal/pathutil"
	"github.com/ssmcore/mangamerged/internal/trigger"
)

var log = logging.New("chapterscan")

// chapterDepth is the number of path segments between sourcesRoot and a
// chapter directory: volume / sourceName / title / chapter.
const chapterDepth = 4

// Classifier classifies an event path against one sourcesRoot (spec §4.3
// step 2).
type Classifier struct {
	sourcesRoot string
}

// NewClassifier builds a Classifier rooted at sourcesRoot.
func NewClassifier(sourcesRoot string) *Classifier {
	return &Classifier{sourcesRoot: filepath.Clean(sourcesRoot)}
}

// Classify implements trigger.Classifier.
func (c *Classifier) Classify(path string) trigger.PathKind {
	depth, ok := relDepth(c.sourcesRoot, path)
	if !ok {
		return trigger.Unrelated
	}
	if depth >= chapterDepth {
		return trigger.Chapter
	}
	return trigger.Ancestor
}

// relDepth reports the number of path segments separating root from path.
// depth 0 means path is root itself. ok is false when path does not fall
// under root.
func relDepth(root, path string) (depth int, ok bool) {
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil {
		return 0, false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return 0, false
	}
	if rel == "." {
		return 0, true
	}
	return len(strings.Split(rel, string(filepath.Separator))), true
}

// Enumerator performs the bounded descendant enumeration of spec §4.3 step
// 2: given an Ancestor path (or "" for a full rescan from sourcesRoot),
// return every chapter-directory descendant without recursing past it.
type Enumerator struct {
	sourcesRoot string
}

// NewEnumerator builds an Enumerator rooted at sourcesRoot.
func NewEnumerator(sourcesRoot string) *Enumerator {
	return &Enumerator{sourcesRoot: filepath.Clean(sourcesRoot)}
}

// EnumerateDescendants implements trigger.Enumerator.
func (e *Enumerator) EnumerateDescendants(path string) ([]string, error) {
	root := path
	if root == "" {
		root = e.sourcesRoot
	}
	root = filepath.Clean(root)

	startDepth, ok := relDepth(e.sourcesRoot, root)
	if !ok {
		return nil, nil
	}
	if startDepth >= chapterDepth {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			return []string{root}, nil
		}
		return nil, nil
	}

	var candidates []string
	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Warnf("chapterscan.enumerate.subdir_failed", "path=%q err=%v", dir, err)
			return
		}
		for _, entry := range entries {
			if !entry.IsDir() || entry.Name() == "" || entry.Name()[0] == '.' {
				continue
			}
			child := filepath.Join(dir, entry.Name())
			if depth+1 >= chapterDepth {
				candidates = append(candidates, child)
				continue
			}
			walk(child, depth+1)
		}
	}
	walk(root, startDepth)

	return candidates, nil
}

// Renamer runs one pass of the rename processor (spec §4.3 step 3): queued
// chapter directories older than StabilizationWindow have their scene-tag
// suffix stripped from the directory name in place; younger entries are
// returned unprocessed so the next tick retries them once they have settled.
type Renamer struct {
	sceneTags           []string
	stabilizationWindow time.Duration
}

// NewRenamer builds a Renamer. stabilizationWindow guards against renaming a
// chapter directory while it is still being written; an entry is left
// unprocessed until it has sat in the queue for at least that long.
func NewRenamer(sceneTags []string, stabilizationWindow time.Duration) *Renamer {
	return &Renamer{sceneTags: sceneTags, stabilizationWindow: stabilizationWindow}
}

// Process implements trigger.RenameProcessor.
func (r *Renamer) Process(pending []trigger.RenameEntry) []trigger.RenameEntry {
	now := time.Now()
	var remaining []trigger.RenameEntry
	for _, entry := range pending {
		if now.Sub(entry.EnqueuedAt) < r.stabilizationWindow {
			remaining = append(remaining, entry)
			continue
		}
		r.renameOne(entry.Path)
	}
	return remaining
}

func (r *Renamer) renameOne(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("chapterscan.rename.stat_failed", "path=%q err=%v", path, err)
		}
		return
	}
	if !info.IsDir() {
		return
	}

	base := filepath.Base(path)
	stripped := pathutil.StripSceneTags(base, r.sceneTags)
	if stripped == base || strings.TrimSpace(stripped) == "" {
		return
	}

	dest := filepath.Join(filepath.Dir(path), stripped)
	if dest == path {
		return
	}
	if _, err := os.Lstat(dest); err == nil {
		log.Warnf("chapterscan.rename.destination_exists", "path=%q dest=%q", path, dest)
		return
	}

	if err := os.Rename(path, dest); err != nil {
		log.Warnf("chapterscan.rename.failed", "path=%q dest=%q err=%v", path, dest, err)
	}
}
