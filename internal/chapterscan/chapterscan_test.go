package chapterscan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssmcore/mangamerged/internal/trigger"
)

func TestClassifierAncestorAndChapterDepths(t *testing.T) {
	t.Parallel()
	root := "/sources"
	c := NewClassifier(root)

	cases := []struct {
		path string
		want trigger.PathKind
	}{
		{"/sources", trigger.Ancestor},
		{"/sources/vol1", trigger.Ancestor},
		{"/sources/vol1/mangadex", trigger.Ancestor},
		{"/sources/vol1/mangadex/One Piece", trigger.Ancestor},
		{"/sources/vol1/mangadex/One Piece/Chapter 1", trigger.Chapter},
		{"/sources/vol1/mangadex/One Piece/Chapter 1/ComicInfo.xml", trigger.Chapter},
		{"/other/root", trigger.Unrelated},
	}
	for _, c2 := range cases {
		if got := c.Classify(c2.path); got != c2.want {
			t.Errorf("Classify(%q) = %v, want %v", c2.path, got, c2.want)
		}
	}
}

func TestEnumerateDescendantsBoundedAtChapterDepth(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	titleDir := filepath.Join(root, "vol1", "mangadex", "One Piece")
	mustMkdirAll(t, filepath.Join(titleDir, "Chapter 1", "extra"))
	mustMkdirAll(t, filepath.Join(titleDir, "Chapter 2"))

	e := NewEnumerator(root)

	got, err := e.EnumerateDescendants(titleDir)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		filepath.Join(titleDir, "Chapter 1"): true,
		filepath.Join(titleDir, "Chapter 2"): true,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want keys of %v", got, want)
	}
	for _, g := range got {
		if !want[g] {
			t.Errorf("unexpected candidate %q", g)
		}
	}
}

func TestEnumerateDescendantsFullRescanFromEmptyPath(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	ch := filepath.Join(root, "vol1", "mangadex", "One Piece", "Chapter 1")
	mustMkdirAll(t, ch)

	e := NewEnumerator(root)
	got, err := e.EnumerateDescendants("")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != ch {
		t.Errorf("got %v, want [%q]", got, ch)
	}
}

func TestEnumerateDescendantsAtChapterDepthReturnsItself(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	ch := filepath.Join(root, "vol1", "mangadex", "One Piece", "Chapter 1")
	mustMkdirAll(t, ch)

	e := NewEnumerator(root)
	got, err := e.EnumerateDescendants(ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != ch {
		t.Errorf("got %v, want [%q]", got, ch)
	}
}

func TestRenamerStripsSceneTagAfterStabilizationWindow(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	titleDir := filepath.Join(root, "One Piece")
	raw := filepath.Join(titleDir, "Chapter 1 [Colored]")
	mustMkdirAll(t, raw)

	r := NewRenamer([]string{"[Colored]"}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	remaining := r.Process([]trigger.RenameEntry{{Path: raw, EnqueuedAt: time.Now().Add(-time.Hour)}})
	if len(remaining) != 0 {
		t.Fatalf("expected entry to be processed, got remaining=%v", remaining)
	}

	dest := filepath.Join(titleDir, "Chapter 1")
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("expected renamed directory %q to exist: %v", dest, err)
	}
	if _, err := os.Stat(raw); !os.IsNotExist(err) {
		t.Errorf("expected original directory %q to be gone", raw)
	}
}

func TestRenamerLeavesUnstableEntriesPending(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	raw := filepath.Join(root, "Chapter 1 [Colored]")
	mustMkdirAll(t, raw)

	r := NewRenamer([]string{"[Colored]"}, time.Hour)
	remaining := r.Process([]trigger.RenameEntry{{Path: raw, EnqueuedAt: time.Now()}})
	if len(remaining) != 1 {
		t.Fatalf("expected entry to remain pending, got %v", remaining)
	}
	if _, err := os.Stat(raw); err != nil {
		t.Errorf("directory should be untouched: %v", err)
	}
}

func TestRenamerSkipsWhenDestinationAlreadyExists(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	raw := filepath.Join(root, "Chapter 1 [Colored]")
	mustMkdirAll(t, raw)
	mustMkdirAll(t, filepath.Join(root, "Chapter 1"))

	r := NewRenamer([]string{"[Colored]"}, 0)
	remaining := r.Process([]trigger.RenameEntry{{Path: raw, EnqueuedAt: time.Now().Add(-time.Hour)}})
	if len(remaining) != 0 {
		t.Fatalf("destination collision still counts as processed, got remaining=%v", remaining)
	}
	if _, err := os.Stat(raw); err != nil {
		t.Errorf("source directory should be left in place on collision: %v", err)
	}
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
}
