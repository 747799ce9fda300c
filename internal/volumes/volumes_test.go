package volumes

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverMissingRoot(t *testing.T) {
	t.Parallel()
	d := Discover(filepath.Join(t.TempDir(), "does-not-exist"))
	if len(d.Volumes) != 0 {
		t.Errorf("Discover() on missing root Volumes = %v, want empty", d.Volumes)
	}
	if len(d.Warnings) != 1 {
		t.Fatalf("Discover() on missing root Warnings = %v, want 1 entry", d.Warnings)
	}
}

func TestDiscoverSortsAndSkipsHidden(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	for _, name := range []string{"volumeB", "volumeA", ".hidden"} {
		if err := os.Mkdir(filepath.Join(root, name), 0755); err != nil {
			t.Fatalf("Mkdir(%q): %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "not-a-dir.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d := Discover(root)
	if len(d.Warnings) != 0 {
		t.Errorf("Discover() Warnings = %v, want none", d.Warnings)
	}
	if len(d.Volumes) != 2 {
		t.Fatalf("Discover() Volumes = %v, want 2 entries", d.Volumes)
	}
	if d.Volumes[0].Name != "volumeA" || d.Volumes[1].Name != "volumeB" {
		t.Errorf("Discover() not sorted: %v", d.Volumes)
	}
}

func TestSourcesExcludesConfiguredNames(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	for _, name := range []string{"mangadex", "comick", "_incoming"} {
		if err := os.Mkdir(filepath.Join(root, name), 0755); err != nil {
			t.Fatalf("Mkdir(%q): %v", name, err)
		}
	}

	vol := Volume{Name: "volume1", Path: root}
	d := Sources(vol, ExcludedSet([]string{"_incoming"}))

	if len(d.Volumes) != 2 {
		t.Fatalf("Sources() = %v, want 2 entries", d.Volumes)
	}
	for _, s := range d.Volumes {
		if s.Name == "_incoming" {
			t.Errorf("Sources() included excluded name %q", s.Name)
		}
	}
}

func TestSourcesMissingVolume(t *testing.T) {
	t.Parallel()
	vol := Volume{Name: "gone", Path: filepath.Join(t.TempDir(), "gone")}
	d := Sources(vol, nil)
	if len(d.Warnings) != 1 {
		t.Fatalf("Sources() on missing volume Warnings = %v, want 1 entry", d.Warnings)
	}
}
