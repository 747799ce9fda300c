// Package volumes enumerates the child volume directories mounted under a
// root (a sources root or an override root) and reports non-fatal
// enumeration problems as warnings rather than failing the caller (spec §2
// "Volume discovery").
package volumes

import (
	"os"
	"path/filepath"
	"sort"
)

// Volume is one immediate child directory of an enumerated root.
type Volume struct {
	Name string // directory name, e.g. "volume1"
	Path string // absolute path
}

// Discovery is the result of enumerating one root: the volumes found plus
// any non-fatal warnings encountered along the way.
type Discovery struct {
	Volumes  []Volume
	Warnings []string
}

// Discover lists the immediate child directories of root as volumes, sorted
// by name. A missing root is reported as a warning, not an error — the
// merge pass treats an absent sources/override root as "nothing to merge
// from this root yet" rather than a fatal condition.
func Discover(root string) Discovery {
	var d Discovery

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			d.Warnings = append(d.Warnings, "volume root does not exist: "+root)
			return d
		}
		d.Warnings = append(d.Warnings, "failed to read volume root "+root+": "+err.Error())
		return d
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "" || name[0] == '.' {
			continue
		}
		d.Volumes = append(d.Volumes, Volume{
			Name: name,
			Path: filepath.Join(root, name),
		})
	}

	sort.Slice(d.Volumes, func(i, j int) bool { return d.Volumes[i].Name < d.Volumes[j].Name })
	return d
}

// Sources enumerates the per-source subdirectories of one volume, excluding
// any source name present in excluded (spec §3 "Title group": "whose
// parent directory name (the 'source name') is not in the excluded set").
func Sources(volume Volume, excluded map[string]bool) Discovery {
	var d Discovery

	entries, err := os.ReadDir(volume.Path)
	if err != nil {
		d.Warnings = append(d.Warnings, "failed to read volume "+volume.Path+": "+err.Error())
		return d
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "" || name[0] == '.' {
			continue
		}
		if excluded[name] {
			continue
		}
		d.Volumes = append(d.Volumes, Volume{
			Name: name,
			Path: filepath.Join(volume.Path, name),
		})
	}

	sort.Slice(d.Volumes, func(i, j int) bool { return d.Volumes[i].Name < d.Volumes[j].Name })
	return d
}

// ExcludedSet builds a lookup set from a configured excluded-source-names
// list.
func ExcludedSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
