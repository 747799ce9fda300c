package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "manga_equivalents.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMissingFileIsEmptyCatalog(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "manga_equivalents.yml")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, ok := c.TryResolveCanonicalTitle("Anything"); ok {
		t.Error("TryResolveCanonicalTitle() on empty catalog should not resolve")
	}
}

func TestLoadRejectsEmptyCanonical(t *testing.T) {
	t.Parallel()
	path := writeCatalog(t, t.TempDir(), "groups:\n  - canonical: \"\"\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() with empty canonical should fail validation")
	}
}

func TestTryResolveCanonicalTitle(t *testing.T) {
	t.Parallel()
	content := `
groups:
  - canonical: "One Piece"
    aliases:
      - title: "Wan Pisu"
`
	path := writeCatalog(t, t.TempDir(), content)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	canon, ok := c.TryResolveCanonicalTitle("wan pisu")
	if !ok || canon != "One Piece" {
		t.Errorf("TryResolveCanonicalTitle() = (%q, %v), want (One Piece, true)", canon, ok)
	}

	if got := c.ResolveCanonicalOrInput("Totally Unknown Title"); got != "Totally Unknown Title" {
		t.Errorf("ResolveCanonicalOrInput() = %q, want unchanged input", got)
	}
}

func TestEquivalentTitles(t *testing.T) {
	t.Parallel()
	content := `
groups:
  - canonical: "One Piece"
    aliases:
      - title: "Wan Pisu"
      - title: "ワンピース"
`
	path := writeCatalog(t, t.TempDir(), content)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	titles := c.EquivalentTitles("Wan Pisu")
	if len(titles) != 3 {
		t.Fatalf("EquivalentTitles() = %v, want 3 entries", titles)
	}

	if titles := c.EquivalentTitles("Totally Unknown"); titles != nil {
		t.Errorf("EquivalentTitles() = %v, want nil for unmatched title", titles)
	}
}

func TestUpdateCreatesNewGroup(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeCatalog(t, dir, "groups: []\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	res := c.Update(UpdateRequest{
		MainTitle:    "Wan Pisu",
		MainLanguage: "ja",
		Aliases: []Alias{
			{Title: "One Piece", Language: "en"},
		},
	})
	if res.Outcome != Updated {
		t.Fatalf("Update() = %v (%s), want Updated", res.Outcome, res.Diagnostic)
	}

	canon, ok := c.TryResolveCanonicalTitle("Wan Pisu")
	if !ok || canon != "One Piece" {
		t.Errorf("after Update, TryResolveCanonicalTitle(Wan Pisu) = (%q, %v), want (One Piece, true)", canon, ok)
	}
}

func TestUpdateNoChangesWhenAliasAlreadyPresent(t *testing.T) {
	t.Parallel()
	content := `
groups:
  - canonical: "One Piece"
    aliases:
      - title: "Wan Pisu"
`
	dir := t.TempDir()
	path := writeCatalog(t, dir, content)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	res := c.Update(UpdateRequest{MainTitle: "One Piece", Aliases: []Alias{{Title: "Wan Pisu"}}})
	if res.Outcome != NoChanges {
		t.Errorf("Update() = %v, want NoChanges", res.Outcome)
	}
}

func TestUpdateExtendsExistingGroup(t *testing.T) {
	t.Parallel()
	content := `
groups:
  - canonical: "One Piece"
    aliases:
      - title: "Wan Pisu"
`
	dir := t.TempDir()
	path := writeCatalog(t, dir, content)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	res := c.Update(UpdateRequest{MainTitle: "One Piece", Aliases: []Alias{{Title: "Wan Pisu"}, {Title: "OP"}}})
	if res.Outcome != Updated {
		t.Fatalf("Update() = %v (%s), want Updated", res.Outcome, res.Diagnostic)
	}

	canon, ok := c.TryResolveCanonicalTitle("OP")
	if !ok || canon != "One Piece" {
		t.Errorf("TryResolveCanonicalTitle(OP) = (%q, %v), want (One Piece, true)", canon, ok)
	}

	// Reload from disk independently to confirm the write was persisted.
	c2, err := Load(path)
	if err != nil {
		t.Fatalf("reload Load() error: %v", err)
	}
	if _, ok := c2.TryResolveCanonicalTitle("OP"); !ok {
		t.Error("persisted catalog should resolve the newly added alias")
	}
}

func TestUpdateRejectsEmptyMainTitle(t *testing.T) {
	t.Parallel()
	path := writeCatalog(t, t.TempDir(), "groups: []\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	res := c.Update(UpdateRequest{MainTitle: "   "})
	if res.Outcome != Conflict {
		t.Errorf("Update() with empty main title = %v, want Conflict", res.Outcome)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	goodPath := writeCatalog(t, t.TempDir(), "groups:\n  - canonical: \"One Piece\"\n")
	if err := Validate(goodPath); err != nil {
		t.Errorf("Validate() on valid catalog error: %v", err)
	}

	badPath := writeCatalog(t, t.TempDir(), "groups:\n  - canonical: \"\"\n")
	if err := Validate(badPath); err == nil {
		t.Error("Validate() on invalid catalog should error")
	}
}
