// Package catalog implements the equivalence catalog: an alias↔canonical
// title resolver backed by manga_equivalents.yml, with lock-free reads via
// an atomic snapshot pointer and update-then-reload-then-swap writes (spec
// §4.14, Design Note "Atomic snapshot replacement").
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ssmcore/mangamerged/internal/pathutil"
)

// Alias is one alternate title mapped to a canonical group.
type Alias struct {
	Title    string `yaml:"title"`
	Language string `yaml:"language,omitempty"`
}

// Group is one canonical title plus its known aliases.
type Group struct {
	Canonical string  `yaml:"canonical"`
	Language  string  `yaml:"language,omitempty"`
	Aliases   []Alias `yaml:"aliases,omitempty"`
}

type document struct {
	Groups []Group `yaml:"groups"`
}

// snapshot is the immutable, resolver-ready view swapped in after a
// validated reload. Readers only ever touch an already-built snapshot.
type snapshot struct {
	aliasToCanonical map[string]string
	groups           []Group
}

// Outcome is the tagged result of Update (spec §4.14; Design Note "sum
// types over class hierarchies").
type Outcome int

const (
	Updated Outcome = iota
	NoChanges
	ReloadFailed
	UpdateFailed
	ValidationFailed
	WriteFailed
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Updated:
		return "Updated"
	case NoChanges:
		return "NoChanges"
	case ReloadFailed:
		return "ReloadFailed"
	case UpdateFailed:
		return "UpdateFailed"
	case ValidationFailed:
		return "ValidationFailed"
	case WriteFailed:
		return "WriteFailed"
	case Conflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// UpdateResult is the outcome plus an optional human-readable diagnostic.
type UpdateResult struct {
	Outcome    Outcome
	Diagnostic string
}

// UpdateRequest asks the catalog to record a matched title's main title and
// its known aliases, creating a new canonical group or extending an
// existing one.
type UpdateRequest struct {
	MainTitle    string
	MainLanguage string
	Aliases      []Alias
}

// Catalog is the mutable-by-serialized-writes, lock-free-by-reads
// equivalence resolver.
type Catalog struct {
	path string

	mu            sync.Mutex // serializes Update calls only
	pendingReload bool

	current atomic.Pointer[snapshot]
}

// Load reads path, validates it, and returns a ready Catalog. A missing
// file is treated as an empty, valid catalog.
func Load(path string) (*Catalog, error) {
	doc, err := loadDocument(path)
	if err != nil {
		return nil, err
	}
	snap, err := buildSnapshot(doc)
	if err != nil {
		return nil, fmt.Errorf("catalog validation failed: %w", err)
	}
	c := &Catalog{path: path}
	c.current.Store(snap)
	return c, nil
}

// Validate loads and validates path without constructing a Catalog — used
// by the `catalog validate` CLI subcommand.
func Validate(path string) error {
	doc, err := loadDocument(path)
	if err != nil {
		return err
	}
	_, err = buildSnapshot(doc)
	return err
}

func loadDocument(path string) (*document, error) {
	doc := &document{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("failed to read equivalence catalog: %w", err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse equivalence catalog: %w", err)
	}
	return doc, nil
}

func buildSnapshot(doc *document) (*snapshot, error) {
	snap := &snapshot{aliasToCanonical: make(map[string]string)}
	for _, g := range doc.Groups {
		canonical := strings.TrimSpace(g.Canonical)
		if canonical == "" {
			return nil, fmt.Errorf("equivalence group has empty canonical title")
		}
		snap.groups = append(snap.groups, g)
		snap.aliasToCanonical[pathutil.TokenKey(canonical)] = canonical
		for _, a := range g.Aliases {
			key := pathutil.TokenKey(a.Title)
			if key == "" {
				continue
			}
			snap.aliasToCanonical[key] = canonical
		}
	}
	return snap, nil
}

func persistDocument(path string, doc *document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal equivalence catalog: %w", err)
	}
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, ".manga_equivalents."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write equivalence catalog temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace equivalence catalog: %w", err)
	}
	return nil
}

// TryResolveCanonicalTitle looks up raw's normalized key in the current
// snapshot. Lock-free: it only ever reads an atomically-loaded pointer.
func (c *Catalog) TryResolveCanonicalTitle(raw string) (string, bool) {
	snap := c.current.Load()
	if snap == nil {
		return "", false
	}
	canonical, ok := snap.aliasToCanonical[pathutil.TokenKey(raw)]
	return canonical, ok
}

// EquivalentTitles returns the canonical title plus every known alias of
// raw's group, or nil if raw matches no group. Used to build the expected
// title set for candidate matching (spec §4.13 step 4).
func (c *Catalog) EquivalentTitles(raw string) []string {
	snap := c.current.Load()
	if snap == nil {
		return nil
	}
	canonical, ok := snap.aliasToCanonical[pathutil.TokenKey(raw)]
	if !ok {
		return nil
	}
	for _, g := range snap.groups {
		if pathutil.TokenKey(g.Canonical) != pathutil.TokenKey(canonical) {
			continue
		}
		titles := make([]string, 0, len(g.Aliases)+1)
		titles = append(titles, g.Canonical)
		for _, a := range g.Aliases {
			titles = append(titles, a.Title)
		}
		return titles
	}
	return nil
}

// ResolveCanonicalOrInput resolves raw to its canonical title, or returns
// raw unchanged if no alias entry matches.
func (c *Catalog) ResolveCanonicalOrInput(raw string) string {
	if canonical, ok := c.TryResolveCanonicalTitle(raw); ok {
		return canonical
	}
	return raw
}

// reloadAndSwap re-reads the persisted file, re-validates it, and swaps the
// snapshot pointer. Must be called with mu held.
func (c *Catalog) reloadAndSwap() error {
	doc, err := loadDocument(c.path)
	if err != nil {
		return err
	}
	snap, err := buildSnapshot(doc)
	if err != nil {
		return err
	}
	c.current.Store(snap)
	return nil
}

// Update idempotently inserts req's aliases into an existing canonical
// group, or creates a new one, per §4.14.
func (c *Catalog) Update(req UpdateRequest) UpdateResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	mainTitle := strings.TrimSpace(req.MainTitle)
	if mainTitle == "" {
		return UpdateResult{Outcome: Conflict, Diagnostic: "main title is empty"}
	}

	doc, err := loadDocument(c.path)
	if err != nil {
		return UpdateResult{Outcome: UpdateFailed, Diagnostic: err.Error()}
	}

	changed := applyUpdate(doc, req)
	if !changed {
		if c.pendingReload {
			if err := c.reloadAndSwap(); err != nil {
				return UpdateResult{Outcome: ReloadFailed, Diagnostic: err.Error()}
			}
			c.pendingReload = false
			return UpdateResult{Outcome: Updated}
		}
		return UpdateResult{Outcome: NoChanges}
	}

	if _, err := buildSnapshot(doc); err != nil {
		return UpdateResult{Outcome: ValidationFailed, Diagnostic: err.Error()}
	}

	if err := persistDocument(c.path, doc); err != nil {
		return UpdateResult{Outcome: WriteFailed, Diagnostic: err.Error()}
	}

	if err := c.reloadAndSwap(); err != nil {
		c.pendingReload = true
		return UpdateResult{Outcome: ReloadFailed, Diagnostic: err.Error()}
	}
	c.pendingReload = false
	return UpdateResult{Outcome: Updated}
}

// applyUpdate mutates doc in place, returning whether anything changed.
func applyUpdate(doc *document, req UpdateRequest) bool {
	candidates := allTitles(req)

	for i := range doc.Groups {
		g := &doc.Groups[i]
		if !groupMatches(g, candidates) {
			continue
		}
		changed := false
		existing := make(map[string]bool, len(g.Aliases)+1)
		existing[pathutil.TokenKey(g.Canonical)] = true
		for _, a := range g.Aliases {
			existing[pathutil.TokenKey(a.Title)] = true
		}
		for _, cand := range candidates {
			key := pathutil.TokenKey(cand.Title)
			if key == "" || existing[key] {
				continue
			}
			g.Aliases = append(g.Aliases, cand)
			existing[key] = true
			changed = true
		}
		return changed
	}

	// No existing group matched any candidate title: create one.
	canonical := selectCanonical(req)
	newGroup := Group{Canonical: canonical, Language: preferredLanguage(req)}
	existing := map[string]bool{pathutil.TokenKey(canonical): true}
	for _, cand := range candidates {
		key := pathutil.TokenKey(cand.Title)
		if key == "" || existing[key] {
			continue
		}
		newGroup.Aliases = append(newGroup.Aliases, cand)
		existing[key] = true
	}
	doc.Groups = append(doc.Groups, newGroup)
	return true
}

func allTitles(req UpdateRequest) []Alias {
	titles := make([]Alias, 0, len(req.Aliases)+1)
	titles = append(titles, Alias{Title: req.MainTitle, Language: req.MainLanguage})
	titles = append(titles, req.Aliases...)
	return titles
}

func groupMatches(g *Group, candidates []Alias) bool {
	keys := map[string]bool{pathutil.TokenKey(g.Canonical): true}
	for _, a := range g.Aliases {
		keys[pathutil.TokenKey(a.Title)] = true
	}
	for _, cand := range candidates {
		if keys[pathutil.TokenKey(cand.Title)] {
			return true
		}
	}
	return false
}

// selectCanonical picks the string that becomes the canonical title for a
// newly created group: an alias exactly tagged "en", then an alias whose
// language has "en" as a 2-char prefix, then the main title (spec §4.14
// step 1: "preferred-language (exact, then 2-char prefix), then English,
// then main title").
func selectCanonical(req UpdateRequest) string {
	const preferred = "en"
	for _, a := range req.Aliases {
		if strings.EqualFold(a.Language, preferred) {
			return a.Title
		}
	}
	for _, a := range req.Aliases {
		if len(a.Language) >= 2 && strings.EqualFold(a.Language[:2], preferred) {
			return a.Title
		}
	}
	return req.MainTitle
}

func preferredLanguage(req UpdateRequest) string {
	if req.MainLanguage != "" {
		return req.MainLanguage
	}
	return ""
}
