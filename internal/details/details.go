// Package details implements the override details service: ensure a
// details.json exists in a title's preferred override directory, built
// from a matched Comick payload or discovered ComicInfo.xml sidecars
// (§4.11).
package details

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/ssmcore/mangamerged/internal/comicinfo"
	"github.com/ssmcore/mangamerged/internal/comick"
	"github.com/ssmcore/mangamerged/internal/logging"
)

var log = logging.New("details")

const detailsFileName = "details.json"

// Outcome classifies the result of EnsureDetailsJson.
type Outcome int

const (
	AlreadyExists Outcome = iota
	CopiedFromSource
	GeneratedFromComick
	GeneratedFromComicInfo
	SkippedParseFailure
	SkippedNoComicInfo
)

func (o Outcome) String() string {
	switch o {
	case AlreadyExists:
		return "AlreadyExists"
	case CopiedFromSource:
		return "CopiedFromSource"
	case GeneratedFromComick:
		return "GeneratedFromComick"
	case GeneratedFromComicInfo:
		return "GeneratedFromComicInfo"
	case SkippedParseFailure:
		return "SkippedParseFailure"
	case SkippedNoComicInfo:
		return "SkippedNoComicInfo"
	default:
		return "Unknown"
	}
}

// Result is the outcome of an EnsureDetailsJson call.
type Result struct {
	Outcome          Outcome
	Path             string
	ComicInfoXmlPath string
	Diagnostic       string
}

// Document is the on-disk details.json shape.
type Document struct {
	Title            string   `json:"title"`
	Author           string   `json:"author,omitempty"`
	Artist           string   `json:"artist,omitempty"`
	Description      string   `json:"description,omitempty"`
	Genres           []string `json:"genres,omitempty"`
	Status           string   `json:"status"`
	ComicInfoXmlPath string   `json:"comicInfoXmlPath,omitempty"`
}

// Request describes one EnsureDetailsJson call.
type Request struct {
	PreferredDir    string
	AllOverrideDirs []string
	SourceDirs      []string // ordered; each may contain details.json or be a ComicInfo.xml discovery root
	DisplayTitle    string
	Matched         *comick.ComicDetail
}

// EnsureDetailsJson implements the §4.11 decision chain.
func EnsureDetailsJson(req Request) Result {
	for _, dir := range req.AllOverrideDirs {
		if _, err := os.Stat(filepath.Join(dir, detailsFileName)); err == nil {
			return Result{Outcome: AlreadyExists, Path: filepath.Join(dir, detailsFileName)}
		}
	}

	if err := os.MkdirAll(req.PreferredDir, 0755); err != nil {
		return Result{Outcome: SkippedParseFailure, Diagnostic: err.Error()}
	}
	destPath := filepath.Join(req.PreferredDir, detailsFileName)

	for _, src := range req.SourceDirs {
		srcPath := filepath.Join(src, detailsFileName)
		data, err := os.ReadFile(srcPath)
		if err != nil {
			continue
		}
		if err := writeNonOverwriting(destPath, data); err != nil {
			if os.IsExist(err) {
				return Result{Outcome: AlreadyExists, Path: destPath}
			}
			return Result{Outcome: SkippedParseFailure, Diagnostic: err.Error()}
		}
		return Result{Outcome: CopiedFromSource, Path: destPath}
	}

	fallback := newLazyComicInfoFallback(req.SourceDirs)

	if req.Matched != nil {
		doc := buildComickDocument(req.DisplayTitle, req.Matched, fallback)
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return Result{Outcome: SkippedParseFailure, Diagnostic: err.Error()}
		}
		if err := writeNonOverwriting(destPath, data); err != nil {
			if os.IsExist(err) {
				return Result{Outcome: AlreadyExists, Path: destPath}
			}
			return Result{Outcome: SkippedParseFailure, Diagnostic: err.Error()}
		}
		result := Result{Outcome: GeneratedFromComick, Path: destPath}
		if doc.ComicInfoXmlPath != "" {
			result.ComicInfoXmlPath = doc.ComicInfoXmlPath
		}
		return result
	}

	candidates := discoverComicInfoCandidates(req.SourceDirs)
	attempted := false
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		attempted = true
		parsed, ok := comicinfo.Parse(data)
		if !ok {
			continue
		}
		doc := documentFromComicInfo(req.DisplayTitle, parsed, candidate)
		encoded, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			continue
		}
		if err := writeNonOverwriting(destPath, encoded); err != nil {
			if os.IsExist(err) {
				return Result{Outcome: AlreadyExists, Path: destPath}
			}
			return Result{Outcome: SkippedParseFailure, Diagnostic: err.Error()}
		}
		return Result{Outcome: GeneratedFromComicInfo, Path: destPath, ComicInfoXmlPath: candidate}
	}

	if attempted {
		log.Warnf("metadata.details.comicinfo.parse_failed", "dir=%q candidates=%d", req.PreferredDir, len(candidates))
		return Result{Outcome: SkippedParseFailure}
	}
	if len(candidates) == 0 {
		return Result{Outcome: SkippedNoComicInfo}
	}
	return Result{Outcome: SkippedParseFailure}
}

// lazyComicInfoFallback resolves, at most once, a ComicInfo.xml document to
// use for per-field fallback when the Comick payload is missing a field
// (§4.11.1).
type lazyComicInfoFallback struct {
	sourceDirs []string
	resolved   bool
	doc        comicinfo.Document
	ok         bool
	path       string
}

func newLazyComicInfoFallback(sourceDirs []string) *lazyComicInfoFallback {
	return &lazyComicInfoFallback{sourceDirs: sourceDirs}
}

func (f *lazyComicInfoFallback) resolve() (comicinfo.Document, bool, string) {
	if f.resolved {
		return f.doc, f.ok, f.path
	}
	f.resolved = true
	for _, candidate := range discoverComicInfoCandidates(f.sourceDirs) {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		if doc, ok := comicinfo.Parse(data); ok {
			f.doc, f.ok, f.path = doc, true, candidate
			return f.doc, f.ok, f.path
		}
	}
	return comicinfo.Document{}, false, ""
}

func buildComickDocument(displayTitle string, m *comick.ComicDetail, fallback *lazyComicInfoFallback) Document {
	doc := Document{Title: displayTitle}
	usedFallback := false

	if authors := distinctNames(m.Authors); authors != "" {
		doc.Author = authors
	} else if ci, ok, _ := fallback.resolve(); ok && ci.Writer != "" {
		doc.Author = ci.Writer
		usedFallback = true
	}

	if artists := distinctNames(m.Artists); artists != "" {
		doc.Artist = artists
	} else if ci, ok, _ := fallback.resolve(); ok && ci.Penciller != "" {
		doc.Artist = ci.Penciller
		usedFallback = true
	}

	description := comickDescription(m)
	if description != "" {
		doc.Description = description
	} else if ci, ok, _ := fallback.resolve(); ok && ci.Summary != "" {
		doc.Description = ci.Summary
		usedFallback = true
	}
	doc.Description = appendTitlesBlock(doc.Description, m)

	doc.Genres = comickGenres(m)

	if status, ok := mapComickStatus(m.Status); ok {
		doc.Status = status
	} else if ci, ok, _ := fallback.resolve(); ok {
		doc.Status = mapComicInfoStatus(ci.Status)
		usedFallback = true
	} else {
		doc.Status = "0"
	}

	if usedFallback {
		if _, ok, path := fallback.resolve(); ok {
			doc.ComicInfoXmlPath = path
		}
	}
	return doc
}

func distinctNames(people []comick.Person) string {
	seen := make(map[string]bool)
	var names []string
	for _, p := range people {
		name := strings.TrimSpace(p.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

func comickDescription(m *comick.ComicDetail) string {
	if m.Description != "" {
		return m.Description
	}
	if m.DescriptionHTML != "" {
		return normalizeDescriptionHTML(m.DescriptionHTML)
	}
	return ""
}

// normalizeDescriptionHTML tokenizes raw HTML and rebuilds a plain-text
// description: <br>/</p> become line breaks, every other tag is dropped, and
// entities come back already decoded by the tokenizer.
func normalizeDescriptionHTML(raw string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(collapseBlankLines(b.String()))
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "br":
				b.WriteRune('\n')
			case "p", "li":
				b.WriteRune('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "p" {
				b.WriteRune('\n')
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var kept []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}

func comickGenres(m *comick.ComicDetail) []string {
	seen := make(map[string]bool)
	var genres []string
	for _, g := range m.Genres {
		name := strings.TrimSpace(g.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		genres = append(genres, name)
	}
	for _, vote := range m.MUCategories {
		if vote.PositiveVote == nil || vote.NegativeVote == nil {
			continue
		}
		if *vote.PositiveVote <= *vote.NegativeVote {
			continue
		}
		name := strings.TrimSpace(vote.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		genres = append(genres, name)
	}
	return genres
}

func mapComickStatus(status int) (string, bool) {
	switch status {
	case comick.StatusOngoing, comick.StatusCompleted, comick.StatusLicensed:
		return strconv.Itoa(status), true
	default:
		return "", false
	}
}

func mapComicInfoStatus(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(lower, "ongoing"), strings.Contains(lower, "publishing"), strings.Contains(lower, "serialization"):
		return "1"
	case strings.Contains(lower, "completed"), strings.Contains(lower, "complete"), strings.Contains(lower, "finished"), strings.Contains(lower, "ended"):
		return "2"
	case strings.Contains(lower, "licensed"):
		return "3"
	default:
		return "0"
	}
}

// appendTitlesBlock appends a "Titles:" block listing every [languageCode]
// title pair from the main title and its aliases, deduplicated by full
// line (§4.11.1).
func appendTitlesBlock(description string, m *comick.ComicDetail) string {
	var lines []string
	seen := make(map[string]bool)

	addLine := func(lang, title string) {
		title = strings.TrimSpace(title)
		if title == "" {
			return
		}
		if lang == "" {
			lang = "unknown"
		}
		line := "[" + lang + "] " + title
		if seen[line] {
			return
		}
		seen[line] = true
		lines = append(lines, line)
	}

	addLine(m.Language, m.Title)
	for _, alias := range m.Aliases {
		addLine(alias.Language, alias.Title)
	}

	if len(lines) == 0 {
		return description
	}
	var b strings.Builder
	if description != "" {
		b.WriteString(description)
		b.WriteString("\n\n")
	}
	b.WriteString("Titles:\n")
	for _, line := range lines {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func documentFromComicInfo(displayTitle string, ci comicinfo.Document, path string) Document {
	doc := Document{
		Title:            displayTitle,
		Author:           ci.Writer,
		Artist:           ci.Penciller,
		Description:      ci.Summary,
		Status:           mapComicInfoStatus(ci.Status),
		ComicInfoXmlPath: path,
	}
	if ci.Genre != "" {
		for _, g := range strings.Split(ci.Genre, ",") {
			g = strings.TrimSpace(g)
			if g != "" {
				doc.Genres = append(doc.Genres, g)
			}
		}
	}
	return doc
}

const comicInfoFileName = "ComicInfo.xml"
const fastPathDepth = 2
const slowPathMaxDepth = 6
const slowPathMaxPerSource = 30

// discoverComicInfoCandidates implements the §4.11 two-phase discovery:
// one lexicographically-smallest candidate per source at the fast-path
// depth, then a deeper, capped, deduplicated slow-path sweep.
func discoverComicInfoCandidates(sourceDirs []string) []string {
	var ordered []string
	attempted := make(map[string]bool)

	for _, src := range sourceDirs {
		if candidate, ok := fastPathCandidate(src); ok {
			ordered = append(ordered, candidate)
			attempted[candidate] = true
		}
	}
	for _, src := range sourceDirs {
		for _, candidate := range slowPathCandidates(src) {
			if attempted[candidate] {
				continue
			}
			attempted[candidate] = true
			ordered = append(ordered, candidate)
		}
	}
	return ordered
}

func fastPathCandidate(root string) (string, bool) {
	matches := candidatesAtDepth(root, fastPathDepth, 0)
	if len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[0], true
}

func slowPathCandidates(root string) []string {
	var matches []string
	for depth := 0; depth <= slowPathMaxDepth; depth++ {
		matches = append(matches, candidatesAtDepth(root, depth, slowPathMaxPerSource-len(matches))...)
		if len(matches) >= slowPathMaxPerSource {
			break
		}
	}
	sort.Strings(matches)
	if len(matches) > slowPathMaxPerSource {
		matches = matches[:slowPathMaxPerSource]
	}
	return matches
}

// candidatesAtDepth finds ComicInfo.xml files exactly depth directories
// below root, capped at limit matches (limit<=0 means unlimited).
func candidatesAtDepth(root string, depth, limit int) []string {
	if depth < 0 {
		return nil
	}
	dirs := []string{root}
	for d := 0; d < depth; d++ {
		var next []string
		for _, dir := range dirs {
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					next = append(next, filepath.Join(dir, e.Name()))
				}
			}
		}
		dirs = next
	}

	var matches []string
	for _, dir := range dirs {
		path := filepath.Join(dir, comicInfoFileName)
		if _, err := os.Stat(path); err == nil {
			matches = append(matches, path)
			if limit > 0 && len(matches) >= limit {
				break
			}
		}
	}
	return matches
}

func writeNonOverwriting(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, detailsFileName+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	defer os.Remove(tmp)
	return os.Link(tmp, path)
}

