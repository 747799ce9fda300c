// Package metadata is the per-title metadata coordinator: search, match,
// and ensure cover.jpg/details.json exist, backed by a per-title cooldown
// so a miss doesn't retry the API on every merge pass (§4.13).
package metadata

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ssmcore/mangamerged/internal/catalog"
	"github.com/ssmcore/mangamerged/internal/comick"
	"github.com/ssmcore/mangamerged/internal/cover"
	"github.com/ssmcore/mangamerged/internal/details"
	"github.com/ssmcore/mangamerged/internal/gateway"
	"github.com/ssmcore/mangamerged/internal/logging"
	"github.com/ssmcore/mangamerged/internal/matcher"
	"github.com/ssmcore/mangamerged/internal/metastate"
	"github.com/ssmcore/mangamerged/internal/pathutil"
)

var log = logging.New("metadata")

const coverFileName = "cover.jpg"
const detailsFileName = "details.json"

// Request describes one title's metadata work.
type Request struct {
	DisplayTitle    string
	PreferredDir    string
	AllOverrideDirs []string
	SourceDirs      []string
}

// Result is the coordinator-level outcome of EnsureMetadata.
type Result struct {
	ApiCalled              bool
	HadServiceInterruption bool
	CoverExists            bool
	DetailsExists          bool
}

// Coordinator wires the gateway, matcher, cover/details services, the
// cooldown store, and an optional mutable equivalence catalog together.
type Coordinator struct {
	gateway        *gateway.Gateway
	catalog        *catalog.Catalog // nil when no mutable catalog is configured
	store          *metastate.Store
	cover          *cover.Service
	coverBaseURI   string
	cooldownWindow time.Duration
}

// New builds a Coordinator. cat may be nil.
func New(gw *gateway.Gateway, cat *catalog.Catalog, store *metastate.Store, coverSvc *cover.Service, coverBaseURI string, cooldownWindow time.Duration) *Coordinator {
	return &Coordinator{
		gateway:        gw,
		catalog:        cat,
		store:          store,
		cover:          coverSvc,
		coverBaseURI:   coverBaseURI,
		cooldownWindow: cooldownWindow,
	}
}

// detailerAdapter satisfies matcher.Detailer using the gateway.
type detailerAdapter struct{ gw *gateway.Gateway }

func (d detailerAdapter) Detail(ctx context.Context, slug string) comick.Result {
	return d.gw.Detail(ctx, slug)
}

// EnsureMetadata implements the §4.13 decision chain.
func (c *Coordinator) EnsureMetadata(ctx context.Context, req Request) Result {
	titleKey := pathutil.TokenKey(req.DisplayTitle)

	if existsInAny(req.AllOverrideDirs, coverFileName) && existsInAny(req.AllOverrideDirs, detailsFileName) {
		return Result{CoverExists: true, DetailsExists: true}
	}

	if c.cooldownActive(titleKey) {
		log.Debugf("metadata.cooldown.skipped title=%q", req.DisplayTitle)
		return c.bestEffortWithoutAPI(req)
	}

	searchResult := c.gateway.Search(ctx, req.DisplayTitle)
	var candidates []comick.SearchCandidate
	interrupted := isServiceInterruption(searchResult.Outcome)
	if !interrupted {
		var err error
		candidates, err = comick.DecodeSearchCandidates(searchResult.Body)
		if err != nil {
			interrupted = true
		}
	}
	if interrupted {
		c.persistCooldown(ctx, titleKey)
		result := c.bestEffortWithoutAPI(req)
		result.ApiCalled = true
		result.HadServiceInterruption = true
		return result
	}

	expected := c.expectedTitles(req.DisplayTitle)
	matchResult := matcher.Match(ctx, detailerAdapter{c.gateway}, candidates, expected)

	c.persistCooldown(ctx, titleKey)

	result := Result{ApiCalled: true, HadServiceInterruption: matchResult.ServiceInterrupted}
	if !matchResult.Matched {
		fallback := c.bestEffortWithoutAPI(req)
		result.CoverExists = fallback.CoverExists
		result.DetailsExists = fallback.DetailsExists
		return result
	}

	coverResult := c.ensureCover(ctx, req, matchResult.Candidate)
	result.CoverExists = coverResult.Outcome != cover.DownloadFailed && coverResult.Outcome != cover.UnsupportedImage && coverResult.Outcome != cover.WriteFailed

	detailsResult := details.EnsureDetailsJson(details.Request{
		PreferredDir:    req.PreferredDir,
		AllOverrideDirs: req.AllOverrideDirs,
		SourceDirs:      req.SourceDirs,
		DisplayTitle:    req.DisplayTitle,
		Matched:         matchResult.Candidate,
	})
	result.DetailsExists = detailsResult.Outcome != details.SkippedParseFailure && detailsResult.Outcome != details.SkippedNoComicInfo

	if c.catalog != nil {
		c.updateCatalog(req.DisplayTitle, matchResult.Candidate)
	}

	return result
}

func (c *Coordinator) bestEffortWithoutAPI(req Request) Result {
	result := Result{}
	result.CoverExists = existsInAny(req.AllOverrideDirs, coverFileName)

	detailsResult := details.EnsureDetailsJson(details.Request{
		PreferredDir:    req.PreferredDir,
		AllOverrideDirs: req.AllOverrideDirs,
		SourceDirs:      req.SourceDirs,
		DisplayTitle:    req.DisplayTitle,
	})
	result.DetailsExists = detailsResult.Outcome != details.SkippedParseFailure && detailsResult.Outcome != details.SkippedNoComicInfo
	return result
}

func (c *Coordinator) ensureCover(ctx context.Context, req Request, matched *comick.ComicDetail) cover.Result {
	var b2Key string
	for _, cv := range matched.Covers {
		if cv.B2Key != "" {
			b2Key = cv.B2Key
			break
		}
	}
	if b2Key == "" {
		return cover.Result{Outcome: cover.DownloadFailed, Diagnostic: "no cover reference in matched payload"}
	}
	return c.cover.EnsureCoverJpg(ctx, cover.Request{
		PreferredDir:    req.PreferredDir,
		AllOverrideDirs: req.AllOverrideDirs,
		CoverURI:        b2Key,
		CoverBaseURI:    c.coverBaseURI,
	})
}

func (c *Coordinator) updateCatalog(displayTitle string, matched *comick.ComicDetail) {
	req := catalog.UpdateRequest{MainTitle: matched.Title, MainLanguage: matched.Language}
	for _, a := range matched.Aliases {
		req.Aliases = append(req.Aliases, catalog.Alias{Title: a.Title, Language: a.Language})
	}
	result := c.catalog.Update(req)
	switch result.Outcome {
	case catalog.Updated, catalog.NoChanges:
	default:
		log.Warnf("metadata.catalog.update_failed", "title=%q outcome=%s diagnostic=%s", displayTitle, result.Outcome, result.Diagnostic)
	}
}

// expectedTitles builds the deduped {displayTitle, resolved canonical,
// equivalent titles} set the matcher compares candidates against.
func (c *Coordinator) expectedTitles(displayTitle string) []string {
	seen := map[string]bool{}
	var titles []string
	add := func(t string) {
		key := pathutil.TokenKey(t)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		titles = append(titles, t)
	}

	add(displayTitle)
	if c.catalog != nil {
		add(c.catalog.ResolveCanonicalOrInput(displayTitle))
		for _, t := range c.catalog.EquivalentTitles(displayTitle) {
			add(t)
		}
	}
	return titles
}

func (c *Coordinator) cooldownActive(titleKey string) bool {
	snap := c.store.Read()
	until, ok := snap.TitleCooldownsUtc[titleKey]
	return ok && time.Now().UTC().Before(until)
}

// persistCooldown records the cooldown expiry unless ctx carries a
// cooperative cancellation, in which case the caller is shutting down and
// the cooldown write is skipped so cancellation propagates cleanly.
func (c *Coordinator) persistCooldown(ctx context.Context, titleKey string) {
	if ctx.Err() != nil {
		return
	}
	until := time.Now().UTC().Add(c.cooldownWindow)
	err := c.store.Transform(func(s metastate.Snapshot) metastate.Snapshot {
		if s.TitleCooldownsUtc == nil {
			s.TitleCooldownsUtc = map[string]time.Time{}
		}
		s.TitleCooldownsUtc[titleKey] = until
		return s
	})
	if err != nil {
		log.Warnf("metadata.cooldown.persist_failed", "title=%q: %v", titleKey, err)
	}
}

func isServiceInterruption(outcome comick.Outcome) bool {
	switch outcome {
	case comick.TransportFailure, comick.Cancelled, comick.CloudflareBlocked, comick.HttpFailure, comick.MalformedPayload:
		return true
	default:
		return false
	}
}

func existsInAny(dirs []string, filename string) bool {
	for _, dir := range dirs {
		if _, err := os.Stat(filepath.Join(dir, filename)); err == nil {
			return true
		}
	}
	return false
}
