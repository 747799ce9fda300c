// Package matcher ranks Comick search candidates against a set of expected
// titles and walks them in ranked order, probing comic details until a
// match is confirmed or the candidates are exhausted (§4.9).
package matcher

import (
	"context"
	"sort"

	"github.com/ssmcore/mangamerged/internal/comick"
	"github.com/ssmcore/mangamerged/internal/logging"
	"github.com/ssmcore/mangamerged/internal/pathutil"
)

var log = logging.New("metadata")

// Detailer fetches the full comic-detail payload for one search-result
// slug. Satisfied by *gateway.Gateway.
type Detailer interface {
	Detail(ctx context.Context, slug string) comick.Result
}

// Result is the candidate-match outcome (§3 "Candidate match result").
type Result struct {
	Matched            bool
	Candidate          *comick.ComicDetail
	Index              int
	Score              int
	HadTopTie          bool
	ServiceInterrupted bool
}

const noIndex = -1

type rankedCandidate struct {
	index      int
	candidate  comick.SearchCandidate
	similarity float64
}

// Match ranks candidates against expectedTitles and probes details in
// ranked order until a match is confirmed.
func Match(ctx context.Context, detailer Detailer, candidates []comick.SearchCandidate, expectedTitles []string) Result {
	expectedKeys := normalizeDedup(expectedTitles)
	if len(expectedKeys) == 0 {
		return Result{Index: noIndex}
	}

	ranked := rankCandidates(candidates, expectedKeys)

	interrupted := false
	for _, rc := range ranked {
		if rc.candidate.Slug == "" {
			continue
		}

		detailResult := detailer.Detail(ctx, rc.candidate.Slug)
		switch detailResult.Outcome {
		case comick.Cancelled:
			if ctx.Err() != nil {
				return Result{Index: noIndex, ServiceInterrupted: interrupted}
			}
			interrupted = true
			continue
		case comick.CloudflareBlocked, comick.TransportFailure, comick.HttpFailure, comick.MalformedPayload:
			interrupted = true
			continue
		case comick.NotFound:
			continue
		case comick.Success:
			detail, err := comick.DecodeComicDetail(detailResult.Body)
			if err != nil {
				interrupted = true
				continue
			}
			score := countMatchingKeys(detail, expectedKeys)
			if score == 0 {
				continue
			}
			tiedCount := 0
			if rc.similarity > 0 {
				tiedCount = countTiedAt(ranked, rc.similarity)
			}
			hadTopTie := tiedCount >= 2
			if hadTopTie {
				log.Warnf("metadata.candidate.ambiguity", "slug=%q tied_candidate_count=%d tied_similarity=%.4f", rc.candidate.Slug, tiedCount, rc.similarity)
			}
			return Result{
				Matched:            true,
				Candidate:          detail,
				Index:              rc.index,
				Score:              score,
				HadTopTie:          hadTopTie,
				ServiceInterrupted: interrupted,
			}
		default:
			continue
		}
	}

	return Result{Index: noIndex, ServiceInterrupted: interrupted}
}

func rankCandidates(candidates []comick.SearchCandidate, expectedKeys map[string]bool) []rankedCandidate {
	ranked := make([]rankedCandidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = rankedCandidate{index: i, candidate: c, similarity: bestSimilarity(candidateTitles(c), expectedKeys)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].similarity > ranked[j].similarity
	})
	return ranked
}

func candidateTitles(c comick.SearchCandidate) []string {
	titles := make([]string, 0, len(c.Aliases)+1)
	if c.Title != "" {
		titles = append(titles, c.Title)
	}
	for _, a := range c.Aliases {
		if a.Title != "" {
			titles = append(titles, a.Title)
		}
	}
	return titles
}

func bestSimilarity(titles []string, expectedKeys map[string]bool) float64 {
	best := 0.0
	for _, title := range titles {
		key := pathutil.TokenKey(title)
		for expected := range expectedKeys {
			if s := similarity(key, expected); s > best {
				best = s
			}
		}
	}
	return best
}

func countTiedAt(ranked []rankedCandidate, target float64) int {
	count := 0
	for _, rc := range ranked {
		if rc.similarity == target {
			count++
		}
	}
	return count
}

func countMatchingKeys(detail *comick.ComicDetail, expectedKeys map[string]bool) int {
	seen := make(map[string]bool)
	titles := []string{detail.Title}
	for _, a := range detail.Aliases {
		titles = append(titles, a.Title)
	}
	for _, title := range titles {
		if title == "" {
			continue
		}
		key := pathutil.TokenKey(title)
		if expectedKeys[key] && !seen[key] {
			seen[key] = true
		}
	}
	return len(seen)
}

func normalizeDedup(titles []string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range titles {
		key := pathutil.TokenKey(t)
		if key != "" {
			out[key] = true
		}
	}
	return out
}
