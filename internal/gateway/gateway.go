// Package gateway implements the Cloudflare-aware routing decision in
// front of the Comick API: direct by default, sticky-FlareSolverr after a
// block, anchored on block-detection time and persisted across restarts
// (§4.8).
package gateway

import (
	"context"
	"time"

	"github.com/ssmcore/mangamerged/internal/comick"
	"github.com/ssmcore/mangamerged/internal/flaresolverr"
	"github.com/ssmcore/mangamerged/internal/logging"
	"github.com/ssmcore/mangamerged/internal/metastate"
)

var log = logging.New("cloudflare")

// Gateway routes Search/Detail calls to the direct Comick client or, while
// sticky fallback is active, through FlareSolverr.
type Gateway struct {
	direct              *comick.Client
	fallback            *flaresolverr.Client
	store               *metastate.Store
	directRetryInterval time.Duration

	now func() time.Time
}

// New builds a Gateway. fallback may be nil when no FlareSolverr instance
// is configured.
func New(direct *comick.Client, fallback *flaresolverr.Client, store *metastate.Store, directRetryInterval time.Duration) *Gateway {
	return &Gateway{
		direct:              direct,
		fallback:            fallback,
		store:               store,
		directRetryInterval: directRetryInterval,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// Search routes the search call.
func (g *Gateway) Search(ctx context.Context, query string) comick.Result {
	return g.route(ctx, g.direct.SearchURL(query))
}

// Detail routes the comic-detail call.
func (g *Gateway) Detail(ctx context.Context, slug string) comick.Result {
	return g.route(ctx, g.direct.DetailURL(slug))
}

func (g *Gateway) route(ctx context.Context, target string) comick.Result {
	snap := g.store.Read()
	now := g.now()

	if snap.StickyFlaresolverrUntilUtc != nil && now.Before(*snap.StickyFlaresolverrUntilUtc) {
		log.Debugf("metadata.cloudflare.fallback.sticky_route target=%q", target)
		return g.callFallback(ctx, target)
	}

	result := g.direct.Fetch(ctx, target)
	postDirect := g.now()

	if result.Outcome == comick.CloudflareBlocked {
		if g.fallback == nil {
			log.Warnf("metadata.cloudflare.fallback.unavailable", "target=%q", target)
			return result
		}
		blockDetectedAt := postDirect
		fallbackResult := g.callFallback(ctx, target)
		if fallbackResult.Outcome == comick.Success {
			until := blockDetectedAt.Add(g.directRetryInterval)
			if err := g.store.Transform(func(s metastate.Snapshot) metastate.Snapshot {
				s.StickyFlaresolverrUntilUtc = &until
				return s
			}); err != nil {
				log.Warnf("metadata.cloudflare.fallback.activated", "persist failed: %v", err)
			} else {
				log.Warnf("metadata.cloudflare.fallback.activated", "until=%s", until.Format(time.RFC3339))
			}
		}
		return fallbackResult
	}

	g.clearStaleSticky(postDirect)
	return result
}

// clearStaleSticky implements the race-tolerant clear transition: a sticky
// timestamp set by a concurrent caller that has already expired relative
// to this call's completion is cleared, since this call's own non-blocked
// direct outcome is fresh evidence the direct path is viable again.
func (g *Gateway) clearStaleSticky(postDirect time.Time) {
	peek := g.store.Read()
	if peek.StickyFlaresolverrUntilUtc == nil || peek.StickyFlaresolverrUntilUtc.After(postDirect) {
		return
	}
	err := g.store.Transform(func(s metastate.Snapshot) metastate.Snapshot {
		if s.StickyFlaresolverrUntilUtc != nil && !s.StickyFlaresolverrUntilUtc.After(postDirect) {
			s.StickyFlaresolverrUntilUtc = nil
		}
		return s
	})
	if err != nil {
		log.Warnf("metadata.cloudflare.fallback.sticky_cleared", "persist failed: %v", err)
		return
	}
	log.Debugf("metadata.cloudflare.fallback.sticky_cleared until=%s", postDirect.Format(time.RFC3339))
}

func (g *Gateway) callFallback(ctx context.Context, target string) comick.Result {
	if g.fallback == nil {
		return comick.Result{Outcome: comick.CloudflareBlocked, Diagnostic: "no FlareSolverr configured"}
	}
	return g.fallback.Forward(ctx, target)
}
