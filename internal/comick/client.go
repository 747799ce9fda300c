// Package comick is the direct HTTP JSON client for the Comick-shaped
// metadata API: plain GET search/detail requests with Cloudflare-challenge
// detection (§4.9, §6).
package comick

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/ssmcore/mangamerged/internal/config"
)

// Outcome classifies the result of one direct (or FlareSolverr-relayed)
// HTTP call against the upstream API (§4.9 "per-probe outcome").
type Outcome int

const (
	Success Outcome = iota
	NotFound
	CloudflareBlocked
	TransportFailure
	HttpFailure
	MalformedPayload
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "Success"
	case NotFound:
		return "NotFound"
	case CloudflareBlocked:
		return "CloudflareBlocked"
	case TransportFailure:
		return "TransportFailure"
	case HttpFailure:
		return "HttpFailure"
	case MalformedPayload:
		return "MalformedPayload"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Result is the outcome plus whatever the call carried: raw response bytes
// on Success, or a diagnostic string otherwise.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Body       []byte
	Diagnostic string
}

// Client is the direct (non-FlareSolverr) Comick API client.
type Client struct {
	baseURL      string
	coverBaseURL string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

// NewClient builds a client from cfg.
func NewClient(cfg config.ComickConfig) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		coverBaseURL: strings.TrimSuffix(cfg.CoverBaseURL, "/") + "/",
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
	}
}

// SearchURL builds the search endpoint URL for query.
func (c *Client) SearchURL(query string) string {
	return c.baseURL + "/v1.0/search/?q=" + url.QueryEscape(query)
}

// DetailURL builds the comic-detail endpoint URL for slug.
func (c *Client) DetailURL(slug string) string {
	return c.baseURL + "/comic/" + url.PathEscape(slug)
}

// CoverURL resolves a b2Key cover reference against the configured cover
// base URI.
func (c *Client) CoverURL(b2Key string) string {
	return c.coverBaseURL + strings.TrimPrefix(b2Key, "/")
}

// Search issues the direct search request.
func (c *Client) Search(ctx context.Context, query string) Result {
	return c.Fetch(ctx, c.SearchURL(query))
}

// Detail issues the direct comic-detail request.
func (c *Client) Detail(ctx context.Context, slug string) Result {
	return c.Fetch(ctx, c.DetailURL(slug))
}

// Fetch performs one rate-limited GET and classifies the outcome. It is
// exported so the gateway can route a logical call (a URL already built by
// SearchURL/DetailURL) through either this client or FlareSolverr.
func (c *Client) Fetch(ctx context.Context, target string) Result {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{Outcome: Cancelled, Diagnostic: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{Outcome: TransportFailure, Diagnostic: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Diagnostic: ctx.Err().Error()}
		}
		return Result{Outcome: TransportFailure, Diagnostic: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Outcome: TransportFailure, StatusCode: resp.StatusCode, Diagnostic: err.Error()}
	}

	return Classify(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Header.Get("Cf-Mitigated"), body)
}

// Classify applies the Cloudflare-detection heuristic and maps a raw
// status/body to an Outcome (§6): body markers, the `cf-mitigated`
// header, or a 403/503 HTML challenge page are all treated as a block.
func Classify(statusCode int, contentType, cfMitigated string, body []byte) Result {
	if DetectCloudflareBlock(statusCode, contentType, cfMitigated, body) {
		return Result{Outcome: CloudflareBlocked, StatusCode: statusCode, Body: body}
	}
	if statusCode == http.StatusNotFound {
		return Result{Outcome: NotFound, StatusCode: statusCode, Body: body}
	}
	if statusCode < 200 || statusCode >= 300 {
		return Result{Outcome: HttpFailure, StatusCode: statusCode, Diagnostic: fmt.Sprintf("status %d", statusCode), Body: body}
	}
	return Result{Outcome: Success, StatusCode: statusCode, Body: body}
}

var cloudflareBodyMarkers = []string{"Just a moment...", "_cf_chl_opt"}

// DetectCloudflareBlock implements the §6 Cloudflare detection heuristic.
// cfMitigated and contentType may be empty when the caller (e.g.
// FlareSolverr's wrapped response) doesn't carry response headers.
func DetectCloudflareBlock(statusCode int, contentType, cfMitigated string, body []byte) bool {
	for _, marker := range cloudflareBodyMarkers {
		if bytes.Contains(body, []byte(marker)) {
			return true
		}
	}
	if cfMitigated != "" {
		return true
	}
	if (statusCode == http.StatusForbidden || statusCode == http.StatusServiceUnavailable) &&
		strings.Contains(contentType, "text/html") &&
		bytes.Contains(bytes.ToLower(body), []byte("challenge")) {
		return true
	}
	return false
}

// DecodeSearchCandidates parses a search-response body.
func DecodeSearchCandidates(body []byte) ([]SearchCandidate, error) {
	var candidates []SearchCandidate
	if err := json.Unmarshal(body, &candidates); err != nil {
		return nil, fmt.Errorf("decode search candidates: %w", err)
	}
	return candidates, nil
}

// DecodeComicDetail parses a comic-detail response body.
func DecodeComicDetail(body []byte) (*ComicDetail, error) {
	var detail ComicDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, fmt.Errorf("decode comic detail: %w", err)
	}
	return &detail, nil
}
