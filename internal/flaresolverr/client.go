// Package flaresolverr wraps a FlareSolverr instance's `/v1` endpoint: a
// JSON POST relay that solves a Cloudflare challenge for a target URL and
// hands back the upstream response (§4.8, §6).
package flaresolverr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ssmcore/mangamerged/internal/comick"
	"github.com/ssmcore/mangamerged/internal/config"
)

const defaultMaxTimeoutMs = 60000

// Client relays GET requests through a FlareSolverr instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client from cfg. Returns nil if no FlareSolverr URL is
// configured — callers treat a nil *Client as "fallback not configured".
func NewClient(cfg config.CloudflareConfig) *Client {
	if strings.TrimSpace(cfg.FlareSolverrURL) == "" {
		return nil
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.FlareSolverrURL, "/"),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

type solveRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"`
}

type solveResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		Status   int    `json:"status"`
		Response string `json:"response"`
	} `json:"solution"`
}

// Forward relays a GET of targetURL through FlareSolverr and re-classifies
// the unwrapped upstream response through the same Cloudflare-detection
// heuristic the direct client uses (the solved page can itself still be a
// challenge page if FlareSolverr failed to clear it).
func (c *Client) Forward(ctx context.Context, targetURL string) comick.Result {
	reqBody, err := json.Marshal(solveRequest{
		Cmd:        "request.get",
		URL:        targetURL,
		MaxTimeout: defaultMaxTimeoutMs,
	})
	if err != nil {
		return comick.Result{Outcome: comick.TransportFailure, Diagnostic: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1", bytes.NewReader(reqBody))
	if err != nil {
		return comick.Result{Outcome: comick.TransportFailure, Diagnostic: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return comick.Result{Outcome: comick.Cancelled, Diagnostic: ctx.Err().Error()}
		}
		return comick.Result{Outcome: comick.TransportFailure, Diagnostic: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return comick.Result{Outcome: comick.TransportFailure, Diagnostic: err.Error()}
	}

	var wrapper solveResponse
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return comick.Result{Outcome: comick.MalformedPayload, Diagnostic: err.Error()}
	}
	if !strings.EqualFold(wrapper.Status, "ok") {
		diag := wrapper.Message
		if diag == "" {
			diag = fmt.Sprintf("flaresolverr status %q", wrapper.Status)
		}
		return comick.Result{Outcome: comick.TransportFailure, Diagnostic: diag}
	}

	upstreamBody := []byte(wrapper.Solution.Response)
	return comick.Classify(wrapper.Solution.Status, "", "", upstreamBody)
}
