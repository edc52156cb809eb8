// Package rawengine implements the Raw extraction engine from spec.md §3:
// a plain HTTP GET followed by DOM-based content extraction, the cheapest
// of the three engine variants and the first one the selector tries for a
// domain with no JS dependency. It fetches via colly (SSRF-checked before
// any request leaves the process), parses with goquery, and renders the
// extracted content to markdown with html-to-markdown.
package rawengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/riptide/rgec/internal/artifact"
	"github.com/riptide/rgec/internal/ratelimit"
	"github.com/riptide/rgec/internal/security"
	"github.com/riptide/rgec/internal/types"
)

// Bounds applied to a detected rate-limit's suggested delay before it's
// honored as an ExtractorError's RetryAfter, so a hostile or miscategorized
// response body can't force an arbitrarily long or a useless zero-length
// pause onto the breaker's retry loop.
const (
	minRetryAfterMs = 1000
	maxRetryAfterMs = 120000
)

// Engine performs Raw-mode extractions: fetch, parse, convert to markdown.
type Engine struct {
	userAgent string
	timeout   time.Duration
}

// New creates a Raw engine. timeout bounds the underlying HTTP fetch.
func New(userAgent string, timeout time.Duration) *Engine {
	return &Engine{userAgent: userAgent, timeout: timeout}
}

// Extract fetches rawURL and extracts an Artifact per opts.Mode. Returns a
// typed *types.ExtractorError on any failure, never panics.
func (e *Engine) Extract(ctx context.Context, rawURL string, opts types.ExtractOptions) (*types.Artifact, *types.ExtractorError) {
	if err := security.ValidateURLWithContext(ctx, rawURL); err != nil {
		return nil, &types.ExtractorError{Kind: types.KindInvalidHtml, Message: "url failed SSRF validation", Err: err}
	}

	body, headers, statusCode, err := e.fetch(ctx, rawURL, opts.Headers)
	if err != nil {
		if isRetryableFetchError(err) {
			return nil, types.NewResourceLimitError("upstream_timeout", err)
		}
		return nil, &types.ExtractorError{Kind: types.KindExtractorError, Message: "fetch failed", Err: err}
	}

	if info := ratelimit.Detect(statusCode, body); info.Detected && info.Category == ratelimit.CategoryRateLimit {
		extErr := types.NewResourceLimitError("upstream_rate_limit", fmt.Errorf("%s: %s", info.ErrorCode, info.Description))
		delayMs := ratelimit.AdjustDelay(info.SuggestedDelay, minRetryAfterMs, maxRetryAfterMs)
		extErr.RetryAfter = time.Duration(delayMs) * time.Millisecond
		return nil, extErr
	}
	if statusCode >= 500 && statusCode < 600 {
		return nil, types.NewResourceLimitError("upstream_unavailable", fmt.Errorf("upstream returned HTTP %d", statusCode))
	}

	art, extErr := ExtractFromHTML(body, rawURL, opts)
	if extErr != nil {
		return nil, extErr
	}
	if opts.Mode == types.ModeFull {
		art.Debug = &types.ArtifactDebug{ResponseHeaders: headers}
	}
	return art, nil
}

// ExtractFromHTML parses already-fetched HTML into an Artifact. This is
// shared with the Headless engine, which renders a page via CDP and then
// runs the same DOM-extraction pipeline over the resulting markup.
func ExtractFromHTML(htmlStr, rawURL string, opts types.ExtractOptions) (*types.Artifact, *types.ExtractorError) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return nil, &types.ExtractorError{Kind: types.KindInvalidHtml, Message: "html parse failed", Err: err}
	}

	art := artifact.Build(doc, rawURL, opts)

	if opts.Mode != types.ModeMetadata {
		art.Markdown = artifact.RenderMarkdown(doc)
	}

	return art, nil
}

// isRetryableFetchError reports whether a colly/http fetch failure is
// transient — a deadline, a network-level timeout, or a connection reset —
// as opposed to a terminal failure like a malformed URL or DNS error, per
// spec.md §4.7's "timeouts ... connection resets" retryable set.
func isRetryableFetchError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}

func (e *Engine) fetch(ctx context.Context, rawURL string, extraHeaders map[string]string) (body string, headers map[string]string, statusCode int, err error) {
	c := colly.NewCollector(
		colly.UserAgent(e.userAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(e.timeout)
	// Surface 4xx/5xx bodies through OnResponse instead of short-circuiting
	// to OnError, so rate-limit/access-denied pages can still be inspected.
	c.ParseHTTPErrorResponse = true

	headers = map[string]string{}
	var collected string
	var collectedStatus int
	var fetchErr error

	c.OnResponse(func(r *colly.Response) {
		collected = string(r.Body)
		collectedStatus = r.StatusCode
		for k, v := range r.Headers.Clone() {
			if len(v) > 0 {
				headers[k] = v[0]
			}
		}
	})
	c.OnError(func(r *colly.Response, visitErr error) {
		collectedStatus = r.StatusCode
		fetchErr = visitErr
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, 0, fmt.Errorf("build request: %w", err)
	}
	// extraHeaders has already passed security.ValidateHeaders at the API
	// boundary, which blocks connection-control and auth-bypass header
	// names, so it's safe to layer directly onto the outbound request.
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	if err := c.Request(req.Method, rawURL, nil, nil, req.Header); err != nil {
		return "", nil, 0, fmt.Errorf("visit: %w", err)
	}
	c.Wait()

	if fetchErr != nil {
		return "", nil, collectedStatus, fetchErr
	}
	if collected == "" {
		return "", nil, collectedStatus, fmt.Errorf("empty response body from %s", rawURL)
	}
	return collected, headers, collectedStatus, nil
}

