package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	maxRedirects    = 5
	maxResponseSize = 10 << 20 // 10 MiB

	acceptFeeds = "application/rss+xml, application/atom+xml, application/feed+json, " +
		"application/activity+json, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.1"
	acceptHTML = "text/html, application/xhtml+xml"
)

// Result is one fetched response.
type Result struct {
	Body        []byte
	ContentType string
}

// Fetcher performs outbound HTTP fetches with a bounded timeout and a
// bounded redirect count. The capability token, when present, travels in
// the Authorization bearer header; the legacy query-parameter transport
// is never emitted.
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	timeout    time.Duration
}

func NewFetcher(userAgent string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// Client exposes the underlying HTTP client for components that manage
// their own requests (handshake client).
func (f *Fetcher) Client() *http.Client {
	return f.httpClient
}

// FetchFeed retrieves a feed endpoint, authenticated when token is
// non-empty.
func (f *Fetcher) FetchFeed(ctx context.Context, url, token string) (*Result, error) {
	return f.fetch(ctx, url, token, acceptFeeds)
}

// FetchPage retrieves an HTML page (feed discovery, content extraction).
func (f *Fetcher) FetchPage(ctx context.Context, url string) (*Result, error) {
	return f.fetch(ctx, url, "", acceptHTML)
}

func (f *Fetcher) fetch(ctx context.Context, url, token, accept string) (*Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", accept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error from %s: %d %s", url, resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Result{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
