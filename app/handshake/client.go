package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client performs the outbound legs of the handshake. Every call is
// independently retryable by the caller; the service never activates
// tokens on a failed call.
type Client struct {
	httpClient *http.Client
	siteURL    string
	userAgent  string
	timeout    time.Duration
}

func NewClient(httpClient *http.Client, siteURL, userAgent string, timeout time.Duration) *Client {
	return &Client{
		httpClient: httpClient,
		siteURL:    siteURL,
		userAgent:  userAgent,
		timeout:    timeout,
	}
}

func (c *Client) SendFriendRequest(ctx context.Context, remoteURL string, in FriendRequestIn) (*FriendRequestOut, error) {
	var out FriendRequestOut
	if err := c.postJSON(ctx, remoteURL+"/friends/request", in, &out); err != nil {
		return nil, err
	}
	if out.RequestID == "" {
		return nil, fmt.Errorf("remote site returned no request identifier")
	}
	return &out, nil
}

func (c *Client) SendAccept(ctx context.Context, remoteURL string, in AcceptIn) error {
	return c.postJSON(ctx, remoteURL+"/friends/accept", in, nil)
}

func (c *Client) postJSON(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error from %s: %d %s", url, resp.StatusCode, resp.Status)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", url, err)
		}
	}

	return nil
}
