// Package callback performs the JSON HTTP POSTs that trigger a campaign dispatch.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single callback attempt.
const DefaultTimeout = 30 * time.Second

type Client struct {
	http    *http.Client
	headers map[string]string
}

// New returns a callback client. Extra headers are sent with every request.
func New(timeout time.Duration, headers map[string]string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		headers: headers,
	}
}

// PostJSON sends payload to url. Any 4xx/5xx response is returned as an error.
func (c *Client) PostJSON(ctx context.Context, url string, payload any) error {
	if url == "" {
		return fmt.Errorf("URL is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("invalid callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
