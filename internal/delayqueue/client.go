package delayqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Message is one delayed HTTP callback handed to the provider.
type Message struct {
	URL             string
	Body            []byte
	DelaySeconds    int64
	Retries         int
	DeduplicationID string
}

// Client publishes delayed messages and returns the provider's message id.
type Client interface {
	Publish(ctx context.Context, msg Message) (string, error)
}

// HTTPClient talks to a QStash-compatible publish endpoint.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient returns ErrNotConfigured when no bearer token is supplied.
func NewHTTPClient(baseURL, token string, timeout time.Duration) (*HTTPClient, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotConfigured
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%w: empty base url", ErrNotConfigured)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type publishResponse struct {
	MessageID    string `json:"messageId"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

func (c *HTTPClient) Publish(ctx context.Context, msg Message) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/publish/"+msg.URL, bytes.NewReader(msg.Body))
	if err != nil {
		return "", fmt.Errorf("failed to create publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Delay", strconv.FormatInt(msg.DelaySeconds, 10)+"s")
	req.Header.Set("Upstash-Retries", strconv.Itoa(msg.Retries))
	if msg.DeduplicationID != "" {
		req.Header.Set("Upstash-Deduplication-Id", msg.DeduplicationID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read publish response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("publish HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out publishResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("invalid publish response: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("publish response missing messageId")
	}
	return out.MessageID, nil
}

var _ Client = (*HTTPClient)(nil)
