// Package delayqueue schedules a single future dispatch callback through a
// managed delay queue with provider-side retries and deduplication.
//
// Unlike the idempotency guard, failures here are returned to the caller: a
// campaign that should fire but is not armed must be loud.
package delayqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultRetries is the provider-side retry budget for each callback.
const DefaultRetries = 3

// ErrNotConfigured is returned when no delay-queue credential is available.
var ErrNotConfigured = errors.New("delay queue not configured")

type Publisher struct {
	client  Client
	retries int
	now     func() time.Time
}

func NewPublisher(client Client) *Publisher {
	return &Publisher{client: client, retries: DefaultRetries, now: time.Now}
}

// DelaySeconds is the whole number of seconds until fireAt, never negative.
func DelaySeconds(fireAt, now time.Time) int64 {
	d := fireAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Schedule publishes payload to be POSTed to callbackURL at fireAt and returns
// the provider message id. dedupKey is passed through as the provider's
// deduplication id.
func (p *Publisher) Schedule(ctx context.Context, callbackURL string, payload any, fireAt time.Time, dedupKey string) (string, error) {
	if p == nil || p.client == nil {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode dispatch payload: %w", err)
	}

	id, err := p.client.Publish(ctx, Message{
		URL:             callbackURL,
		Body:            body,
		DelaySeconds:    DelaySeconds(fireAt, p.now()),
		Retries:         p.retries,
		DeduplicationID: dedupKey,
	})
	if err != nil {
		return "", fmt.Errorf("delay queue publish to %s: %w", callbackURL, err)
	}
	return id, nil
}
