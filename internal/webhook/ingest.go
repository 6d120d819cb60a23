package webhook

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/rs/zerolog/log"

	"campaignd/internal/apperrors"
	"campaignd/internal/domain"
)

type Deduplicator interface {
	ShouldProcess(ctx context.Context, messageID string, status domain.StatusKind) bool
}

type StatusStore interface {
	ApplyStatus(ctx context.Context, ev domain.StatusEvent) (string, error)
}

// MetricsRecorder is an optional interface for recording status events.
type MetricsRecorder interface {
	RecordStatusEvent(ctx context.Context, status string, duplicate bool)
}

// Result summarises one notification.
type Result struct {
	Received   int `json:"received"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
	Failed     int `json:"failed"`
}

type Ingestor struct {
	dedup   Deduplicator
	store   StatusStore
	metrics MetricsRecorder
}

func NewIngestor(dedup Deduplicator, store StatusStore, metrics MetricsRecorder) *Ingestor {
	return &Ingestor{dedup: dedup, store: store, metrics: metrics}
}

// Ingest applies every first-seen status in body. Per-event failures are
// counted, never returned: the provider must always be acknowledged.
// The only error is a body that is not a notification envelope.
func (i *Ingestor) Ingest(ctx context.Context, body []byte) (Result, error) {
	events, ignored, err := Parse(body)
	if err != nil {
		return Result{}, apperrors.Validation("body", "invalid webhook payload")
	}
	res := Result{Received: len(events) + ignored, Ignored: ignored}

	for _, ev := range events {
		if !i.dedup.ShouldProcess(ctx, ev.MessageID, ev.Status) {
			res.Duplicates++
			i.record(ctx, ev.Status, true)
			log.Debug().Str("message_id", ev.MessageID).Str("status", string(ev.Status)).Msg("duplicate status event dropped")
			continue
		}
		i.record(ctx, ev.Status, false)

		campaignID, err := i.store.ApplyStatus(ctx, ev)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			res.Ignored++
			log.Debug().Str("message_id", ev.MessageID).Msg("status for unknown message ignored")
		case err != nil:
			res.Failed++
			log.Error().Err(err).Str("message_id", ev.MessageID).Str("status", string(ev.Status)).Msg("failed to apply status event")
		default:
			res.Applied++
			log.Debug().Str("message_id", ev.MessageID).Str("campaign_id", campaignID).Str("status", string(ev.Status)).Msg("status applied")
		}
	}
	return res, nil
}

func (i *Ingestor) record(ctx context.Context, status domain.StatusKind, duplicate bool) {
	if i.metrics != nil {
		i.metrics.RecordStatusEvent(ctx, string(status), duplicate)
	}
}

// Verify answers the hub subscription handshake. It returns the challenge
// to echo and whether the request carried the expected token.
func Verify(expectedToken, mode, token, challenge string) (string, bool) {
	if expectedToken == "" || mode != "subscribe" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
		return "", false
	}
	return challenge, true
}
