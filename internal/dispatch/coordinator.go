// Package dispatch decides how a campaign's scheduled dispatch is armed: via
// the managed delay queue, via an in-process timer, or not at all.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"campaignd/internal/apperrors"
	"campaignd/internal/delayqueue"
	"campaignd/internal/domain"
	"campaignd/internal/localtimer"
)

// ErrInvalidScheduleTime marks a scheduledAt that cannot be parsed.
var ErrInvalidScheduleTime = errors.New("invalid scheduled time")

type Publisher interface {
	Schedule(ctx context.Context, callbackURL string, payload any, fireAt time.Time, dedupKey string) (string, error)
}

type LocalScheduler interface {
	ArmLocal(campaignID string, fireAt time.Time, dedupKey string, onFire localtimer.FireFunc) error
}

// Poster delivers the dispatch payload when a local timer fires.
type Poster interface {
	PostJSON(ctx context.Context, url string, payload any) error
}

// HandleRecorder persists the outcome against the campaign.
type HandleRecorder interface {
	RecordScheduleHandle(ctx context.Context, h domain.ScheduleHandle) error
}

// MetricsRecorder is an optional interface for recording outcomes.
type MetricsRecorder interface {
	RecordScheduleOutcome(ctx context.Context, mode, reason string)
}

type Config struct {
	CallbackURL string
	Production  bool

	// Publisher is nil when the delay queue is not configured.
	Publisher Publisher
	Local     LocalScheduler
	Poster    Poster
	Handles   HandleRecorder
	Metrics   MetricsRecorder
}

type Coordinator struct {
	cfg Config
}

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// Request identifies the campaign schedule to arm.
type Request struct {
	CampaignID   string
	TemplateName string
	ScheduledAt  string
}

// ParseScheduledAt accepts RFC 3339 timestamps, and zone-less ones as UTC.
func ParseScheduledAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidScheduleTime, s)
}

// Schedule arms the dispatch for req and records the resulting handle.
// Calling it again with the same campaign and time supersedes the earlier
// arm. A non-nil error is returned only when the delay queue rejected the
// publish; the campaign itself is never modified beyond its handle.
func (c *Coordinator) Schedule(ctx context.Context, req Request) (domain.ScheduleHandle, error) {
	h := domain.ScheduleHandle{
		CampaignID:     req.CampaignID,
		ScheduledAtISO: req.ScheduledAt,
		DedupKey:       domain.ScheduleDedupKey(req.CampaignID, req.ScheduledAt),
	}
	logger := log.With().
		Str("campaign_id", req.CampaignID).
		Str("dedup_key", h.DedupKey).
		Str("target_url", c.cfg.CallbackURL).
		Logger()

	fireAt, err := ParseScheduledAt(req.ScheduledAt)
	if err != nil {
		logger.Warn().Str("scheduled_at", req.ScheduledAt).Msg("schedule skipped: scheduledAt is not a valid time")
		return c.finish(ctx, skipped(h, domain.ReasonInvalidTime)), nil
	}

	payload := domain.DispatchPayload{
		CampaignID:   req.CampaignID,
		TemplateName: req.TemplateName,
		Trigger:      domain.TriggerSchedule,
		ScheduledAt:  req.ScheduledAt,
	}

	if IsLoopbackURL(c.cfg.CallbackURL) {
		if c.cfg.Production || c.cfg.Local == nil {
			logger.Warn().Msg("schedule skipped: callback host is not reachable by the delay queue")
			return c.finish(ctx, skipped(h, domain.ReasonUnreachableHost)), nil
		}
		err := c.cfg.Local.ArmLocal(req.CampaignID, fireAt, h.DedupKey, func(ctx context.Context) error {
			return c.cfg.Poster.PostJSON(ctx, c.cfg.CallbackURL, payload)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("schedule skipped: local timer could not be armed")
			reason := domain.ReasonLocalUnavailable
			if errors.Is(err, localtimer.ErrInvalidFireTime) {
				reason = domain.ReasonInvalidTime
			}
			return c.finish(ctx, skipped(h, reason)), nil
		}
		h.Mode = domain.ModeLocalTimer
		return c.finish(ctx, h), nil
	}

	if c.cfg.Publisher == nil {
		logger.Warn().Msg("schedule skipped: delay queue not configured")
		return c.finish(ctx, skipped(h, domain.ReasonQueueNotConfigured)), nil
	}

	id, err := c.cfg.Publisher.Schedule(ctx, c.cfg.CallbackURL, payload, fireAt, h.DedupKey)
	if errors.Is(err, delayqueue.ErrNotConfigured) {
		logger.Warn().Msg("schedule skipped: delay queue not configured")
		return c.finish(ctx, skipped(h, domain.ReasonQueueNotConfigured)), nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("campaign left unarmed: delay queue publish failed")
		return c.finish(ctx, skipped(h, domain.ReasonPublishFailed)), apperrors.Upstream("delayqueue.publish", err)
	}

	h.Mode = domain.ModeQueued
	h.ExternalMessageID = id
	logger.Info().Str("message_id", id).Time("fire_at", fireAt).Msg("dispatch queued")
	return c.finish(ctx, h), nil
}

func skipped(h domain.ScheduleHandle, reason string) domain.ScheduleHandle {
	h.Mode = domain.ModeSkipped
	h.Reason = reason
	return h
}

func (c *Coordinator) finish(ctx context.Context, h domain.ScheduleHandle) domain.ScheduleHandle {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordScheduleOutcome(ctx, string(h.Mode), h.Reason)
	}
	if c.cfg.Handles != nil {
		if err := c.cfg.Handles.RecordScheduleHandle(ctx, h); err != nil {
			log.Error().Err(err).Str("campaign_id", h.CampaignID).Str("mode", string(h.Mode)).Msg("failed to record schedule handle")
		}
	}
	return h
}
