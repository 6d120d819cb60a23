package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"campaignd/internal/apperrors"
	"campaignd/internal/domain"
)

// ErrStaleTrigger reports a trigger for a campaign that is no longer
// scheduled for the trigger's time.
var ErrStaleTrigger = errors.New("dispatch trigger no longer applies")

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	MarkDispatched(ctx context.Context, id, scheduledAt string, at time.Time) (bool, error)
}

// Forwarder hands the trigger to the message-sending pipeline.
type Forwarder interface {
	PostJSON(ctx context.Context, url string, payload any) error
}

// Dispatcher forwards the trigger to the pipeline and only then marks the
// campaign dispatched, so a failed forward leaves the campaign scheduled and
// a redelivered trigger is attempted again.
type Dispatcher struct {
	store       CampaignStore
	forwarder   Forwarder
	pipelineURL string
	now         func() time.Time
}

func NewDispatcher(store CampaignStore, forwarder Forwarder, pipelineURL string) *Dispatcher {
	return &Dispatcher{store: store, forwarder: forwarder, pipelineURL: pipelineURL, now: time.Now}
}

func (d *Dispatcher) Handle(ctx context.Context, job Job) error {
	p := job.Payload
	c, err := d.store.GetCampaign(ctx, p.CampaignID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return ErrStaleTrigger
	}
	if err != nil {
		return fmt.Errorf("load campaign %s: %w", p.CampaignID, err)
	}
	if c.Status != domain.CampaignScheduled || c.ScheduledAt != p.ScheduledAt {
		return ErrStaleTrigger
	}

	if d.pipelineURL != "" && d.forwarder != nil {
		if err := d.forwarder.PostJSON(ctx, d.pipelineURL, p); err != nil {
			return apperrors.Upstream("pipeline.forward", err)
		}
	}

	ok, err := d.store.MarkDispatched(ctx, p.CampaignID, p.ScheduledAt, d.now())
	if err != nil {
		return fmt.Errorf("mark campaign %s dispatched: %w", p.CampaignID, err)
	}
	if !ok {
		// Rescheduled while the forward was in flight; the new time is armed separately.
		log.Warn().Str("campaign_id", p.CampaignID).Str("scheduled_at", p.ScheduledAt).Msg("campaign forwarded but moved on before it could be marked dispatched")
		return ErrStaleTrigger
	}
	log.Info().Str("campaign_id", p.CampaignID).Str("template", p.TemplateName).Msg("campaign dispatched")
	return nil
}
