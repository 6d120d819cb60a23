package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"campaignd/internal/apperrors"
	"campaignd/internal/domain"
	"campaignd/internal/webhook"
	"campaignd/internal/worker"
)

type dispatchResp struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// receiveDispatch is the target of both the delay queue and local timers.
// It answers only once the trigger has been forwarded and the campaign marked
// dispatched. Triggers that no longer apply are acknowledged so the queue
// stops retrying; a failed forward or a full worker pool answers non-2xx so
// the queue delivers again.
func (s *Server) receiveDispatch(w http.ResponseWriter, r *http.Request) {
	var p domain.DispatchPayload
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	if p.CampaignID == "" {
		writeError(w, r, apperrors.Validation("campaignId", "campaignId is required"))
		return
	}
	if p.Trigger != domain.TriggerSchedule {
		writeError(w, r, apperrors.Validation("trigger", "unsupported trigger"))
		return
	}

	logger := log.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("campaign_id", p.CampaignID).
		Str("scheduled_at", p.ScheduledAt).
		Logger()

	c, err := s.cfg.Store.GetCampaign(r.Context(), p.CampaignID)
	if errors.Is(err, apperrors.ErrNotFound) {
		logger.Warn().Msg("dispatch trigger for unknown campaign ignored")
		writeJSON(w, http.StatusOK, dispatchResp{Status: "ignored", Reason: "unknown_campaign"})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if c.Status != domain.CampaignScheduled || c.ScheduledAt != p.ScheduledAt {
		logger.Info().Str("current_scheduled_at", c.ScheduledAt).Str("status", string(c.Status)).Msg("stale dispatch trigger ignored")
		writeJSON(w, http.StatusOK, dispatchResp{Status: "ignored", Reason: "stale_trigger"})
		return
	}

	done := make(chan error, 1)
	if err := s.cfg.Jobs.Submit(worker.Job{Payload: p, ReceivedAt: s.now(), Done: done}); err != nil {
		logger.Warn().Err(err).Msg("dispatch trigger rejected")
		writeJSON(w, http.StatusServiceUnavailable, dispatchResp{Status: "rejected", Reason: err.Error()})
		return
	}

	select {
	case err = <-done:
	case <-r.Context().Done():
		logger.Warn().Err(r.Context().Err()).Msg("dispatch caller went away before the job finished")
		writeJSON(w, http.StatusServiceUnavailable, dispatchResp{Status: "rejected", Reason: "request cancelled"})
		return
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, dispatchResp{Status: "dispatched"})
	case errors.Is(err, worker.ErrStaleTrigger):
		writeJSON(w, http.StatusOK, dispatchResp{Status: "ignored", Reason: "stale_trigger"})
	case errors.Is(err, worker.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, dispatchResp{Status: "rejected", Reason: err.Error()})
	default:
		writeError(w, r, err)
	}
}

func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := webhook.Verify(s.cfg.WebhookVerifyToken, q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("content-type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// receiveWebhook always acknowledges: the provider redelivers on anything
// but 200, and per-event failures are already logged.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read webhook body")
		writeJSON(w, http.StatusOK, webhook.Result{})
		return
	}
	res, err := s.cfg.Ingestor.Ingest(r.Context(), body)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(body)).Msg("malformed webhook payload acknowledged")
	}
	writeJSON(w, http.StatusOK, res)
}
