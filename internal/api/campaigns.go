package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"campaignd/internal/apperrors"
	"campaignd/internal/dispatch"
	"campaignd/internal/domain"
)

type createCampaignReq struct {
	Name         string `json:"name"`
	TemplateName string `json:"template_name"`
	ScheduledAt  string `json:"scheduled_at"`
}

type rescheduleReq struct {
	ScheduledAt string `json:"scheduled_at"`
}

// campaignResp carries the campaign plus the outcome of arming its dispatch.
// ScheduleError is set when the delay queue rejected the publish; the
// campaign itself was still saved.
type campaignResp struct {
	Campaign      domain.Campaign        `json:"campaign"`
	Schedule      *domain.ScheduleHandle `json:"schedule,omitempty"`
	ScheduleError string                 `json:"schedule_error,omitempty"`
}

// normalizeScheduledAt renders parseable times as UTC RFC 3339 so the value
// stored, the dedup key and the callback payload all agree. Unparseable input
// is kept verbatim and later skipped by the coordinator.
func normalizeScheduledAt(raw string) string {
	raw = strings.TrimSpace(raw)
	t, err := dispatch.ParseScheduledAt(raw)
	if err != nil {
		return raw
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, apperrors.Validation("name", "name is required"))
		return
	}
	if strings.TrimSpace(req.TemplateName) == "" {
		writeError(w, r, apperrors.Validation("template_name", "template_name is required"))
		return
	}

	c, err := s.cfg.Store.CreateCampaign(r.Context(), domain.Campaign{
		Name:         req.Name,
		TemplateName: req.TemplateName,
		ScheduledAt:  normalizeScheduledAt(req.ScheduledAt),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.arm(r, c))
}

func (s *Server) rescheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rescheduleReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ScheduledAt) == "" {
		writeError(w, r, apperrors.Validation("scheduled_at", "scheduled_at is required"))
		return
	}

	c, err := s.cfg.Store.UpdateScheduledAt(r.Context(), id, normalizeScheduledAt(req.ScheduledAt))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.arm(r, c))
}

// arm schedules c's dispatch. Failures are reported in the response and
// never undo the campaign write.
func (s *Server) arm(r *http.Request, c domain.Campaign) campaignResp {
	resp := campaignResp{Campaign: c}
	if c.Status != domain.CampaignScheduled || s.cfg.Scheduler == nil {
		return resp
	}

	h, err := s.cfg.Scheduler.Schedule(r.Context(), dispatch.Request{
		CampaignID:   c.ID,
		TemplateName: c.TemplateName,
		ScheduledAt:  c.ScheduledAt,
	})
	resp.Schedule = &h
	if err != nil {
		resp.ScheduleError = err.Error()
	}
	if updated, err := s.cfg.Store.GetCampaign(r.Context(), c.ID); err == nil {
		resp.Campaign = updated
	}
	return resp
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, apperrors.Validation("limit", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	campaigns, err := s.cfg.Store.ListCampaigns(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if campaigns == nil {
		campaigns = []domain.Campaign{}
	}
	writeJSON(w, http.StatusOK, campaigns)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type recordMessageReq struct {
	MessageID string `json:"message_id"`
	Contact   string `json:"contact"`
}

// recordMessage links a provider message id to the campaign so later status
// notifications can be counted against it.
func (s *Server) recordMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req recordMessageReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg := domain.Message{
		MessageID:  strings.TrimSpace(req.MessageID),
		CampaignID: id,
		Contact:    req.Contact,
		Status:     domain.StatusSent,
	}
	if err := s.cfg.Store.RecordMessage(r.Context(), msg); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
