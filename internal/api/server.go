// Package api serves the campaign, dispatch callback and webhook HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"campaignd/internal/apperrors"
	"campaignd/internal/config"
	"campaignd/internal/dispatch"
	"campaignd/internal/domain"
	"campaignd/internal/store"
	"campaignd/internal/webhook"
	"campaignd/internal/worker"
)

// maxRequestBodySize limits request bodies to 1MB.
const maxRequestBodySize = 1 << 20

type Scheduler interface {
	Schedule(ctx context.Context, req dispatch.Request) (domain.ScheduleHandle, error)
}

type JobSubmitter interface {
	Submit(job worker.Job) error
}

type StatusIngestor interface {
	Ingest(ctx context.Context, body []byte) (webhook.Result, error)
}

// HealthCheck is one dependency probe. A failing critical check makes the
// service unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type Config struct {
	Store     store.Repository
	Scheduler Scheduler
	Jobs      JobSubmitter
	Ingestor  StatusIngestor

	// Metrics and MetricsHandler are optional.
	Metrics        HTTPMetrics
	MetricsHandler http.Handler

	WebhookVerifyToken string
	HealthChecks       []HealthCheck
	EnableDebug        bool
}

type Server struct {
	r   *chi.Mux
	cfg Config
	now func() time.Time
}

func NewServer(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(metricsMiddleware(cfg.Metrics))
	}

	s := &Server{r: r, cfg: cfg, now: time.Now}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/campaigns", s.createCampaign)
	r.Get("/api/campaigns", s.listCampaigns)
	r.Post(config.DispatchPath, s.receiveDispatch)
	r.Get("/api/campaigns/{id}", s.getCampaign)
	r.Put("/api/campaigns/{id}/schedule", s.rescheduleCampaign)
	r.Post("/api/campaigns/{id}/messages", s.recordMessage)

	r.Get("/api/webhooks/whatsapp", s.verifyWebhook)
	r.Post("/api/webhooks/whatsapp", s.receiveWebhook)

	if cfg.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

type healthResp struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResp{Status: "ok", Checks: map[string]string{}}
	code := http.StatusOK
	for _, hc := range s.cfg.HealthChecks {
		if err := hc.Check(ctx); err != nil {
			resp.Checks[hc.Name] = err.Error()
			if hc.Critical {
				resp.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			} else if resp.Status == "ok" {
				resp.Status = "degraded"
			}
			continue
		}
		resp.Checks[hc.Name] = "ok"
	}
	writeJSON(w, code, resp)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MetricsHandler != nil {
		s.cfg.MetricsHandler.ServeHTTP(w, r)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("campaignd_up 1\n"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	resp := errorResp{Error: apperrors.PublicMessage(err)}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
	}
	writeJSON(w, code, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Validation("body", "invalid request body: "+err.Error())
	}
	return nil
}
