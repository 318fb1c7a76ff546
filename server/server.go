// Package server exposes the dispatcher over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/audit"
)

const (
	maxBodyBytes = 1 << 20

	// statusClientClosedRequest is the de facto code for a caller that
	// went away before the response was ready.
	statusClientClosedRequest = 499
)

// Handler serves the public and operator endpoints.
type Handler struct {
	dispatcher *quotarouter.Dispatcher
	audit      audit.Backend
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
}

// Deps contains dependencies for the handler.
type Deps struct {
	Dispatcher *quotarouter.Dispatcher
	Audit      audit.Backend       // optional
	Gatherer   prometheus.Gatherer // optional; /metrics is not mounted without it
	Logger     zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		dispatcher: deps.Dispatcher,
		audit:      deps.Audit,
		gatherer:   deps.Gatherer,
		logger:     deps.Logger,
	}
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.Health)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		r.Get("/stats", h.Stats)
		r.Get("/providers", h.ListProviders)
		r.Post("/providers/{id}/activate", h.setActive(true))
		r.Post("/providers/{id}/deactivate", h.setActive(false))
		r.Get("/audit/summary", h.AuditSummary)
	})

	return r
}

// chatRequest accepts either a single message or a full conversation.
type chatRequest struct {
	Message     string                `json:"message"`
	Messages    []quotarouter.Message `json:"messages"`
	MaxAttempts int                   `json:"max_attempts"`
}

type chatResponse struct {
	ID         string    `json:"id"`
	Reply      string    `json:"reply"`
	ProviderID string    `json:"provider_id"`
	Model      string    `json:"model,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Attempts   int       `json:"attempts"`
}

// Chat dispatches one chat call.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be JSON", false)
		return
	}
	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "max_attempts must not be negative", false)
		return
	}

	msgs := req.Messages
	if req.Message != "" {
		msgs = append(msgs, quotarouter.Message{Role: "user", Content: req.Message})
	}
	if len(msgs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required", false)
		return
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), quotarouter.ChatRequest{
		Messages:    msgs,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ID:         resp.ID,
		Reply:      resp.Reply,
		ProviderID: resp.ProviderID,
		Model:      resp.Model,
		Timestamp:  resp.Timestamp,
		Attempts:   resp.Attempts,
	})
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	code := quotarouter.ReasonCode(err)
	retryable := quotarouter.IsRetryable(err)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, quotarouter.ErrDispatchCanceled):
		status = statusClientClosedRequest
	case errors.Is(err, quotarouter.ErrProviderRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, quotarouter.ErrInvalidRequest):
		status = http.StatusBadRequest
	case retryable:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("dispatch failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	// The upstream cause stays in the logs; callers get the outcome only.
	msg := code
	var derr *quotarouter.DispatchError
	if errors.As(err, &derr) {
		msg = derr.Reason.Error()
	}
	writeError(w, status, code, msg, retryable)
}

// Stats returns usage and cooldown state per provider.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dispatcher.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("stats")
		writeError(w, http.StatusServiceUnavailable, quotarouter.ReasonCode(err), "usage unavailable", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": stats})
}

// ListProviders returns the registry listing.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.dispatcher.Providers()})
}

func (h *Handler) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		reg := h.dispatcher.Registry()

		if err := reg.SetActive(id, active); err != nil {
			if errors.Is(err, quotarouter.ErrProviderNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "provider not found", false)
				return
			}
			writeError(w, http.StatusInternalServerError, "internal", err.Error(), false)
			return
		}

		h.logger.Info().Str("provider", id).Bool("active", active).Msg("provider activation changed")
		desc, _ := reg.Get(id)
		writeJSON(w, http.StatusOK, desc)
	}
}

// AuditSummary aggregates persisted dispatch records. The window is taken
// from ?since= as a duration, default 24h.
func (h *Handler) AuditSummary(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "not_configured", "audit backend is not configured", false)
		return
	}

	window := 24 * time.Hour
	if s := r.URL.Query().Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be a positive duration", false)
			return
		}
		window = d
	}

	summary, err := h.audit.Summary(r.Context(), time.Now().Add(-window))
	if err != nil {
		h.logger.Error().Err(err).Msg("audit summary")
		writeError(w, http.StatusServiceUnavailable, "audit_unavailable", "audit backend unavailable", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": window.String(), "providers": summary})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":      code,
			"message":   message,
			"retryable": retryable,
		},
	})
}
