// Package httpapi exposes the conversation engine and tenant administration
// over HTTP. Turns run synchronously on POST /v1/conversations/{id}/messages
// or stream per-node progress as server-sent events on the /stream variant.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cauce-ai/cauce"
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// TurnObserver receives every completed turn. The observer package provides
// an implementation that feeds the turn-level metrics.
type TurnObserver func(ctx context.Context, res *cauce.TurnResult, err error, elapsed time.Duration)

// Handler serves the conversation and admin API.
type Handler struct {
	engine  *cauce.Engine
	store   cauce.Store
	logger  *slog.Logger
	observe TurnObserver
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithTurnObserver installs a callback invoked after every turn.
func WithTurnObserver(fn TurnObserver) Option {
	return func(h *Handler) { h.observe = fn }
}

// New creates a Handler over an engine and a durable store.
func New(engine *cauce.Engine, store cauce.Store, opts ...Option) *Handler {
	h := &Handler{engine: engine, store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the chi router for the API surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/conversations", h.handleListConversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetConversation)
			r.Delete("/", h.handleDeleteConversation)
			r.Get("/messages", h.handleMessages)
			r.Post("/messages", h.handleConverse)
			r.Post("/messages/stream", h.handleConverseStream)
			r.Post("/resume", h.handleResume)
			r.Post("/summary", h.handleRegenerateSummary)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Route("/organizations/{org}", func(r chi.Router) {
				r.Get("/agents", h.handleTenantAgents)
				r.Put("/agents/{key}", h.handleUpsertTenantAgent)
				r.Get("/bypass-rules", h.handleBypassRules)
				r.Post("/bypass-rules", h.handleUpsertBypassRule)
				r.Post("/bypass-rules/test", h.handleBypassTest)
			})
			r.Delete("/bypass-rules/{id}", h.handleDeleteBypassRule)

			r.Get("/domains", h.handleDomains)
			r.Put("/domains/{key}", h.handleUpsertDomain)
			r.Delete("/domains/{key}", h.handleDeleteDomain)
		})
	})

	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// --- Conversation endpoints ---

func (h *Handler) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req cauce.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// The URL is authoritative for the conversation.
	req.ConversationID = chi.URLParam(r, "id")
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	start := time.Now()
	result, err := h.engine.Invoke(r.Context(), req)
	if h.observe != nil {
		h.observe(r.Context(), result, err, time.Since(start))
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleConverseStream(w http.ResponseWriter, r *http.Request) {
	var req cauce.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ConversationID = chi.URLParam(r, "id")
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	start := time.Now()
	var (
		final   *cauce.TurnResult
		turnErr error
	)
	for ev := range h.engine.Stream(r.Context(), req) {
		switch ev.Type {
		case cauce.EventFinal:
			final = ev.Data
		case cauce.EventError:
			turnErr = errors.New(ev.Error)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("stream event encode failed", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the engine still drives the turn to its
			// commit, we just stop writing.
			break
		}
		flusher.Flush()
	}
	if h.observe != nil {
		h.observe(r.Context(), final, turnErr, time.Since(start))
	}
}

// handleRegenerateSummary forces a rolling-summary rebuild outside the
// refresh interval.
func (h *Handler) handleRegenerateSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.engine.RegenerateSummary(r.Context(), id)
	if errors.Is(err, cauce.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.engine.Resume(r.Context(), id)
	if errors.Is(err, cauce.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no checkpoint for conversation")
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	org := r.URL.Query().Get("organization_id")
	contexts, err := h.store.RecentContexts(r.Context(), org, limit)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": contexts})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.store.GetContext(r.Context(), id)
	if errors.Is(err, cauce.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteContext(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	msgs, err := h.store.Messages(r.Context(), id, limit, offset)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// --- Admin endpoints ---

func (h *Handler) handleTenantAgents(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	agents, err := h.store.TenantAgents(r.Context(), org)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (h *Handler) handleUpsertTenantAgent(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	var a cauce.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// The URL is authoritative for the key.
	a.AgentKey = chi.URLParam(r, "key")
	if a.AgentType == "" {
		a.AgentType = cauce.AgentTypeBuiltin
	}
	if err := h.store.UpsertTenantAgent(r.Context(), org, a); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleBypassRules(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	rules, err := h.store.BypassRules(r.Context(), org)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bypass_rules": rules})
}

func (h *Handler) handleUpsertBypassRule(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	var rule cauce.BypassRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateBypassRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.OrganizationID = org
	if rule.ID == "" {
		rule.ID = cauce.NewID()
	}
	if err := h.store.UpsertBypassRule(r.Context(), rule); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleDeleteBypassRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteBypassRule(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBypassTest dry-runs the organization's rule set against a phone and
// channel id without touching any conversation.
func (h *Handler) handleBypassTest(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	var in struct {
		UserPhone     string `json:"user_phone"`
		PhoneNumberID string `json:"phone_number_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rules, err := h.store.BypassRules(r.Context(), org)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	reg := cauce.NewRegistry(org, nil)
	reg.BypassRules = rules
	result := cauce.EvaluateBypass(reg, cauce.BypassInput{
		UserPhone:     in.UserPhone,
		PhoneNumberID: in.PhoneNumberID,
	})
	writeJSON(w, http.StatusOK, result)
}

var reDomainKey = regexp.MustCompile(`^[a-z_]+$`)

func (h *Handler) handleDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := h.store.Domains(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

func (h *Handler) handleUpsertDomain(w http.ResponseWriter, r *http.Request) {
	var d cauce.Domain
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d.DomainKey = chi.URLParam(r, "key")
	if !reDomainKey.MatchString(d.DomainKey) {
		writeError(w, http.StatusBadRequest, "domain_key must match ^[a-z_]+$")
		return
	}
	if err := h.store.UpsertDomain(r.Context(), d); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteDomain(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cauce.ErrConversationBusy):
		writeError(w, http.StatusConflict, "conversation busy, retry shortly")
	case errors.Is(err, context.Canceled):
		// Client disconnected; nothing useful to write.
	default:
		h.logger.Error("turn failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "turn failed")
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("store operation failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "storage failure")
}

func validateBypassRule(r cauce.BypassRule) error {
	if r.TargetAgent == "" {
		return fmt.Errorf("target_agent is required")
	}
	switch r.RuleType {
	case cauce.BypassByPhonePattern:
		if r.Pattern == "" {
			return fmt.Errorf("pattern is required for %s rules", r.RuleType)
		}
	case cauce.BypassByPhoneList:
		if len(r.Phones) == 0 {
			return fmt.Errorf("phones is required for %s rules", r.RuleType)
		}
	case cauce.BypassByChannelID:
		if r.PhoneNumberID == "" {
			return fmt.Errorf("phone_number_id is required for %s rules", r.RuleType)
		}
	default:
		return fmt.Errorf("unknown rule_type %q", r.RuleType)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
