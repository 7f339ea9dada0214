// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/promptmaster/internal/credentials"
	"github.com/vnmchuo/promptmaster/internal/orchestrator"
	"github.com/vnmchuo/promptmaster/internal/provider"
)

// maxBodyBytes caps request bodies well above the largest accepted input.
const maxBodyBytes = 1 << 20

// Completer is the part of the orchestrator the handlers use.
type Completer interface {
	Orchestrate(ctx context.Context, req *orchestrator.Request, identity string) (*orchestrator.Result, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	orch         Completer
	store        credentials.Store
	serviceToken string
	production   bool
	checks       map[string]HealthCheck
	log          log.FieldLogger
}

type Option func(*Handler)

// WithCredentialStore enables per-user saved keys for trusted requests carrying X-User-ID.
func WithCredentialStore(s credentials.Store) Option { return func(h *Handler) { h.store = s } }

// WithServiceToken sets the shared secret first-party services present to
// act on behalf of a user via X-User-ID.
func WithServiceToken(token string) Option { return func(h *Handler) { h.serviceToken = token } }

// WithProduction hides provider diagnostics from error responses.
func WithProduction(production bool) Option { return func(h *Handler) { h.production = production } }

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

func WithLogger(l log.FieldLogger) Option { return func(h *Handler) { h.log = l } }

func NewHandler(orch Completer, opts ...Option) *Handler {
	h := &Handler{
		orch:   orch,
		checks: make(map[string]HealthCheck),
		log:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the public endpoints.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(Identify(h.serviceToken))

	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(SameOrigin)
		r.Post("/api/improve-text", h.HandleImprove)
		r.Post("/api/teacher", h.HandleTeacher)
	})
	return r
}

type improveRequest struct {
	Text        string `json:"text"`
	Language    string `json:"language"`
	Temperature any    `json:"temperature"`
	MaxTokens   any    `json:"maxTokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type teacherRequest struct {
	Messages    []chatMessage `json:"messages"`
	Language    string        `json:"language"`
	Temperature any           `json:"temperature"`
	MaxTokens   any           `json:"maxTokens"`
}

type completionResponse struct {
	Output    string `json:"output"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) HandleImprove(w http.ResponseWriter, r *http.Request) {
	var body improveRequest
	if err := decode(w, r, &body); err != nil {
		h.writeBadRequest(w, body.Language, err)
		return
	}

	temperature, maxTokens := numericHints(body.Temperature, body.MaxTokens)
	h.complete(w, r, body.Language, &orchestrator.Request{
		Text:        body.Text,
		Language:    body.Language,
		Mode:        orchestrator.ModeImprove,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
}

// HandleTeacher takes a chat transcript; the last message is the prompt to
// review and the earlier ones are history.
func (h *Handler) HandleTeacher(w http.ResponseWriter, r *http.Request) {
	var body teacherRequest
	if err := decode(w, r, &body); err != nil {
		h.writeBadRequest(w, body.Language, err)
		return
	}
	if len(body.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: localized(body.Language, msgMessagesRequired), Kind: "validation"})
		return
	}

	history := make([]provider.Message, 0, len(body.Messages)-1)
	for _, m := range body.Messages[:len(body.Messages)-1] {
		role := "assistant"
		if m.Role == "user" {
			role = "user"
		}
		history = append(history, provider.Message{Role: role, Content: m.Content})
	}

	temperature, maxTokens := numericHints(body.Temperature, body.MaxTokens)
	h.complete(w, r, body.Language, &orchestrator.Request{
		Text:        body.Messages[len(body.Messages)-1].Content,
		Language:    body.Language,
		Mode:        orchestrator.ModeTeach,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		History:     history,
	})
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request, lang string, req *orchestrator.Request) {
	ctx := r.Context()
	req.RequestID = GetRequestID(ctx)
	req.Override = h.override(ctx, r)

	res, err := h.orch.Orchestrate(ctx, req, GetIdentity(ctx))
	if err != nil {
		h.writeError(w, lang, req.RequestID, err)
		return
	}

	writeJSON(w, http.StatusOK, completionResponse{
		Output:    res.Output,
		Provider:  res.Provider,
		Model:     res.Model,
		RequestID: req.RequestID,
	})
}

// override collects caller-supplied keys: request headers first, then the
// user's saved settings. A failing store is logged and ignored.
func (h *Handler) override(ctx context.Context, r *http.Request) credentials.Credentials {
	creds := credentials.FromHeaders(r.Header)
	userID := GetUserID(ctx)
	if h.store == nil || userID == "" {
		return creds
	}

	saved, err := h.store.GetByUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, credentials.ErrNotFound) {
			h.log.WithFields(log.Fields{
				"request_id": GetRequestID(ctx),
				"user_id":    userID,
				"error":      err,
			}).Warn("api: credential store lookup failed")
		}
		return creds
	}
	return creds.Merge(saved)
}

func (h *Handler) writeError(w http.ResponseWriter, lang, requestID string, err error) {
	status, msg, kind := classify(err)

	var rerr *orchestrator.RateLimitedError
	if errors.As(err, &rerr) {
		setRateLimitHeaders(w, rerr)
	}

	entry := h.log.WithFields(log.Fields{
		"request_id": requestID,
		"status":     status,
		"kind":       kind,
		"error":      err,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("api: completion failed")
	} else {
		entry.Info("api: completion rejected")
	}

	body := errorBody{Error: localized(lang, msg), Kind: kind}
	if !h.production {
		body.Detail = err.Error()
	}
	writeJSON(w, status, body)
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, lang string, err error) {
	body := errorBody{Error: localized(lang, msgBadRequest), Kind: "bad_request"}
	if !h.production {
		body.Detail = err.Error()
	}
	writeJSON(w, http.StatusBadRequest, body)
}

// HandleHealth reports ok, or 503 when a registered dependency is down.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := map[string]string{"status": "ok", "service": "promptmaster"}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
			resp[name] = "unreachable"
			continue
		}
		resp[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// numericHints keeps only JSON numbers; anything else means "use the default".
func numericHints(temperature, maxTokens any) (*float64, *int) {
	var t *float64
	var m *int
	if v, ok := temperature.(float64); ok {
		t = &v
	}
	if v, ok := maxTokens.(float64); ok {
		// Bound before converting; out-of-range float to int is undefined.
		n := int(math.Max(-1e9, math.Min(v, 1e9)))
		m = &n
	}
	return t, m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
