// Package orchestrator turns a user's text into one bounded, rate-limited
// completion: primary provider first, fallback provider second.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/promptmaster/internal/budget"
	"github.com/vnmchuo/promptmaster/internal/credentials"
	"github.com/vnmchuo/promptmaster/internal/provider"
	"github.com/vnmchuo/promptmaster/pkg/ratelimit"
)

type Mode string

const (
	ModeImprove Mode = "improve"
	ModeTeach   Mode = "teach"
)

// ParseMode accepts "improve", "teach" and the route alias "teacher".
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "improve":
		return ModeImprove, true
	case "teach", "teacher":
		return ModeTeach, true
	}
	return "", false
}

// Tier names the position of the provider that produced a result.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

type Request struct {
	Text        string
	Language    string
	Mode        Mode
	Temperature *float64
	MaxTokens   *int
	// History is earlier turns of a teach conversation, oldest first.
	History   []provider.Message
	Override  credentials.Credentials
	RequestID string
}

type Result struct {
	Output   string
	Tier     Tier
	Provider string
	Model    string
	Attempts []provider.Attempt
}

// Limit is the admission budget for one mode.
type Limit struct {
	Max    int
	Window time.Duration
}

// TokenGate charges an output-token allowance against an identity.
type TokenGate interface {
	AllowTokens(ctx context.Context, identity string, tokens int) bool
	RetryAfterSeconds() int
}

type Orchestrator struct {
	primary  provider.Provider
	fallback provider.Provider
	limiter  *ratelimit.Limiter
	resolver *credentials.Resolver

	limits          map[Mode]Limit
	tokens          TokenGate
	validPrimaryKey func(string) bool
	fallbackModel   string
	maxInputChars   int

	breakerFailures uint32
	breakerTimeout  time.Duration
	breakers        map[Tier]*gobreaker.CircuitBreaker

	tracer trace.Tracer
	log    log.FieldLogger
	now    func() time.Time
}

type Option func(*Orchestrator)

func WithLimit(mode Mode, l Limit) Option {
	return func(o *Orchestrator) { o.limits[mode] = l }
}

// WithTokenGate enables the tokens-per-minute check after budgeting.
func WithTokenGate(g TokenGate) Option { return func(o *Orchestrator) { o.tokens = g } }

// WithPrimaryKeyCheck sets the well-formedness test for primary keys.
func WithPrimaryKeyCheck(fn func(string) bool) Option {
	return func(o *Orchestrator) { o.validPrimaryKey = fn }
}

func WithFallbackModel(model string) Option { return func(o *Orchestrator) { o.fallbackModel = model } }

// WithMaxInputChars rejects longer input. Zero disables the check.
func WithMaxInputChars(n int) Option { return func(o *Orchestrator) { o.maxInputChars = n } }

// WithBreaker configures the circuit breakers guarding tiers that run on
// process-wide keys.
func WithBreaker(consecutiveFailures uint32, openFor time.Duration) Option {
	return func(o *Orchestrator) {
		o.breakerFailures = consecutiveFailures
		o.breakerTimeout = openFor
	}
}

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

func WithLogger(l log.FieldLogger) Option { return func(o *Orchestrator) { o.log = l } }

// New builds an Orchestrator. Either provider may be nil, in which case its
// tier is never tried.
func New(primary, fallback provider.Provider, limiter *ratelimit.Limiter, resolver *credentials.Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		primary:  primary,
		fallback: fallback,
		limiter:  limiter,
		resolver: resolver,
		limits: map[Mode]Limit{
			ModeImprove: {Max: 20, Window: time.Minute},
			ModeTeach:   {Max: 20, Window: time.Minute},
		},
		validPrimaryKey: func(key string) bool { return key != "" },
		breakerFailures: 3,
		breakerTimeout:  30 * time.Second,
		tracer:          noop.NewTracerProvider().Tracer(""),
		log:             log.StandardLogger(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.breakers = map[Tier]*gobreaker.CircuitBreaker{
		TierPrimary:  o.newBreaker(TierPrimary),
		TierFallback: o.newBreaker(TierFallback),
	}
	return o
}

func (o *Orchestrator) newBreaker(tier Tier) *gobreaker.CircuitBreaker {
	failures := o.breakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(tier),
		MaxRequests: 1,
		Timeout:     o.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.log.WithFields(log.Fields{
				"tier": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("orchestrator: circuit breaker state changed")
		},
	})
}

// breakerSuccess reports whether an outcome leaves the breaker's failure
// streak alone. Only provider-side outages count against it; failures caused
// by the request itself must not open the tier for every caller.
func breakerSuccess(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, provider.ErrEmptyResponse):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return provider.KindOf(err) != provider.KindTransient
}

// Orchestrate validates req, admits it for identity and runs the provider
// tiers in order. Errors are *ValidationError, *RateLimitedError,
// *NoProviderAvailableError, a *provider.Error from the fallback tier, or the
// context's error when the caller gave up.
func (o *Orchestrator) Orchestrate(ctx context.Context, req *Request, identity string) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.orchestrate")
	defer span.End()

	text, history, err := o.validate(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	lang := NormalizeLanguage(req.Language)
	span.SetAttributes(
		attribute.String("mode", string(req.Mode)),
		attribute.String("language", lang),
		attribute.String("request_id", req.RequestID),
	)

	limit := o.limits[req.Mode]
	decision := o.limiter.Admit(ctx, string(req.Mode)+":"+identity, limit.Max, limit.Window)
	if !decision.Allowed {
		span.SetStatus(codes.Error, "rate limited")
		return nil, &RateLimitedError{
			RetryAfterSeconds: decision.RetryAfterSeconds,
			Limit:             decision.Limit,
			Remaining:         decision.Remaining,
			ResetAt:           decision.ResetAt,
		}
	}

	maxTokens := budget.ComputeMaxTokens(utf8.RuneCountInString(text), req.MaxTokens)
	temperature := budget.Temperature(req.Temperature, defaultTemperature(req.Mode))
	span.SetAttributes(
		attribute.Int("max_tokens", maxTokens),
		attribute.Float64("temperature", temperature),
	)

	if o.tokens != nil && !o.tokens.AllowTokens(ctx, identity, maxTokens) {
		retry := o.tokens.RetryAfterSeconds()
		span.SetStatus(codes.Error, "token rate limited")
		return nil, &RateLimitedError{
			RetryAfterSeconds: retry,
			Limit:             decision.Limit,
			Remaining:         decision.Remaining,
			ResetAt:           o.now().Add(time.Duration(retry) * time.Second),
		}
	}

	creds := o.resolver.Resolve(req.Override)
	var attempts []provider.Attempt
	var lastErr error

	switch {
	case o.primary == nil || creds.PrimaryKey == "":
	case !o.validPrimaryKey(creds.PrimaryKey):
		o.log.WithFields(log.Fields{
			"request_id": req.RequestID,
			"provider":   o.primary.Name(),
		}).Warn("orchestrator: primary key is malformed, skipping tier")
		attempts = append(attempts, provider.Attempt{
			Provider:  o.primary.Name(),
			StartedAt: o.now(),
			Outcome:   provider.OutcomeSkipped,
		})
	default:
		preq := &provider.Request{
			Messages:    primaryMessages(req.Mode, text, lang, history),
			MaxTokens:   maxTokens,
			Temperature: temperature,
			APIKey:      creds.PrimaryKey,
			RequestID:   req.RequestID,
		}
		resp, attempt, err := o.runTier(ctx, TierPrimary, o.primary, preq, !creds.PrimaryOverridden)
		attempts = append(attempts, attempt)
		if err == nil {
			return o.result(span, TierPrimary, resp, attempts), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, ctxErr.Error())
			return nil, ctxErr
		}
		lastErr = err
	}

	if o.fallback != nil && creds.FallbackKey != "" {
		freq := &provider.Request{
			Model:       o.fallbackModel,
			Messages:    fallbackMessages(req.Mode, text, lang, history),
			MaxTokens:   maxTokens,
			Temperature: temperature,
			APIKey:      creds.FallbackKey,
			RequestID:   req.RequestID,
		}
		resp, attempt, err := o.runTier(ctx, TierFallback, o.fallback, freq, !creds.FallbackOverridden)
		attempts = append(attempts, attempt)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return o.result(span, TierFallback, resp, attempts), nil
	}

	noProvider := &NoProviderAvailableError{Cause: lastErr}
	span.SetStatus(codes.Error, noProvider.Error())
	return nil, noProvider
}

func (o *Orchestrator) validate(req *Request) (string, []provider.Message, error) {
	if req == nil {
		return "", nil, &ValidationError{Field: "request", Message: "is required"}
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", nil, &ValidationError{Field: "text", Message: "is required"}
	}
	if req.Mode != ModeImprove && req.Mode != ModeTeach {
		return "", nil, &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	if o.maxInputChars > 0 && utf8.RuneCountInString(text) > o.maxInputChars {
		return "", nil, &ValidationError{Field: "text", Message: fmt.Sprintf("exceeds %d characters", o.maxInputChars)}
	}
	if req.Mode != ModeTeach {
		return text, nil, nil
	}

	history := make([]provider.Message, 0, len(req.History))
	for i, m := range req.History {
		if m.Role != "user" && m.Role != "assistant" {
			return "", nil, &ValidationError{Field: fmt.Sprintf("history[%d].role", i), Message: fmt.Sprintf("unknown role %q", m.Role)}
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		history = append(history, m)
	}
	return text, history, nil
}

// runTier makes one tier attempt. Tiers on process-wide keys go through the
// tier's breaker; an open breaker reads as a transient failure.
func (o *Orchestrator) runTier(ctx context.Context, tier Tier, p provider.Provider, req *provider.Request, guarded bool) (*provider.Response, provider.Attempt, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.tier", trace.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("provider", p.Name()),
		attribute.Bool("breaker", guarded),
	))
	defer span.End()

	attempt := provider.Attempt{Provider: p.Name(), Model: req.Model, StartedAt: o.now()}

	call := func() (*provider.Response, error) {
		resp, err := p.Complete(ctx, req)
		if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
			return nil, &provider.Error{
				Provider: p.Name(),
				Model:    req.Model,
				Kind:     provider.KindTransient,
				Message:  "empty completion",
				Err:      provider.ErrEmptyResponse,
			}
		}
		return resp, err
	}

	var resp *provider.Response
	var err error
	if guarded {
		var out interface{}
		out, err = o.breakers[tier].Execute(func() (interface{}, error) { return call() })
		switch {
		case err == nil:
			resp = out.(*provider.Response)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			err = &provider.Error{
				Provider: p.Name(),
				Model:    req.Model,
				Kind:     provider.KindTransient,
				Message:  "circuit breaker open",
				Err:      err,
			}
		}
	} else {
		resp, err = call()
	}

	attempt.Latency = o.now().Sub(attempt.StartedAt)
	attempt.Outcome = provider.OutcomeOf(err)
	attempt.Err = err
	if resp != nil {
		attempt.Model = resp.Model
	} else {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.Model != "" {
			attempt.Model = perr.Model
		}
	}

	fields := log.Fields{
		"request_id": req.RequestID,
		"tier":       tier,
		"provider":   attempt.Provider,
		"model":      attempt.Model,
		"outcome":    attempt.Outcome,
		"latency_ms": attempt.Latency.Milliseconds(),
	}
	span.SetAttributes(
		attribute.String("model", attempt.Model),
		attribute.String("outcome", string(attempt.Outcome)),
	)
	if err != nil {
		fields["error"] = err
		o.log.WithFields(fields).Warn("orchestrator: tier failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, attempt, err
	}
	o.log.WithFields(fields).Info("orchestrator: tier succeeded")
	return resp, attempt, nil
}

func (o *Orchestrator) result(span trace.Span, tier Tier, resp *provider.Response, attempts []provider.Attempt) *Result {
	span.SetAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("provider", resp.Provider),
		attribute.String("model", resp.Model),
	)
	return &Result{
		Output:   strings.TrimSpace(resp.Content),
		Tier:     tier,
		Provider: resp.Provider,
		Model:    resp.Model,
		Attempts: attempts,
	}
}

func defaultTemperature(mode Mode) float64 {
	if mode == ModeTeach {
		return budget.DefaultTeachTemperature
	}
	return budget.DefaultImproveTemperature
}
