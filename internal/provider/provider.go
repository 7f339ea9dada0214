package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Request struct {
	// Model pins a single model; empty lets the provider use its own list.
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// APIKey is resolved per request so adapters stay stateless.
	APIKey    string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// Kind classifies a failed provider call for fallback decisions.
type Kind int

const (
	KindTransient Kind = iota // timeout, network failure, empty output, 5xx
	KindQuotaExceeded
	KindFatal // rejected by the provider; switching models will not help
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the only error type adapters return, apart from a cancelled caller context.
type Error struct {
	Provider   string
	Model      string
	Kind       Kind
	StatusCode int
	Message    string // original provider text, for diagnostics only
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%s): %s error (status %d): %s", e.Provider, e.Model, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s error: %s", e.Provider, e.Model, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindFatal for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindFatal
}

// ErrEmptyResponse marks a successful call that produced no text.
var ErrEmptyResponse = errors.New("provider returned an empty completion")

// Outcome is the result of one tier attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	OutcomeTransient     Outcome = "transient_error"
	OutcomeFatal         Outcome = "fatal_error"
	OutcomeSkipped       Outcome = "skipped"
)

// OutcomeOf maps a call result onto an Outcome.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch KindOf(err) {
	case KindQuotaExceeded:
		return OutcomeQuotaExceeded
	case KindTransient:
		return OutcomeTransient
	default:
		return OutcomeFatal
	}
}

type Attempt struct {
	Provider  string
	Model     string
	StartedAt time.Time
	Latency   time.Duration
	Outcome   Outcome
	Err       error
}
