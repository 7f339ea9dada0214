// Package credentials decides which provider keys a request may use.
package credentials

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Header names a client may use to bring its own keys.
const (
	HeaderGeminiKey     = "X-Gemini-Api-Key"
	HeaderOpenRouterKey = "X-OpenRouter-Api-Key"
)

var ErrNotFound = errors.New("credentials not found")

// Credentials holds provider keys. An empty field means "not configured".
type Credentials struct {
	PrimaryKey  string
	FallbackKey string

	// Set by Resolve when the key came from the per-request override.
	PrimaryOverridden  bool
	FallbackOverridden bool
}

// Store looks up a user's saved keys.
type Store interface {
	GetByUser(ctx context.Context, userID string) (Credentials, error)
}

// Resolver merges per-request overrides over the process-wide defaults.
// It is built once at start and never mutated.
type Resolver struct {
	defaults Credentials
}

func NewResolver(defaults Credentials) *Resolver {
	return &Resolver{defaults: Credentials{
		PrimaryKey:  strings.TrimSpace(defaults.PrimaryKey),
		FallbackKey: strings.TrimSpace(defaults.FallbackKey),
	}}
}

// Resolve applies override-first, default-second per field. A field that is
// missing from both stays empty; that is reported later as no provider.
func (r *Resolver) Resolve(override Credentials) Credentials {
	out := r.defaults
	if key := strings.TrimSpace(override.PrimaryKey); key != "" {
		out.PrimaryKey = key
		out.PrimaryOverridden = true
	}
	if key := strings.TrimSpace(override.FallbackKey); key != "" {
		out.FallbackKey = key
		out.FallbackOverridden = true
	}
	return out
}

// FromHeaders reads keys the caller supplied with the request.
func FromHeaders(h http.Header) Credentials {
	return Credentials{
		PrimaryKey:  strings.TrimSpace(h.Get(HeaderGeminiKey)),
		FallbackKey: strings.TrimSpace(h.Get(HeaderOpenRouterKey)),
	}
}

// Merge fills empty fields of c from other.
func (c Credentials) Merge(other Credentials) Credentials {
	if c.PrimaryKey == "" {
		c.PrimaryKey = other.PrimaryKey
	}
	if c.FallbackKey == "" {
		c.FallbackKey = other.FallbackKey
	}
	return c
}
