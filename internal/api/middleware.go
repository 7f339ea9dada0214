package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	identityKey  contextKey = "identity"
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

// HeaderUserID names the end user on whose behalf a first-party service calls.
// It is honoured only together with a valid HeaderServiceToken.
const (
	HeaderUserID       = "X-User-ID"
	HeaderServiceToken = "X-Service-Token"
)

// Identify tags each request with a request ID and the identity the rate
// limiter keys on: the user ID when a caller holding serviceToken supplies
// one, the client IP otherwise. An empty serviceToken trusts no caller.
func Identify(serviceToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			identity := ClientIP(r)
			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID != "" && trustedService(r, serviceToken) {
				ctx = context.WithValue(ctx, userIDKey, userID)
				identity = "user:" + userID
			}
			ctx = context.WithValue(ctx, identityKey, identity)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func trustedService(r *http.Request, serviceToken string) bool {
	if serviceToken == "" {
		return false
	}
	got := r.Header.Get(HeaderServiceToken)
	return subtle.ConstantTimeCompare([]byte(got), []byte(serviceToken)) == 1
}

// SameOrigin rejects browser requests whose Origin names another host.
// Requests without Origin or Host pass.
func SameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isSameOrigin(r) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: localized(DefaultLanguage, msgForbidden)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || r.Host == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Host == r.Host
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func GetIdentity(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey).(string); ok {
		return id
	}
	return "unknown"
}

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
