package provider

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 5 * time.Second

// Do sends httpReq bounded by timeout. A failure caused by the caller's
// context is returned as ctx.Err() so callers can stop instead of falling back.
func Do(ctx context.Context, client *http.Client, httpReq *http.Request, timeout time.Duration, name, model string) (*http.Response, context.CancelFunc, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := client.Do(httpReq.WithContext(callCtx))
	if err != nil {
		cancel()
		return nil, func() {}, TransportError(ctx, name, model, err)
	}
	return resp, cancel, nil
}

// TransportError classifies an error that happened before a response was read.
func TransportError(ctx context.Context, name, model string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &Error{Provider: name, Model: model, Kind: KindTransient, Message: msg, Err: err}
}

// StatusKind is the default classification of a non-200 status.
func StatusKind(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindQuotaExceeded
	case status == http.StatusRequestTimeout || status >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}
