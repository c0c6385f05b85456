package archive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client implementations wrap these to tell the archive what went wrong.
var (
	ErrUnauthorized = errors.New("not authorized")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limited")
	ErrNetwork      = errors.New("network error")
	ErrMalformed    = errors.New("malformed response")
	ErrNotFound     = errors.New("not found")
)

// RetryAfterError is a rate limit with a server-provided wait.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}

func (e *RetryAfterError) Unwrap() error {
	return ErrRateLimited
}

// AuthenticationError means the session is missing or revoked. It stops
// the scheduler.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// TransientFetchError is retried with backoff. RetryAfter is zero unless
// the client reported a wait.
type TransientFetchError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientFetchError) Error() string {
	return "transient fetch failure: " + e.Err.Error()
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// PermissionError means the account can't read the chat.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Err.Error()
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// FatalFetchError covers malformed responses and unresolvable chats.
type FatalFetchError struct {
	Err error
}

func (e *FatalFetchError) Error() string {
	return e.Err.Error()
}

func (e *FatalFetchError) Unwrap() error {
	return e.Err
}

// classify maps a client error into the taxonomy. Unknown errors are
// treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var authErr *AuthenticationError
	var transientErr *TransientFetchError
	var permErr *PermissionError
	var fatalErr *FatalFetchError
	var retryErr *RetryAfterError
	var netErr net.Error
	switch {
	case errors.As(err, &authErr), errors.As(err, &transientErr),
		errors.As(err, &permErr), errors.As(err, &fatalErr):
		return err
	case errors.Is(err, ErrUnauthorized):
		return &AuthenticationError{Err: err}
	case errors.Is(err, ErrForbidden):
		return &PermissionError{Err: err}
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrNotFound):
		return &FatalFetchError{Err: err}
	case errors.As(err, &retryErr):
		return &TransientFetchError{Err: err, RetryAfter: retryErr.After}
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrNetwork), errors.As(err, &netErr):
		return &TransientFetchError{Err: err}
	default:
		return &TransientFetchError{Err: err}
	}
}

// clientError classifies err unless it was caused by ctx ending, in which
// case the context error is returned as is.
func clientError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classify(err)
}

// failureReason formats an error for sync_jobs.last_error, prefixed with
// its taxonomy name.
func failureReason(err error) string {
	var authErr *AuthenticationError
	var transientErr *TransientFetchError
	var permErr *PermissionError
	var fatalErr *FatalFetchError
	switch {
	case errors.As(err, &authErr):
		return "AuthenticationError: " + authErr.Err.Error()
	case errors.As(err, &permErr):
		return "PermissionError: " + permErr.Err.Error()
	case errors.As(err, &transientErr):
		return "TransientFetchError: " + transientErr.Err.Error()
	case errors.As(err, &fatalErr):
		return "FatalFetchError: " + fatalErr.Err.Error()
	default:
		return err.Error()
	}
}
