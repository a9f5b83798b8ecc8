// Package dispatch routes generation requests across the account pool. It
// owns the retry state machine, per-account backoff and failure tracking and
// the thinking warmup.
package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Error classes. Only ErrNoAccounts, ErrTokenInvalid, ErrAllAccountsExhausted
// and ErrCancelled are returned to callers; the rest are recovered inside the
// retry loop and show up in attempt events.
var (
	ErrRateLimited          = errors.New("rate limited")
	ErrUpstreamTransient    = errors.New("upstream transient error")
	ErrTransport            = errors.New("transport error")
	ErrTokenInvalid         = errors.New("token invalid")
	ErrTokenRefreshFailed   = errors.New("token refresh failed")
	ErrAllAccountsExhausted = errors.New("all accounts exhausted")
	ErrCancelled            = errors.New("request cancelled")
	ErrNoAccounts           = errors.New("no accounts configured")
)

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
