// Package ratelimiter wraps the token-bucket limiter shared by callers that
// pace outbound exchange requests.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter gates an operation behind a rate budget.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket is a Limiter backed by golang.org/x/time/rate.
type TokenBucket struct {
	l *rate.Limiter
}

var _ Limiter = (*TokenBucket)(nil)

// New creates a token bucket refilling at perSecond with the given burst
// capacity.
func New(perSecond float64, burst int) *TokenBucket {
	return &TokenBucket{l: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a token is available or the context is cancelled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.l.Wait(ctx)
}
