package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"pipelink/wire"
)

// RateLimitMiddleware rejects calls above a token-bucket rate with an
// unavailable error. Rejected calls never reach the object registry, so the
// caller can tell throttling apart from an application failure.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) *wire.Response {
			if !limiter.Allow() {
				return &wire.Response{
					ID:  req.ID,
					Err: wire.NewCallError(wire.KindUnavailable, "rate limit exceeded"),
				}
			}
			return next(ctx, req)
		}
	}
}
