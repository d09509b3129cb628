// Package middleware wraps the request handler a dispatcher runs for each
// incoming call. Middleware runs on the serving side only; a synthesized
// response must carry the request id so the peer can still correlate it.
package middleware

import (
	"context"

	"pipelink/wire"
)

// HandlerFunc consumes an incoming call and produces its response.
type HandlerFunc func(ctx context.Context, req *wire.Request) *wire.Response

// Middleware wraps a HandlerFunc with extra behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one. The first listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
