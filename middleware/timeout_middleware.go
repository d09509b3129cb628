package middleware

import (
	"context"
	"time"

	"pipelink/wire"
)

// TimeoutMiddleware bounds how long a single call may run. On expiry the
// caller gets an unavailable error; the handler goroutine keeps running until
// it observes the canceled context, its late response is discarded.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) *wire.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *wire.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &wire.Response{
					ID:  req.ID,
					Err: wire.NewCallError(wire.KindUnavailable, "call timed out"),
				}
			}
		}
	}
}
