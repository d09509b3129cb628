package middleware

import (
	"context"
	"time"

	"pipelink/logging"
	"pipelink/wire"
)

// LoggingMiddleware records every served call with its duration. Failed calls
// are logged at warn level with the error kind, successful ones at debug.
func LoggingMiddleware(log logging.Logger) Middleware {
	if log == nil {
		log = logging.NopLogger{}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) *wire.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp != nil && resp.Err != nil {
				log.Warn("call failed",
					"function", req.Function,
					"object_id", req.ProxyID,
					"duration", duration.String(),
					"error_kind", string(resp.Err.Kind),
					"error", resp.Err.Message)
			} else {
				log.Debug("call served",
					"function", req.Function,
					"object_id", req.ProxyID,
					"duration", duration.String())
			}
			return resp
		}
	}
}
