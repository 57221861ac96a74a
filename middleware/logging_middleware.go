package middleware

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request, send Sender) error {
			start := time.Now()
			// Sends may outlive this call when a timeout wraps the handler.
			var sent atomic.Int64
			err := next(ctx, req, func(payload []byte) error {
				sent.Add(1)
				return send(payload)
			})

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Stringer("kind", req.Kind),
				zap.String("conn", req.ConnID),
				zap.Uint32("seq", req.Seq),
				zap.Int64("sent", sent.Load()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("call failed", append(fields, zap.Error(err))...)
			} else {
				log.Info("call handled", fields...)
			}
			return err
		}
	}
}
