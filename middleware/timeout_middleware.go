package middleware

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware fails the call once timeout elapses. The handler keeps running
// in the background until it notices ctx; anything it sends after the timeout is
// rejected by the server.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request, send Sender) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, req, send)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ErrTimeout
				}
				return ctx.Err()
			}
		}
	}
}
