// Package echo is the Echo service: a unary echo and a server-streaming echo, served
// over a local endpoint. It doubles as the end-to-end exercise of the server and
// client packages.
package echo

import (
	"context"
	"time"

	"go.uber.org/zap"

	"local-rpc/logger"
	"local-rpc/server"
)

// ServiceName prefixes the typed methods: "Echo.UnaryEcho", "Echo.ServerStreamingEcho".
const ServiceName = "Echo"

// Raw method names, payloads passed through untouched.
const (
	MethodEcho  = "Echo"
	MethodEchoN = "EchoN"
)

type Request struct {
	Message string `json:"message"`
}

type Response struct {
	Message string `json:"message"`
}

type Service struct {
	Interval time.Duration // pause between streamed characters
	Repeat   int           // responses per EchoN call, 2 when zero
	Log      *zap.Logger
}

func (s *Service) logger() *zap.Logger {
	return logger.OrNop(s.Log)
}

func (s *Service) UnaryEcho(ctx context.Context, req *Request, resp *Response) error {
	s.logger().Debug("UnaryEcho", zap.String("message", req.Message))
	resp.Message = req.Message
	return nil
}

// ServerStreamingEcho sends the message back one character at a time.
func (s *Service) ServerStreamingEcho(ctx context.Context, req *Request, send func(*Response) error) error {
	s.logger().Debug("ServerStreamingEcho", zap.String("message", req.Message))
	for i, c := range []rune(req.Message) {
		if i > 0 && s.Interval > 0 {
			select {
			case <-time.After(s.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := send(&Response{Message: string(c)}); err != nil {
			return err
		}
	}
	s.logger().Debug("ServerStreamingEcho done sending")
	return nil
}

func (s *Service) echo(ctx context.Context, req []byte) ([]byte, error) {
	return req, nil
}

func (s *Service) echoN(ctx context.Context, req []byte, send func([]byte) error) error {
	n := s.Repeat
	if n <= 0 {
		n = 2
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := send(req); err != nil {
			return err
		}
	}
	return nil
}

// Register adds every Echo method to srv.
func Register(srv *server.Server, svc *Service) error {
	if err := srv.RegisterName(ServiceName, svc); err != nil {
		return err
	}
	if err := srv.RegisterUnary(MethodEcho, svc.echo); err != nil {
		return err
	}
	return srv.RegisterStream(MethodEchoN, svc.echoN)
}
