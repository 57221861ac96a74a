// Package server implements the call dispatcher: method registration, a middleware chain,
// parallel call processing and graceful shutdown.
//
// Call processing pipeline:
//
//	Accept conn → ServeConn (single goroutine reads frames through a resumable decoder)
//	  → for each call: go handleCall (parallel processing)
//	    → Middleware Chain → businessHandler (unary or stream) → send frames → terminal frame
package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"local-rpc/codec"
	"local-rpc/config"
	"local-rpc/middleware"
	"local-rpc/protocol"
	"local-rpc/transport"
)

// Server dispatches calls arriving on any number of connections to registered handlers.
type Server struct {
	log             *zap.Logger
	maxFrameSize    uint32
	shutdownTimeout time.Duration
	codec           codec.Codec // Used by RegisterService

	mu          sync.Mutex
	handlers    map[string]Handler // Frozen once started is set; read without locks afterwards
	middlewares []middleware.Middleware
	limits      []middleware.Middleware // From WithConfig; always innermost
	listeners   map[net.Listener]struct{}
	conns       map[*serverConn]struct{}

	startOnce sync.Once
	started   atomic.Bool
	shutdown  atomic.Bool            // Set during shutdown to suppress Accept errors and refuse new calls
	handler   middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	wg        sync.WaitGroup         // Tracks in-flight calls for graceful shutdown
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMaxFrameSize(n uint32) Option {
	return func(s *Server) { s.maxFrameSize = n }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// WithCodec sets the payload codec used by services registered through RegisterService.
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithMiddleware appends middlewares, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// WithConfig applies a ServerConfig. A positive RateLimit installs the rate limiter and
// a positive HandlerTimeout the timeout middleware. Both run inside every middleware
// added with WithMiddleware or Use, regardless of option order.
func WithConfig(cfg config.ServerConfig) Option {
	return func(s *Server) {
		if cfg.MaxFrameSize > 0 {
			s.maxFrameSize = cfg.MaxFrameSize
		}
		if cfg.ShutdownTimeout > 0 {
			s.shutdownTimeout = cfg.ShutdownTimeout
		}
		s.limits = nil
		if cfg.RateLimit > 0 {
			s.limits = append(s.limits, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
		}
		if cfg.HandlerTimeout > 0 {
			s.limits = append(s.limits, middleware.TimeOutMiddleware(cfg.HandlerTimeout))
		}
	}
}

// NewServer creates a server with no registered methods.
func NewServer(opts ...Option) *Server {
	defaults := config.DefaultServerConfig()
	s := &Server{
		log:             zap.NewNop(),
		maxFrameSize:    defaults.MaxFrameSize,
		shutdownTimeout: defaults.ShutdownTimeout,
		codec:           codec.GetCodec(codec.CodecTypeJSON),
		handlers:        make(map[string]Handler),
		listeners:       make(map[net.Listener]struct{}),
		conns:           make(map[*serverConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a handler for method. Method names are unique and the set is frozen
// as soon as the server starts serving.
func (s *Server) Register(method string, h Handler) error {
	return s.registerAll(map[string]Handler{method: h})
}

// registerAll adds every handler or none of them.
func (s *Server) registerAll(hs map[string]Handler) error {
	names := slices.Sorted(maps.Keys(hs))
	for _, method := range names {
		if method == "" || len(method) > protocol.MaxMethodLen {
			return fmt.Errorf("rpc: invalid method name %q", method)
		}
		if !hs[method].valid() {
			return fmt.Errorf("rpc: invalid handler for %s", method)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return ErrServerStarted
	}
	for _, method := range names {
		if _, ok := s.handlers[method]; ok {
			return &DuplicateMethodError{Method: method}
		}
	}
	for _, method := range names {
		s.handlers[method] = hs[method]
	}
	return nil
}

func (s *Server) RegisterUnary(method string, fn UnaryFunc) error {
	return s.Register(method, Unary(fn))
}

func (s *Server) RegisterStream(method string, fn StreamFunc) error {
	return s.Register(method, ServerStream(fn))
}

// Use registers a middleware. Middlewares are applied in the order they are added
// and must be added before the server starts.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		s.log.Warn("middleware added after start is ignored")
		return
	}
	s.middlewares = append(s.middlewares, mw)
}

// Methods returns the number of registered methods.
func (s *Server) Methods() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// start freezes registration and builds the middleware chain once (not per call).
// Chain wraps middlewares in reverse order to create the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func (s *Server) start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		mws := append(slices.Clone(s.middlewares), s.limits...)
		s.handler = middleware.Chain(mws...)(s.businessHandler)
		s.started.Store(true)
	})
}

// ListenAndServe binds endpoint (a socket path or pipe name, see transport.ParseEndpoint)
// and serves it until Shutdown.
func (s *Server) ListenAndServe(endpoint string) error {
	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	lis, err := transport.Listen(ep)
	if err != nil {
		return err
	}
	s.log.Info("listening", zap.Stringer("endpoint", ep))
	return s.Serve(lis)
}

// Serve accepts connections on lis, one goroutine per connection. It returns nil
// after Shutdown and the Accept error otherwise.
func (s *Server) Serve(lis net.Listener) error {
	s.start()

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.listeners[lis] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, lis)
		s.mu.Unlock()
	}()

	for {
		nc, err := lis.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.ServeConn(nc)
	}
}

// ServeConn serves a single connection and blocks until it is closed.
func (s *Server) ServeConn(nc net.Conn) {
	s.start()

	sc := newServerConn(s, nc)
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		sc.close()
		return
	}
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
	}()
	sc.serve()
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept errors are recognized as intentional and new calls
//     are answered with StatusUnavailable)
//  2. Close the listeners (stop accepting new connections)
//  3. Wait for in-flight calls to finish (with timeout; <= 0 uses the configured one)
//  4. Close every connection
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.shutdownTimeout
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	for lis := range s.listeners {
		lis.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("rpc: timeout waiting for ongoing calls to finish")
	}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		sc.close()
	}
	return err
}

// beginCall registers an in-flight call unless the server is shutting down.
// The flag is checked under mu so no Add can race with the Wait in Shutdown.
func (s *Server) beginCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// businessHandler is the innermost handler wrapped by the middleware chain.
// Unary results are passed to send exactly once; stream handlers send themselves.
func (s *Server) businessHandler(ctx context.Context, req *middleware.Request, send middleware.Sender) error {
	h := s.handlers[req.Method]
	switch h.kind {
	case protocol.KindUnary:
		resp, err := h.unary(ctx, req.Payload)
		if err != nil {
			return err
		}
		return send(resp)
	case protocol.KindStream:
		return h.stream(ctx, req.Payload, send)
	default:
		return Errorf(protocol.StatusUnknownMethod, "unknown method %q", req.Method)
	}
}
