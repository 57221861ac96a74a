// Package client implements the calling side: unary calls, server-streaming calls and
// the lifecycle of the single connection they share.
//
// A Client connects lazily. Concurrent calls that find no live connection trigger
// exactly one dial and all wait for its outcome. A connection lost to an IO or
// protocol failure is discarded and the next call dials again; an explicit Close
// keeps the client closed until EnsureConnected is called.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"local-rpc/codec"
	"local-rpc/config"
	"local-rpc/protocol"
	"local-rpc/transport"
)

// DialFunc opens a connection to ep. transport.Dial is the default.
type DialFunc func(ctx context.Context, ep transport.Endpoint) (net.Conn, error)

type Client struct {
	endpoint transport.Endpoint
	cfg      config.ClientConfig
	log      *zap.Logger
	dial     DialFunc
	codec    codec.Codec

	connecting singleflight.Group

	mu     sync.Mutex
	ct     *transport.ClientTransport // nil until connected, reset when the connection dies
	closed bool
	gen    uint64 // Bumped by Close so a connect in flight cannot resurrect the client

	// Canceled by Close to abort the current generation's dial and backoff.
	genCtx    context.Context
	genCancel context.CancelFunc
	flight    chan struct{} // Closed when the latest connect attempt returns
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDialer replaces transport.Dial, mainly for tests.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithConfig applies a ClientConfig; zero fields keep their defaults except
// HeartbeatInterval and ConnectRetries, where zero means disabled.
func WithConfig(cfg config.ClientConfig) Option {
	return func(c *Client) {
		def := config.DefaultClientConfig()
		if cfg.MaxFrameSize == 0 {
			cfg.MaxFrameSize = def.MaxFrameSize
		}
		if cfg.DialTimeout <= 0 {
			cfg.DialTimeout = def.DialTimeout
		}
		if cfg.ConnectBackoff <= 0 {
			cfg.ConnectBackoff = def.ConnectBackoff
		}
		c.cfg = cfg
	}
}

// WithHeartbeat sets the keep-alive interval of new connections; zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.cfg.HeartbeatInterval = d }
}

// WithCodec sets the codec used by Invoke and InvokeStream (JSON by default).
func WithCodec(cd codec.Codec) Option {
	return func(c *Client) { c.codec = cd }
}

// New creates a client for endpoint (see transport.ParseEndpoint). No connection is
// made until the first call or EnsureConnected.
func New(endpoint string, opts ...Option) (*Client, error) {
	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return NewClient(ep, opts...), nil
}

func NewClient(ep transport.Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoint: ep,
		cfg:      config.DefaultClientConfig(),
		log:      zap.NewNop(),
		dial:     transport.Dial,
		codec:    codec.GetCodec(codec.CodecTypeJSON),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	c.log = c.log.With(zap.Stringer("endpoint", ep))
	return c
}

func (c *Client) Endpoint() transport.Endpoint {
	return c.endpoint
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ct != nil && c.ct.Err() == nil
}

// EnsureConnected makes sure a live connection exists, dialing if needed. It also
// reopens a client that was closed. Concurrent callers share one connect attempt and
// its result; ctx only bounds how long this caller waits for it.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	_, err := c.transport(ctx)
	return err
}

// Close drops the connection and fails every call in flight with KindClosed.
// It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	ct := c.ct
	c.ct = nil
	c.closed = true
	c.gen++
	c.genCancel()
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if ct != nil {
		return ct.Close()
	}
	return nil
}

// transport returns the live connection, connecting if there is none.
func (c *Client) transport(ctx context.Context) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	if c.ct != nil {
		if c.ct.Err() == nil {
			ct := c.ct
			c.mu.Unlock()
			return ct, nil
		}
		c.log.Debug("discarding dead connection", zap.Error(c.ct.Err()))
		c.ct = nil
	}
	gen := c.gen
	c.mu.Unlock()

	ch := c.connecting.DoChan(fmt.Sprintf("connect-%d", gen), func() (any, error) {
		return c.connect(gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*transport.ClientTransport), nil
	case <-ctx.Done():
		return nil, wrapErr("", ctx.Err())
	}
}

// connect runs at most once at a time: singleflight joins callers of one generation
// and each attempt waits for the previous generation's attempt to return first.
// It is detached from any single caller's context because its result is shared by
// every waiter.
func (c *Client) connect(gen uint64) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil, errClosed
	}
	if c.ct != nil && c.ct.Err() == nil {
		ct := c.ct
		c.mu.Unlock()
		return ct, nil
	}
	prev := c.flight
	done := make(chan struct{})
	c.flight = done
	genCtx := c.genCtx
	c.mu.Unlock()
	defer close(done)

	if prev != nil {
		<-prev
	}

	var (
		nc  net.Conn
		err error
	)
	backoff := c.cfg.ConnectBackoff
	for attempt := 0; attempt <= c.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying connect", zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-genCtx.Done():
			}
			backoff *= 2
		}
		if genCtx.Err() != nil {
			return nil, errClosed
		}
		nc, err = c.dialOnce(genCtx)
		if err == nil {
			break
		}
		c.log.Warn("connect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		if genCtx.Err() != nil {
			return nil, errClosed
		}
		return nil, &CallError{Kind: KindConnect, Err: err}
	}

	ct := transport.NewClientTransport(nc,
		transport.WithHeartbeat(c.cfg.HeartbeatInterval),
		transport.WithMaxFrameSize(c.cfg.MaxFrameSize),
		transport.WithLogger(c.log),
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		_ = ct.Close()
		return nil, errClosed
	}
	c.ct = ct
	c.log.Debug("connected")
	return ct, nil
}

func (c *Client) dialOnce(parent context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.DialTimeout)
	defer cancel()

	nc, err := c.dial(ctx, c.endpoint)
	if err != nil {
		var ce *transport.ConnectError
		if !errors.As(err, &ce) {
			err = &transport.ConnectError{Endpoint: c.endpoint, Err: err}
		}
		return nil, err
	}
	return nc, nil
}

// Call performs a unary call and returns the response payload.
func (c *Client) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	ct, err := c.transport(ctx)
	if err != nil {
		return nil, wrapErr(method, err)
	}
	inbox, err := ct.Send(protocol.KindUnary, method, payload)
	if err != nil {
		return nil, wrapErr(method, err)
	}

	f, err := inbox.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			ct.Cancel(inbox.Seq())
		}
		return nil, wrapErr(method, err)
	}
	switch f.Kind {
	case protocol.KindUnary:
		return f.Payload, nil
	case protocol.KindError:
		return nil, statusErr(method, f.Payload)
	default:
		ct.Cancel(inbox.Seq())
		return nil, unexpectedFrame(method, f)
	}
}

// Stream starts a server-streaming call. The returned Stream yields the responses
// in order; the caller must drain it or Close it.
func (c *Client) Stream(ctx context.Context, method string, payload []byte) (*Stream, error) {
	ct, err := c.transport(ctx)
	if err != nil {
		return nil, wrapErr(method, err)
	}
	inbox, err := ct.Send(protocol.KindStream, method, payload)
	if err != nil {
		return nil, wrapErr(method, err)
	}
	return newStream(ctx, ct, inbox), nil
}
