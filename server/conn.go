package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"local-rpc/middleware"
	"local-rpc/protocol"
	"local-rpc/transport"
)

// serverConn is one accepted client connection. A single goroutine reads frames
// (reads must be sequential to keep frame boundaries) while each call runs in its own
// goroutine; transport.Conn serializes their writes so frames never interleave.
type serverConn struct {
	id   string
	srv  *Server
	conn *transport.Conn
	log  *zap.Logger

	ctx    context.Context // Canceled when the connection closes
	cancel context.CancelFunc

	mu    sync.Mutex
	calls map[uint32]*call
}

func newServerConn(s *Server, nc net.Conn) *serverConn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &serverConn{
		id:     id,
		srv:    s,
		conn:   transport.NewConn(nc),
		log:    s.log.With(zap.String("conn", id)),
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[uint32]*call),
	}
}

func (sc *serverConn) serve() {
	defer sc.close()
	sc.log.Debug("connection opened")

	dec := protocol.NewDecoder(sc.srv.maxFrameSize)
	for {
		chunk, err := sc.conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				sc.log.Warn("read failed", zap.Error(err))
			}
			sc.log.Debug("connection closed")
			return
		}
		dec.Feed(chunk)
		for {
			f, err := dec.Next()
			if errors.Is(err, protocol.ErrNeedMoreData) {
				break
			}
			if err != nil {
				// The stream is out of sync; nothing after this point can be trusted.
				sc.log.Warn("closing connection after malformed frame", zap.Error(err))
				return
			}
			sc.handleFrame(f)
		}
	}
}

func (sc *serverConn) handleFrame(f *protocol.Frame) {
	switch f.Kind {
	case protocol.KindHeartbeat:
		return
	case protocol.KindCancel:
		sc.cancelCall(f.Seq)
	case protocol.KindUnary, protocol.KindStream:
		sc.dispatch(f)
	default:
		sc.reply(protocol.ErrorFrame(f.Seq, f.Method, protocol.StatusBadRequest,
			fmt.Sprintf("unexpected %s frame from client", f.Kind)))
	}
}

func (sc *serverConn) dispatch(f *protocol.Frame) {
	s := sc.srv
	h, ok := s.handlers[f.Method]
	if !ok {
		sc.reply(protocol.ErrorFrame(f.Seq, f.Method, protocol.StatusUnknownMethod,
			fmt.Sprintf("unknown method %q", f.Method)))
		return
	}
	if h.kind != f.Kind {
		sc.reply(protocol.ErrorFrame(f.Seq, f.Method, protocol.StatusKindMismatch,
			fmt.Sprintf("method %q is %s, called as %s", f.Method, h.kind, f.Kind)))
		return
	}

	sc.mu.Lock()
	_, busy := sc.calls[f.Seq]
	sc.mu.Unlock()
	if busy {
		sc.reply(protocol.ErrorFrame(f.Seq, f.Method, protocol.StatusBadRequest,
			fmt.Sprintf("call %d is already in progress", f.Seq)))
		return
	}

	if !s.beginCall() {
		sc.reply(protocol.ErrorFrame(f.Seq, f.Method, protocol.StatusUnavailable, "server is shutting down"))
		return
	}

	ctx, cancel := context.WithCancel(sc.ctx)
	c := &call{conn: sc, seq: f.Seq, method: f.Method, kind: f.Kind, cancel: cancel}
	sc.mu.Lock()
	sc.calls[f.Seq] = c
	sc.mu.Unlock()

	go sc.handleCall(ctx, c, f.Payload)
}

// handleCall runs one call through the middleware chain and always finishes it with
// exactly one terminal frame, unless the client canceled it or the connection died.
func (sc *serverConn) handleCall(ctx context.Context, c *call, payload []byte) {
	defer sc.srv.wg.Done()
	defer sc.removeCall(c)
	defer func() {
		if r := recover(); r != nil {
			sc.log.Error("handler panicked",
				zap.String("method", c.method), zap.Any("panic", r), zap.Stack("stack"))
			c.fail(protocol.StatusHandler, fmt.Sprintf("handler panicked: %v", r))
		}
	}()

	req := &middleware.Request{
		Method:  c.method,
		Kind:    c.kind,
		Seq:     c.seq,
		ConnID:  sc.id,
		Payload: payload,
	}
	respKind := c.kind // KindUnary answers with KindUnary, KindStream with KindStream
	err := sc.srv.handler(ctx, req, func(p []byte) error {
		return c.send(respKind, p)
	})
	if err != nil {
		c.fail(statusOf(err), err.Error())
		return
	}

	if c.kind == protocol.KindStream {
		_ = c.send(protocol.KindStreamEnd, nil)
	} else if !c.isFinished() {
		c.fail(protocol.StatusHandler, "handler returned without a response")
	}
}

// reply writes a frame that is not part of a running call.
func (sc *serverConn) reply(f *protocol.Frame) {
	if err := sc.write(f); err != nil {
		sc.log.Debug("failed to write reply", zap.Uint32("seq", f.Seq), zap.Error(err))
	}
}

func (sc *serverConn) write(f *protocol.Frame) error {
	buf, err := protocol.Marshal(f, sc.srv.maxFrameSize)
	if err != nil {
		return err
	}
	return sc.conn.Send(buf)
}

func (sc *serverConn) cancelCall(seq uint32) {
	sc.mu.Lock()
	c := sc.calls[seq]
	sc.mu.Unlock()
	if c == nil {
		return
	}
	c.abort()
	sc.log.Debug("call canceled by client", zap.Uint32("seq", seq), zap.String("method", c.method))
}

func (sc *serverConn) removeCall(c *call) {
	c.cancel()
	sc.mu.Lock()
	if sc.calls[c.seq] == c {
		delete(sc.calls, c.seq)
	}
	sc.mu.Unlock()
}

func (sc *serverConn) close() {
	sc.cancel()
	_ = sc.conn.Close()
}

// call is the server side of one in-flight call.
type call struct {
	conn   *serverConn
	seq    uint32
	method string
	kind   protocol.Kind
	cancel context.CancelFunc

	mu       sync.Mutex // Orders the frames of this call and guards finished
	finished bool
}

// send writes one frame for the call. A terminal kind finishes the call; any send
// after that fails with ErrCallFinished.
func (c *call) send(kind protocol.Kind, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrCallFinished
	}

	buf, err := protocol.Marshal(&protocol.Frame{Kind: kind, Seq: c.seq, Payload: payload}, c.conn.srv.maxFrameSize)
	if err != nil {
		// Nothing was written; the call can still report the failure.
		return err
	}
	if kind.Terminal() {
		c.finished = true
	}
	if err := c.conn.conn.Send(buf); err != nil {
		c.finished = true
		return err
	}
	return nil
}

func (c *call) fail(status protocol.Status, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	if err := c.conn.write(protocol.ErrorFrame(c.seq, c.method, status, msg)); err != nil {
		c.conn.log.Debug("failed to write error frame", zap.Uint32("seq", c.seq), zap.Error(err))
	}
}

// abort finishes the call without writing anything and cancels its context.
func (c *call) abort() {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	c.cancel()
}

func (c *call) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}
