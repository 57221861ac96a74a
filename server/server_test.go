package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"local-rpc/config"
	"local-rpc/middleware"
	"local-rpc/protocol"
	"local-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func (a *Arith) Count(ctx context.Context, args *Args, send func(*Reply) error) error {
	for i := args.A; i < args.B; i++ {
		if err := send(&Reply{Result: i}); err != nil {
			return err
		}
	}
	return nil
}

// startServer serves srv on a fresh unix socket and returns a raw connection to it.
func startServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	ep := transport.Endpoint{Network: transport.NetworkUnix, Address: filepath.Join(t.TempDir(), "rpc.sock")}
	lis, err := transport.Listen(ep)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(lis) }()
	t.Cleanup(func() {
		_ = srv.Shutdown(time.Second)
		assert.NoError(t, <-served)
	})

	conn, err := net.Dial("unix", ep.Address)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, f *protocol.Frame) {
	t.Helper()
	require.NoError(t, protocol.Encode(conn, f))
}

func read(t *testing.T, conn net.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err := protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	return f
}

func requireError(t *testing.T, f *protocol.Frame, seq uint32, status protocol.Status) string {
	t.Helper()
	require.Equal(t, protocol.KindError, f.Kind)
	require.Equal(t, seq, f.Seq)
	got, msg := protocol.ParseError(f.Payload)
	require.Equal(t, status, got, "message: %s", msg)
	return msg
}

func TestServer(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterService(&Arith{}))
	conn := startServer(t, svr)

	payload, err := json.Marshal(&Args{1, 2})
	require.NoError(t, err)
	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 123, Method: "Arith.Add", Payload: payload})

	resp := read(t, conn)
	assert.Equal(t, protocol.KindUnary, resp.Kind)
	assert.Equal(t, uint32(123), resp.Seq)

	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Payload, &reply))
	assert.Equal(t, 3, reply.Result)
}

func TestServerStream(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterService(&Arith{}))
	conn := startServer(t, svr)

	payload, _ := json.Marshal(&Args{A: 2, B: 5})
	send(t, conn, &protocol.Frame{Kind: protocol.KindStream, Seq: 7, Method: "Arith.Count", Payload: payload})

	for want := 2; want < 5; want++ {
		f := read(t, conn)
		require.Equal(t, protocol.KindStream, f.Kind)
		require.Equal(t, uint32(7), f.Seq)
		var reply Reply
		require.NoError(t, json.Unmarshal(f.Payload, &reply))
		assert.Equal(t, want, reply.Result)
	}
	end := read(t, conn)
	assert.Equal(t, protocol.KindStreamEnd, end.Kind)
	assert.Empty(t, end.Payload)
}

func TestServerEmptyStream(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterStream("Empty.Stream", func(context.Context, []byte, func([]byte) error) error {
		return nil
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindStream, Seq: 1, Method: "Empty.Stream"})
	assert.Equal(t, protocol.KindStreamEnd, read(t, conn).Kind)
}

func TestServerUnknownMethodKeepsConnection(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterService(&Arith{}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 1, Method: "Arith.Nope"})
	msg := requireError(t, read(t, conn), 1, protocol.StatusUnknownMethod)
	assert.Contains(t, msg, "Arith.Nope")

	payload, _ := json.Marshal(&Args{20, 22})
	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 2, Method: "Arith.Add", Payload: payload})
	resp := read(t, conn)
	assert.Equal(t, protocol.KindUnary, resp.Kind)
	assert.JSONEq(t, `{"Result":42}`, string(resp.Payload))
}

func TestServerKindMismatch(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterService(&Arith{}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindStream, Seq: 1, Method: "Arith.Add", Payload: []byte(`{}`)})
	requireError(t, read(t, conn), 1, protocol.StatusKindMismatch)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 2, Method: "Arith.Count", Payload: []byte(`{}`)})
	requireError(t, read(t, conn), 2, protocol.StatusKindMismatch)
}

func TestServerHandlerErrors(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterService(&Arith{}))
	require.NoError(t, svr.RegisterUnary("Boom.Panic", func(context.Context, []byte) ([]byte, error) {
		panic("kaboom")
	}))
	conn := startServer(t, svr)

	payload, _ := json.Marshal(&Args{1, 0})
	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 1, Method: "Arith.Div", Payload: payload})
	assert.Equal(t, "divide by zero", requireError(t, read(t, conn), 1, protocol.StatusHandler))

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 2, Method: "Boom.Panic"})
	assert.Contains(t, requireError(t, read(t, conn), 2, protocol.StatusHandler), "kaboom")

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 3, Method: "Arith.Add", Payload: []byte("not json")})
	requireError(t, read(t, conn), 3, protocol.StatusBadRequest)

	// The connection survives all of the above.
	payload, _ = json.Marshal(&Args{6, 3})
	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 4, Method: "Arith.Div", Payload: payload})
	assert.JSONEq(t, `{"Result":2}`, string(read(t, conn).Payload))
}

func TestServerStatusError(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterUnary("Svc.Busy", func(context.Context, []byte) ([]byte, error) {
		return nil, Errorf(protocol.StatusUnavailable, "try later")
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 9, Method: "Svc.Busy"})
	assert.Equal(t, "try later", requireError(t, read(t, conn), 9, protocol.StatusUnavailable))
}

// A slow call does not hold back a fast one on the same connection.
func TestServerParallelCalls(t *testing.T) {
	release := make(chan struct{})
	svr := NewServer()
	require.NoError(t, svr.RegisterUnary("Svc.Slow", func(ctx context.Context, req []byte) ([]byte, error) {
		<-release
		return []byte("slow"), nil
	}))
	require.NoError(t, svr.RegisterUnary("Svc.Fast", func(ctx context.Context, req []byte) ([]byte, error) {
		return []byte("fast"), nil
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 1, Method: "Svc.Slow"})
	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 2, Method: "Svc.Fast"})

	first := read(t, conn)
	assert.Equal(t, uint32(2), first.Seq)
	assert.Equal(t, "fast", string(first.Payload))

	close(release)
	second := read(t, conn)
	assert.Equal(t, uint32(1), second.Seq)
	assert.Equal(t, "slow", string(second.Payload))
}

func TestServerIgnoresHeartbeat(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterUnary("Svc.Echo", func(ctx context.Context, req []byte) ([]byte, error) {
		return req, nil
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindHeartbeat})
	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 5, Method: "Svc.Echo", Payload: []byte("hi")})

	f := read(t, conn)
	assert.Equal(t, protocol.KindUnary, f.Kind)
	assert.Equal(t, "hi", string(f.Payload))
}

func TestServerUnexpectedKind(t *testing.T) {
	svr := NewServer()
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindStreamEnd, Seq: 3})
	requireError(t, read(t, conn), 3, protocol.StatusBadRequest)
}

func TestServerCancel(t *testing.T) {
	canceled := make(chan error, 1)
	svr := NewServer()
	require.NoError(t, svr.RegisterStream("Svc.Forever", func(ctx context.Context, req []byte, send func([]byte) error) error {
		if err := send([]byte("first")); err != nil {
			return err
		}
		<-ctx.Done()
		canceled <- send([]byte("late"))
		return ctx.Err()
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindStream, Seq: 1, Method: "Svc.Forever"})
	assert.Equal(t, "first", string(read(t, conn).Payload))
	send(t, conn, &protocol.Frame{Kind: protocol.KindCancel, Seq: 1})

	select {
	case err := <-canceled:
		assert.ErrorIs(t, err, ErrCallFinished)
	case <-time.After(2 * time.Second):
		t.Fatal("handler context not canceled")
	}

	// Nothing more is written for the canceled call.
	send(t, conn, &protocol.Frame{Kind: protocol.KindStream, Seq: 2, Method: "Svc.Missing"})
	requireError(t, read(t, conn), 2, protocol.StatusUnknownMethod)
}

func TestServerMalformedFrameClosesConnection(t *testing.T) {
	svr := NewServer()
	conn := startServer(t, svr)

	// Valid length, unknown call kind.
	_, err := conn.Write([]byte{0, 0, 0, 7, 0x7f, 0, 0, 0, 1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = protocol.ReadFrame(conn, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerLateSend(t *testing.T) {
	late := make(chan error, 1)
	twice := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *middleware.Request, send middleware.Sender) error {
			if err := next(ctx, req, send); err != nil {
				return err
			}
			late <- send([]byte("again"))
			return nil
		}
	}

	svr := NewServer(WithMiddleware(twice))
	require.NoError(t, svr.RegisterUnary("Svc.Echo", func(ctx context.Context, req []byte) ([]byte, error) {
		return req, nil
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 1, Method: "Svc.Echo", Payload: []byte("once")})
	assert.Equal(t, "once", string(read(t, conn).Payload))
	assert.ErrorIs(t, <-late, ErrCallFinished)
}

func TestServerRateLimitedCallsAreUnavailable(t *testing.T) {
	svr := NewServer(WithMiddleware(middleware.RateLimitMiddleware(0.001, 1)))
	require.NoError(t, svr.RegisterUnary("Svc.Echo", func(ctx context.Context, req []byte) ([]byte, error) {
		return req, nil
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 1, Method: "Svc.Echo", Payload: []byte("a")})
	assert.Equal(t, protocol.KindUnary, read(t, conn).Kind)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 2, Method: "Svc.Echo", Payload: []byte("b")})
	requireError(t, read(t, conn), 2, protocol.StatusUnavailable)
}

func TestConfigLimitsRunInsideUserMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	svr := NewServer(
		WithConfig(config.ServerConfig{RateLimit: 0.001, RateBurst: 1}),
		WithMiddleware(middleware.LoggingMiddleware(zap.New(core))),
	)
	require.NoError(t, svr.RegisterUnary("Svc.Echo", func(ctx context.Context, req []byte) ([]byte, error) {
		return req, nil
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 1, Method: "Svc.Echo", Payload: []byte("a")})
	assert.Equal(t, protocol.KindUnary, read(t, conn).Kind)
	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 2, Method: "Svc.Echo", Payload: []byte("b")})
	requireError(t, read(t, conn), 2, protocol.StatusUnavailable)

	assert.Equal(t, 1, logs.FilterMessage("call handled").Len())
	failed := logs.FilterMessage("call failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, middleware.ErrRateLimited.Error(), failed[0].ContextMap()["error"])
}

func TestRegister(t *testing.T) {
	svr := NewServer()
	echo := func(ctx context.Context, req []byte) ([]byte, error) { return req, nil }

	require.NoError(t, svr.RegisterUnary("Svc.Echo", echo))

	err := svr.RegisterStream("Svc.Echo", func(context.Context, []byte, func([]byte) error) error { return nil })
	var dup *DuplicateMethodError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "Svc.Echo", dup.Method)

	assert.Error(t, svr.Register("", Unary(echo)))
	assert.Error(t, svr.Register("Svc.Nil", Handler{}))
	assert.Equal(t, protocol.KindUnary, Unary(echo).Kind())

	a, b := net.Pipe()
	defer b.Close()
	go svr.ServeConn(a)
	require.Eventually(t, func() bool { return svr.started.Load() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, svr.RegisterUnary("Svc.Other", echo), ErrServerStarted)
	assert.Equal(t, 1, svr.Methods())
}

func TestRegisterService(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterName("Calc", &Arith{}))
	assert.Equal(t, 3, svr.Methods())

	err := svr.RegisterService(Arith{})
	assert.Error(t, err, "non-pointer receiver")

	type empty struct{}
	assert.Error(t, svr.RegisterService(&empty{}))

	var dup *DuplicateMethodError
	assert.ErrorAs(t, svr.RegisterName("Calc", &Arith{}), &dup)
}

func TestRegisterServiceAllOrNothing(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.RegisterStream("Arith.Count", func(context.Context, []byte, func([]byte) error) error {
		return nil
	}))

	var dup *DuplicateMethodError
	require.ErrorAs(t, svr.RegisterService(&Arith{}), &dup)
	assert.Equal(t, "Arith.Count", dup.Method)
	assert.Equal(t, 1, svr.Methods())
	assert.NotContains(t, svr.handlers, "Arith.Add")
	assert.NotContains(t, svr.handlers, "Arith.Div")

	require.NoError(t, svr.RegisterName("Calc", &Arith{}))
	assert.Equal(t, 4, svr.Methods())
}

func TestShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svr := NewServer()
	require.NoError(t, svr.RegisterUnary("Svc.Slow", func(ctx context.Context, req []byte) ([]byte, error) {
		close(started)
		<-release
		return []byte("done"), nil
	}))
	require.NoError(t, svr.RegisterUnary("Svc.Fast", func(ctx context.Context, req []byte) ([]byte, error) {
		return []byte("fast"), nil
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 1, Method: "Svc.Slow"})
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- svr.Shutdown(2 * time.Second) }()
	require.Eventually(t, func() bool { return svr.shutdown.Load() }, time.Second, 5*time.Millisecond)

	// New calls are refused while in-flight ones finish.
	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 2, Method: "Svc.Fast"})
	requireError(t, read(t, conn), 2, protocol.StatusUnavailable)

	close(release)
	f := read(t, conn)
	assert.Equal(t, uint32(1), f.Seq)
	assert.Equal(t, "done", string(f.Payload))
	require.NoError(t, <-shutdown)

	// Connections are closed once the server is drained.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadFrame(conn, 0)
	assert.Error(t, err)
}

func TestShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	svr := NewServer()
	require.NoError(t, svr.RegisterUnary("Svc.Stuck", func(ctx context.Context, req []byte) ([]byte, error) {
		close(started)
		<-release
		return nil, nil
	}))
	conn := startServer(t, svr)

	send(t, conn, &protocol.Frame{Kind: protocol.KindUnary, Seq: 1, Method: "Svc.Stuck"})
	<-started
	assert.Error(t, svr.Shutdown(50*time.Millisecond))
}

func ExampleServer_RegisterStream() {
	svr := NewServer()
	_ = svr.RegisterStream("Clock.Ticks", func(ctx context.Context, req []byte, send func([]byte) error) error {
		for i := 0; i < 3; i++ {
			if err := send([]byte(fmt.Sprint(i))); err != nil {
				return err
			}
		}
		return nil
	})
	fmt.Println(svr.Methods())
	// Output: 1
}
