// Package transport carries frames between one client and one server on the same host.
//
// The byte stream is a unix domain socket or, on Windows, a named pipe. Which one backs
// an Endpoint is decided once by ParseEndpoint; Dial, Listen and Conn behave the same
// for both, so callers never branch on platform.
//
// On top of Conn, ClientTransport multiplexes concurrent calls over a single connection:
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single Conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── frame(seq=2) → inbox[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// ErrClosed is returned by operations on a Conn or ClientTransport after Close.
var ErrClosed = errors.New("transport: connection closed")

// ErrPipeUnsupported is returned for named-pipe endpoints on platforms without them.
var ErrPipeUnsupported = errors.New("transport: named pipes are not supported on this platform")

// ConnectError reports that no connection could be established: nothing listening,
// permission denied, path missing, or an unsupported endpoint.
type ConnectError struct {
	Endpoint Endpoint
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IOError reports a read or write failure on an established connection.
type IOError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Dial connects to ep. Every failure is a *ConnectError.
func Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	switch ep.Network {
	case NetworkUnix:
		var d net.Dialer
		conn, err = d.DialContext(ctx, "unix", ep.Address)
	case NetworkNPipe:
		conn, err = dialPipe(ctx, ep.Address)
	default:
		err = fmt.Errorf("unknown network %q", ep.Network)
	}
	if err != nil {
		return nil, &ConnectError{Endpoint: ep, Err: err}
	}
	return conn, nil
}

// Listen opens a listener on ep.
//
// For unix sockets the parent directory is created, and a socket file left behind by
// a server that was not shut down cleanly is removed before binding.
func Listen(ep Endpoint) (net.Listener, error) {
	switch ep.Network {
	case NetworkUnix:
		if dir := filepath.Dir(ep.Address); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, err
			}
		}
		//	delete UNIX socket in case the server was not killed cleanly
		_ = os.Remove(ep.Address)
		return net.Listen("unix", ep.Address)
	case NetworkNPipe:
		return listenPipe(ep.Address)
	default:
		return nil, fmt.Errorf("transport: unknown network %q", ep.Network)
	}
}
