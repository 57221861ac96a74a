package client

import (
	"context"
	"errors"
	"fmt"

	"local-rpc/protocol"
	"local-rpc/transport"
)

// ErrorKind classifies why a call failed.
type ErrorKind int

const (
	KindConnect       ErrorKind = iota + 1 // no connection could be established
	KindUnavailable                        // the connection failed or the server refused the call
	KindCodec                              // a frame or payload could not be encoded or decoded
	KindUnknownMethod                      // the server has no such method
	KindMismatch                           // the method exists with the other call kind
	KindHandler                            // the handler returned an error or panicked
	KindBadRequest                         // the server rejected the request
	KindClosed                             // the client was closed
	KindCanceled                           // the call's context ended or the stream was closed
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindUnavailable:
		return "unavailable"
	case KindCodec:
		return "codec"
	case KindUnknownMethod:
		return "unknown method"
	case KindMismatch:
		return "kind mismatch"
	case KindHandler:
		return "handler"
	case KindBadRequest:
		return "bad request"
	case KindClosed:
		return "closed"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// CallError is the error returned by every client operation.
type CallError struct {
	Kind    ErrorKind
	Method  string // empty for connection-level failures
	Message string // server-provided message for server-side failures
	Err     error  // underlying cause, if any
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Method == "" {
		return fmt.Sprintf("rpc: %s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("rpc: %s: %s: %s", e.Method, e.Kind, msg)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *CallError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == k
}

var errClosed = &CallError{Kind: KindClosed, Message: "client is closed", Err: transport.ErrClosed}

// wrapErr classifies a local failure.
func wrapErr(method string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		if ce.Method == "" && method != "" {
			cp := *ce
			cp.Method = method
			return &cp
		}
		return err
	}

	kind := KindUnavailable
	var connErr *transport.ConnectError
	var codecErr *protocol.CodecError
	switch {
	case errors.As(err, &connErr):
		kind = KindConnect
	case errors.Is(err, transport.ErrClosed):
		kind = KindClosed
	case errors.As(err, &codecErr):
		kind = KindCodec
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCanceled
	}
	return &CallError{Kind: kind, Method: method, Err: err}
}

// statusErr converts an error frame into a CallError.
func statusErr(method string, payload []byte) error {
	status, msg := protocol.ParseError(payload)
	kind := KindHandler
	switch status {
	case protocol.StatusUnknownMethod:
		kind = KindUnknownMethod
	case protocol.StatusKindMismatch:
		kind = KindMismatch
	case protocol.StatusBadRequest:
		kind = KindBadRequest
	case protocol.StatusUnavailable:
		kind = KindUnavailable
	}
	return &CallError{Kind: kind, Method: method, Message: msg}
}

func unexpectedFrame(method string, f *protocol.Frame) error {
	return &CallError{
		Kind:    KindCodec,
		Method:  method,
		Message: fmt.Sprintf("unexpected %s frame", f.Kind),
	}
}
