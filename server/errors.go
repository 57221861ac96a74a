package server

import (
	"errors"
	"fmt"

	"local-rpc/middleware"
	"local-rpc/protocol"
)

var (
	// ErrServerStarted is returned by Register once the server has begun serving.
	ErrServerStarted = errors.New("rpc: server already started, handlers are frozen")
	// ErrCallFinished is returned by a send after the call reached its terminal frame.
	ErrCallFinished = errors.New("rpc: call already finished")
)

type DuplicateMethodError struct {
	Method string
}

func (e *DuplicateMethodError) Error() string {
	return fmt.Sprintf("rpc: method already defined: %s", e.Method)
}

// StatusError lets a handler choose the status reported to the caller.
// Any other error is reported as protocol.StatusHandler.
type StatusError struct {
	Status protocol.Status
	Msg    string
}

func (e *StatusError) Error() string {
	return e.Msg
}

func Errorf(status protocol.Status, format string, args ...any) error {
	return &StatusError{Status: status, Msg: fmt.Sprintf(format, args...)}
}

func statusOf(err error) protocol.Status {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, middleware.ErrRateLimited):
		return protocol.StatusUnavailable
	default:
		return protocol.StatusHandler
	}
}
