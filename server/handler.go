package server

import (
	"context"

	"local-rpc/protocol"
)

// UnaryFunc answers one request with one response.
type UnaryFunc func(ctx context.Context, req []byte) ([]byte, error)

// StreamFunc answers one request with zero or more responses written through send.
// The stream ends when it returns; a non-nil error ends it with an error frame instead.
type StreamFunc func(ctx context.Context, req []byte, send func([]byte) error) error

// Handler is a registered method: exactly one of unary or stream is set.
type Handler struct {
	kind   protocol.Kind
	unary  UnaryFunc
	stream StreamFunc
}

func Unary(fn UnaryFunc) Handler {
	return Handler{kind: protocol.KindUnary, unary: fn}
}

func ServerStream(fn StreamFunc) Handler {
	return Handler{kind: protocol.KindStream, stream: fn}
}

// Kind is the request kind the handler accepts.
func (h Handler) Kind() protocol.Kind {
	return h.kind
}

func (h Handler) valid() bool {
	switch h.kind {
	case protocol.KindUnary:
		return h.unary != nil
	case protocol.KindStream:
		return h.stream != nil
	}
	return false
}
