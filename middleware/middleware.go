// Package middleware wraps server handlers in an onion of interceptors.
//
// Chain(A, B, C)(handler) runs A.before → B.before → C.before → handler →
// C.after → B.after → A.after, for unary and server-streaming calls alike.
package middleware

import (
	"context"

	"local-rpc/protocol"
)

// Request describes one inbound call.
type Request struct {
	Method  string
	Kind    protocol.Kind // KindUnary or KindStream
	Seq     uint32
	ConnID  string
	Payload []byte
}

// Sender writes one response payload for the call. A unary handler sends exactly once;
// a streaming handler sends zero or more times.
type Sender func(payload []byte) error

type HandlerFunc func(ctx context.Context, req *Request, send Sender) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
