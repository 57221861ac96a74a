package client

import (
	"context"
	"iter"
)

// Invoke encodes args with the client codec, performs a unary call and decodes the
// response into an R.
func Invoke[R any](ctx context.Context, c *Client, method string, args any) (R, error) {
	var reply R
	req, err := c.codec.Encode(args)
	if err != nil {
		return reply, &CallError{Kind: KindCodec, Method: method, Err: err}
	}
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		return reply, err
	}
	if err := c.codec.Decode(resp, &reply); err != nil {
		return reply, &CallError{Kind: KindCodec, Method: method, Err: err}
	}
	return reply, nil
}

// InvokeStream opens a server-streaming call and returns its responses decoded as R.
// The sequence stops at the first error, which it yields.
func InvokeStream[R any](ctx context.Context, c *Client, method string, args any) (iter.Seq2[R, error], error) {
	req, err := c.codec.Encode(args)
	if err != nil {
		return nil, &CallError{Kind: KindCodec, Method: method, Err: err}
	}
	stream, err := c.Stream(ctx, method, req)
	if err != nil {
		return nil, err
	}
	return func(yield func(R, error) bool) {
		defer stream.Close()
		for payload, err := range stream.All() {
			var reply R
			if err == nil {
				if derr := c.codec.Decode(payload, &reply); derr != nil {
					err = &CallError{Kind: KindCodec, Method: method, Err: derr}
				}
			}
			if !yield(reply, err) || err != nil {
				return
			}
		}
	}, nil
}
