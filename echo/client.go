package echo

import (
	"context"
	"iter"

	"local-rpc/client"
)

// Client calls the Echo service.
type Client struct {
	c *client.Client
}

func NewClient(c *client.Client) *Client {
	return &Client{c: c}
}

func (e *Client) UnaryEcho(ctx context.Context, msg string) (string, error) {
	resp, err := client.Invoke[Response](ctx, e.c, ServiceName+".UnaryEcho", &Request{Message: msg})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// ServerStreamingEcho yields the characters the server streams back.
func (e *Client) ServerStreamingEcho(ctx context.Context, msg string) (iter.Seq2[string, error], error) {
	seq, err := client.InvokeStream[Response](ctx, e.c, ServiceName+".ServerStreamingEcho", &Request{Message: msg})
	if err != nil {
		return nil, err
	}
	return func(yield func(string, error) bool) {
		for resp, err := range seq {
			if !yield(resp.Message, err) {
				return
			}
		}
	}, nil
}

func (e *Client) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	return e.c.Call(ctx, MethodEcho, payload)
}

// EchoN collects every payload of an EchoN stream.
func (e *Client) EchoN(ctx context.Context, payload []byte) ([][]byte, error) {
	stream, err := e.c.Stream(ctx, MethodEchoN, payload)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for p, err := range stream.All() {
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}
