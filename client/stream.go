package client

import (
	"context"
	"io"
	"iter"
	"sync"

	"local-rpc/protocol"
	"local-rpc/transport"
)

// Stream is the receiving end of a server-streaming call. It is meant for a single
// consumer goroutine; Close may be called from anywhere.
type Stream struct {
	ct     *transport.ClientTransport
	inbox  *transport.Inbox
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	done bool
	err  error // io.EOF after a clean end
}

func newStream(ctx context.Context, ct *transport.ClientTransport, inbox *transport.Inbox) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{ct: ct, inbox: inbox, ctx: ctx, cancel: cancel}
}

// Method returns the method the stream was opened on.
func (s *Stream) Method() string {
	return s.inbox.Method()
}

// Next returns the next response payload. After the server ends the stream it returns
// io.EOF; any other error ends the stream too, and Next keeps returning it.
func (s *Stream) Next() ([]byte, error) {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	method := s.inbox.Method()
	f, err := s.inbox.Next(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			s.ct.Cancel(s.inbox.Seq())
		}
		return nil, s.finish(wrapErr(method, err))
	}

	switch f.Kind {
	case protocol.KindStream:
		return f.Payload, nil
	case protocol.KindStreamEnd:
		return nil, s.finish(io.EOF)
	case protocol.KindError:
		return nil, s.finish(statusErr(method, f.Payload))
	default:
		s.ct.Cancel(s.inbox.Seq())
		return nil, s.finish(unexpectedFrame(method, f))
	}
}

// Close abandons the stream. If the server has not finished it yet, the server is
// told to stop. A Next blocked in another goroutine returns KindCanceled.
func (s *Stream) Close() error {
	s.mu.Lock()
	open := !s.done
	s.mu.Unlock()
	if open {
		s.ct.Cancel(s.inbox.Seq())
		s.finish(&CallError{Kind: KindCanceled, Method: s.inbox.Method(), Message: "stream closed"})
	}
	s.cancel()
	return nil
}

// All iterates over the remaining payloads. The sequence ends after the last payload,
// or after yielding a non-nil error. Breaking out of the loop closes the stream.
func (s *Stream) All() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			p, err := s.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(p, nil) {
				s.Close()
				return
			}
		}
	}
}

// finish records the terminal error once and returns the recorded one.
func (s *Stream) finish(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.err = err
		s.cancel()
	}
	return s.err
}
