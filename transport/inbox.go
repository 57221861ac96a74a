package transport

import (
	"context"
	"sync"

	"local-rpc/protocol"
)

// Inbox receives the response frames of one call, in the order the server wrote them.
//
// The queue is unbounded so that recvLoop never blocks on a slow consumer: a stream
// that is read slowly must not stall unrelated calls sharing the connection.
type Inbox struct {
	seq    uint32
	method string

	mu     sync.Mutex
	frames []*protocol.Frame
	err    error
	notify chan struct{} // cap 1; signalled on every push or fail
}

func newInbox(seq uint32, method string) *Inbox {
	return &Inbox{seq: seq, method: method, notify: make(chan struct{}, 1)}
}

// Seq returns the call identifier carried in this call's frames.
func (b *Inbox) Seq() uint32 { return b.seq }

// Method returns the method the call was sent to.
func (b *Inbox) Method() string { return b.method }

// Next blocks until the next frame for this call, a terminal transport error, or ctx
// is done. Frames already queued are delivered before a transport error.
func (b *Inbox) Next(ctx context.Context) (*protocol.Frame, error) {
	for {
		b.mu.Lock()
		if len(b.frames) > 0 {
			f := b.frames[0]
			b.frames[0] = nil
			b.frames = b.frames[1:]
			b.mu.Unlock()
			return f, nil
		}
		err := b.err
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Inbox) push(f *protocol.Frame) {
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.mu.Unlock()
	b.signal()
}

func (b *Inbox) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.signal()
}

func (b *Inbox) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
