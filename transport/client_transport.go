package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"local-rpc/protocol"
)

// ErrPeerClosed is the terminal error of a ClientTransport whose server closed the stream.
var ErrPeerClosed = errors.New("transport: connection closed by peer")

// DefaultHeartbeatInterval is used when no interval is configured; zero disables heartbeats.
const DefaultHeartbeatInterval = 30 * time.Second

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithHeartbeat sets the keep-alive interval. Zero or negative disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = d }
}

// WithMaxFrameSize bounds frames in both directions.
func WithMaxFrameSize(n uint32) Option {
	return func(t *ClientTransport) { t.maxFrameSize = n }
}

// WithLogger sets the logger used by the background loops.
func WithLogger(l *zap.Logger) Option {
	return func(t *ClientTransport) { t.log = l }
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn         *Conn
	maxFrameSize uint32
	heartbeat    time.Duration
	log          *zap.Logger

	mu      sync.Mutex // Protects seq, pending and err
	seq     uint32
	pending map[uint32]*Inbox
	err     error // Terminal error; once set the transport is dead

	done chan struct{}
}

// NewClientTransport takes ownership of nc and starts two background goroutines:
//   - recvLoop: reads frames and routes each to the inbox of its call
//   - heartbeatLoop: sends periodic heartbeat frames (unless disabled)
func NewClientTransport(nc net.Conn, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:         NewConn(nc),
		maxFrameSize: protocol.DefaultMaxFrameSize,
		heartbeat:    DefaultHeartbeatInterval,
		log:          zap.NewNop(),
		pending:      make(map[uint32]*Inbox),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Send starts a call: it assigns a sequence number, registers an inbox for the
// responses and writes the request frame.
//
// The inbox is registered BEFORE the frame is written so that recvLoop can never
// see a response for a call it does not know yet.
func (t *ClientTransport) Send(kind protocol.Kind, method string, payload []byte) (*Inbox, error) {
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return nil, err
	}
	t.seq++
	for t.seq == 0 || t.pending[t.seq] != nil {
		t.seq++
	}
	inbox := newInbox(t.seq, method)
	t.pending[inbox.seq] = inbox
	t.mu.Unlock()

	buf, err := protocol.Marshal(&protocol.Frame{
		Kind:    kind,
		Seq:     inbox.seq,
		Method:  method,
		Payload: payload,
	}, t.maxFrameSize)
	if err != nil {
		// Nothing was written, the connection is still in sync.
		t.forget(inbox.seq)
		return nil, err
	}

	if err := t.conn.Send(buf); err != nil {
		t.forget(inbox.seq)
		t.fail(err)
		return nil, t.Err()
	}
	return inbox, nil
}

// Cancel abandons call seq: its inbox is dropped and the server is told to stop
// working on it. Responses still in flight for seq are discarded by recvLoop.
func (t *ClientTransport) Cancel(seq uint32) {
	if !t.forget(seq) {
		return
	}
	buf, err := protocol.Marshal(&protocol.Frame{Kind: protocol.KindCancel, Seq: seq}, t.maxFrameSize)
	if err != nil {
		return
	}
	if err := t.conn.Send(buf); err != nil {
		t.fail(err)
	}
}

// Close shuts the transport down. Every pending call fails with ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// Done is closed when the transport has failed or been closed.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal error, or nil while the transport is usable.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Pending returns the number of calls awaiting responses.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *ClientTransport) forget(seq uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[seq]; !ok {
		return false
	}
	delete(t.pending, seq)
	return true
}

// recvLoop runs in a dedicated goroutine. The stream must be read by a single reader
// to keep frame boundaries, so every response for every call passes through here.
func (t *ClientTransport) recvLoop() {
	dec := protocol.NewDecoder(t.maxFrameSize)
	for {
		chunk, err := t.conn.Receive()
		if err != nil {
			t.fail(err)
			return
		}
		dec.Feed(chunk)
		for {
			f, err := dec.Next()
			if errors.Is(err, protocol.ErrNeedMoreData) {
				break
			}
			if err != nil {
				t.log.Warn("dropping connection after malformed frame", zap.Error(err))
				t.fail(err)
				return
			}
			t.dispatch(f)
		}
	}
}

func (t *ClientTransport) dispatch(f *protocol.Frame) {
	if f.Kind == protocol.KindHeartbeat {
		return
	}
	t.mu.Lock()
	inbox := t.pending[f.Seq]
	if inbox != nil && f.Kind.Terminal() {
		delete(t.pending, f.Seq)
	}
	t.mu.Unlock()

	if inbox == nil {
		t.log.Debug("discarding frame for unknown call",
			zap.Uint32("seq", f.Seq), zap.Stringer("kind", f.Kind))
		return
	}
	inbox.push(f)
}

// fail records the first terminal error, closes the connection and notifies every
// pending caller so none of them blocks forever.
func (t *ClientTransport) fail(err error) {
	if errors.Is(err, io.EOF) {
		err = ErrPeerClosed
	}

	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return
	}
	t.err = err
	pending := t.pending
	t.pending = make(map[uint32]*Inbox)
	t.mu.Unlock()

	close(t.done)
	_ = t.conn.Close()
	for _, inbox := range pending {
		inbox.fail(err)
	}
	if err != ErrClosed {
		t.log.Debug("client transport terminated", zap.Error(err), zap.Int("pending", len(pending)))
	}
}

// heartbeatLoop sends heartbeat frames so idle connections are exercised and a dead
// peer is noticed by the next write.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf, err := protocol.Marshal(&protocol.Frame{Kind: protocol.KindHeartbeat}, t.maxFrameSize)
	if err != nil {
		return
	}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.Send(buf); err != nil {
				t.fail(err)
				return
			}
		}
	}
}
