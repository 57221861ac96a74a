package transport

import (
	"errors"
	"io"
	"net"
	"sync"
)

const readChunkSize = 32 * 1024

// Conn is one open, bidirectional byte stream between a client and the server.
//
// Send may be called from multiple goroutines; each call writes its whole buffer
// before another starts. Receive must only be called from a single goroutine.
type Conn struct {
	nc      net.Conn
	sending sync.Mutex // Serializes writes so frames from different calls never interleave
	readBuf []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn takes ownership of nc.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:      nc,
		readBuf: make([]byte, readChunkSize),
		closed:  make(chan struct{}),
	}
}

// Send writes b in full. It fails with ErrClosed after Close and with *IOError on a
// write failure.
func (c *Conn) Send(b []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.nc.Write(b); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// Receive blocks until bytes arrive and returns them. The returned slice is only
// valid until the next call. It returns io.EOF when the peer closes the stream or
// after Close, and *IOError for any other read failure.
func (c *Conn) Receive() ([]byte, error) {
	n, err := c.nc.Read(c.readBuf)
	if n > 0 {
		return c.readBuf[:n], nil
	}
	if err == nil {
		// A zero-byte read without error; report it as an empty chunk.
		return c.readBuf[:0], nil
	}
	if c.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil, io.EOF
	}
	return nil, &IOError{Op: "read", Err: err}
}

// Close releases the connection. It is idempotent, and a Receive blocked in another
// goroutine returns io.EOF.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
