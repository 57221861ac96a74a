package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrNeedMoreData is returned by Decoder.Next while the buffered bytes do not yet
// hold a complete frame. It is not a failure: Feed more bytes and call Next again.
var ErrNeedMoreData = errors.New("protocol: need more data")

// Decoder splits an arbitrarily chunked byte stream into frames.
//
// Bytes are appended with Feed and frames are taken with Next, one per call.
// Partial arrivals are buffered; a length prefix promising more bytes than are
// available yields ErrNeedMoreData, never an error. Once a CodecError has been
// returned the stream position is lost and the decoder keeps returning it.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf          []byte
	off          int // start of the unread bytes in buf
	maxFrameSize uint32
	err          error
}

// NewDecoder returns a decoder rejecting frames longer than maxFrameSize
// (0 means DefaultMaxFrameSize).
func NewDecoder(maxFrameSize uint32) *Decoder {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends p to the internal buffer. p may be reused by the caller afterwards.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && (d.off == len(d.buf) || d.off >= cap(d.buf)/2) {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held but not yet returned as a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next returns the next complete frame, ErrNeedMoreData, or a *CodecError.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	unread := d.buf[d.off:]
	if len(unread) < LengthSize {
		return nil, ErrNeedMoreData
	}
	n := binary.BigEndian.Uint32(unread[:LengthSize])
	if err := checkLength(n, d.maxFrameSize); err != nil {
		d.err = err
		return nil, err
	}
	total := LengthSize + int(n)
	if len(unread) < total {
		return nil, ErrNeedMoreData
	}

	body := make([]byte, n)
	copy(body, unread[LengthSize:total])
	d.off += total

	f, err := parseBody(body)
	if err != nil {
		d.err = err
		return nil, err
	}
	return f, nil
}
