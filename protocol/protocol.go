// Package protocol implements the length-prefixed frame protocol for local-rpc.
//
// Every message in either direction is one frame. A 4-byte length prefix tells the
// receiver how many bytes follow, so frame boundaries survive arbitrary chunking by
// the underlying stream. The receiver buffers until the full frame is available.
//
// Frame format:
//
//	0        4    5          9      11             11+m
//	┌────────┬────┬──────────┬──────┬──────────────┬─────────────┐
//	│ length │kind│   seq    │ mlen │   method     │ payload ... │
//	│ uint32 │ u8 │  uint32  │ u16  │   m bytes    │             │
//	└────────┴────┴──────────┴──────┴──────────────┴─────────────┘
//
// length counts every byte after the length field itself.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// LengthSize is the size of the length prefix.
	LengthSize = 4
	// HeaderSize is the fixed part that follows the prefix: kind(1) + seq(4) + mlen(2).
	HeaderSize = 7
	// MaxMethodLen is the longest method identifier mlen can express.
	MaxMethodLen = 1<<16 - 1
	// DefaultMaxFrameSize bounds the length field; larger frames are rejected on both ends.
	DefaultMaxFrameSize uint32 = 16 * 1024 * 1024
)

// Kind is the call-kind tag carried by every frame.
type Kind byte

const (
	KindUnary     Kind = 0x01 // Unary request, or the single response to one
	KindStream    Kind = 0x02 // Server-streaming request, or one streamed response
	KindStreamEnd Kind = 0x03 // End of a server stream (empty payload)
	KindError     Kind = 0x04 // Call failed; payload is status byte + message
	KindHeartbeat Kind = 0x05 // Client keep-alive, no method, no payload
	KindCancel    Kind = 0x06 // Client abandoned call Seq
)

func (k Kind) String() string {
	switch k {
	case KindUnary:
		return "unary"
	case KindStream:
		return "stream"
	case KindStreamEnd:
		return "stream-end"
	case KindError:
		return "error"
	case KindHeartbeat:
		return "heartbeat"
	case KindCancel:
		return "cancel"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// Valid reports whether k is a kind this protocol version understands.
func (k Kind) Valid() bool {
	return k >= KindUnary && k <= KindCancel
}

// Terminal reports whether a response of kind k ends its call.
func (k Kind) Terminal() bool {
	return k == KindUnary || k == KindStreamEnd || k == KindError
}

// Frame is one unit of wire transfer.
type Frame struct {
	Kind    Kind
	Seq     uint32 // Call identifier, echoed by every response so the client can route it
	Method  string
	Payload []byte
}

// Size returns the encoded size of f including the length prefix.
func (f *Frame) Size() int {
	return LengthSize + HeaderSize + len(f.Method) + len(f.Payload)
}

// Append encodes f onto dst. maxFrameSize of 0 means DefaultMaxFrameSize.
func (f *Frame) Append(dst []byte, maxFrameSize uint32) ([]byte, error) {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if !f.Kind.Valid() {
		return dst, &CodecError{Type: ErrTypeKind, Msg: fmt.Sprintf("cannot encode %s", f.Kind)}
	}
	if len(f.Method) > MaxMethodLen {
		return dst, &CodecError{Type: ErrTypeMalformed, Msg: fmt.Sprintf("method identifier too long: %d bytes", len(f.Method))}
	}
	n := HeaderSize + len(f.Method) + len(f.Payload)
	if uint64(n) > uint64(maxFrameSize) {
		return dst, &CodecError{Type: ErrTypeOversize, Msg: fmt.Sprintf("frame of %d bytes exceeds limit %d", n, maxFrameSize)}
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	dst = append(dst, byte(f.Kind))
	dst = binary.BigEndian.AppendUint32(dst, f.Seq)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Method)))
	dst = append(dst, f.Method...)
	dst = append(dst, f.Payload...)
	return dst, nil
}

// Marshal returns the complete wire encoding of f.
func Marshal(f *Frame, maxFrameSize uint32) ([]byte, error) {
	return f.Append(make([]byte, 0, f.Size()), maxFrameSize)
}

// Encode writes a complete frame to w in a single Write.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different calls will interleave and corrupt the stream.
func Encode(w io.Writer, f *Frame) error {
	buf, err := Marshal(f, 0)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r, blocking until it is complete.
// Uses io.ReadFull so short reads never split a frame.
func ReadFrame(r io.Reader, maxFrameSize uint32) (*Frame, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if err := checkLength(n, maxFrameSize); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &CodecError{Type: ErrTypeIO, Msg: "truncated frame", Cause: err}
	}
	return parseBody(body)
}

func checkLength(n, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if n < HeaderSize {
		return &CodecError{Type: ErrTypeMalformed, Msg: fmt.Sprintf("length prefix %d shorter than header", n)}
	}
	if n > maxFrameSize {
		return &CodecError{Type: ErrTypeOversize, Msg: fmt.Sprintf("frame of %d bytes exceeds limit %d", n, maxFrameSize)}
	}
	return nil
}

// parseBody decodes everything after the length prefix. body is retained by the
// returned frame's Payload; callers pass a slice they own.
func parseBody(body []byte) (*Frame, error) {
	kind := Kind(body[0])
	if !kind.Valid() {
		return nil, &CodecError{Type: ErrTypeKind, Msg: fmt.Sprintf("unknown call kind 0x%02x", body[0])}
	}
	seq := binary.BigEndian.Uint32(body[1:5])
	mlen := int(binary.BigEndian.Uint16(body[5:7]))
	if HeaderSize+mlen > len(body) {
		return nil, &CodecError{Type: ErrTypeMalformed, Msg: fmt.Sprintf("method length %d overruns frame of %d bytes", mlen, len(body))}
	}
	f := &Frame{
		Kind:   kind,
		Seq:    seq,
		Method: string(body[HeaderSize : HeaderSize+mlen]),
	}
	if rest := body[HeaderSize+mlen:]; len(rest) > 0 {
		f.Payload = rest
	}
	return f, nil
}
