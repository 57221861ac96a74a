package protocol

import "fmt"

// CodecErrorType classifies why a frame could not be encoded or decoded.
type CodecErrorType int

const (
	// ErrTypeMalformed: length prefix or method length inconsistent with the frame.
	ErrTypeMalformed CodecErrorType = iota
	// ErrTypeKind: call-kind tag not defined by this protocol.
	ErrTypeKind
	// ErrTypeOversize: frame larger than the configured limit.
	ErrTypeOversize
	// ErrTypeIO: the stream ended in the middle of a frame.
	ErrTypeIO
)

func (t CodecErrorType) String() string {
	switch t {
	case ErrTypeMalformed:
		return "malformed"
	case ErrTypeKind:
		return "unknown-kind"
	case ErrTypeOversize:
		return "oversize"
	case ErrTypeIO:
		return "io"
	default:
		return fmt.Sprintf("codec-error(%d)", int(t))
	}
}

// CodecError reports a framing failure. Frame boundaries can no longer be trusted
// after one, so the connection that produced it must be closed.
type CodecError struct {
	Type  CodecErrorType
	Msg   string
	Cause error
}

func (e *CodecError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Msg, e.Cause)
	}
	return "protocol: " + e.Msg
}

func (e *CodecError) Unwrap() error { return e.Cause }
