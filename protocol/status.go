package protocol

import "fmt"

// Status is the first payload byte of a KindError frame. The rest of the payload is a
// human-readable message.
type Status byte

const (
	StatusUnknown       Status = 0
	StatusUnknownMethod Status = 1 // No handler registered for the method
	StatusHandler       Status = 2 // Handler (or a middleware in front of it) returned an error
	StatusKindMismatch  Status = 3 // Unary call on a streaming method or vice versa
	StatusBadRequest    Status = 4 // Request frame or payload rejected
	StatusUnavailable   Status = 5 // Server is shutting down or shedding load
)

func (s Status) String() string {
	switch s {
	case StatusUnknownMethod:
		return "unknown method"
	case StatusHandler:
		return "handler error"
	case StatusKindMismatch:
		return "call kind mismatch"
	case StatusBadRequest:
		return "bad request"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// ErrorPayload builds the payload of a KindError frame.
func ErrorPayload(status Status, msg string) []byte {
	buf := make([]byte, 0, 1+len(msg))
	buf = append(buf, byte(status))
	return append(buf, msg...)
}

// ParseError splits a KindError payload. An empty payload yields StatusUnknown.
func ParseError(payload []byte) (Status, string) {
	if len(payload) == 0 {
		return StatusUnknown, ""
	}
	return Status(payload[0]), string(payload[1:])
}

// ErrorFrame is a convenience for building a KindError response to call seq.
func ErrorFrame(seq uint32, method string, status Status, msg string) *Frame {
	return &Frame{
		Kind:    KindError,
		Seq:     seq,
		Method:  method,
		Payload: ErrorPayload(status, msg),
	}
}
