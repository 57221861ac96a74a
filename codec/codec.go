// Package codec converts application values to and from call payloads.
//
// The frame protocol treats payloads as opaque bytes; a Codec is what typed helpers
// (client.Invoke, server.RegisterService) use to give them a shape.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeBytes CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Bytes
}

// GetCodec returns the codec for codecType, falling back to JSON.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBytes {
		return &BytesCodec{}
	}

	return &JSONCodec{}
}
