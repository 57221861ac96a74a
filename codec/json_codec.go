package codec

import (
	"encoding/json"
)

// JSONCodec is the default payload codec. Service methods registered through
// RegisterService and calls made with Invoke exchange their arguments and replies
// as JSON documents, e.g. {"message":"hello"} for Echo.UnaryEcho.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode fails on an empty payload, as json.Unmarshal does.
func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
