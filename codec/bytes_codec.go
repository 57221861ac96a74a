package codec

import "fmt"

// BytesCodec passes raw bytes and strings through unchanged.
// It is the identity on payloads: what the handler returns is what the caller gets.
type BytesCodec struct{}

func (c *BytesCodec) Encode(v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case *[]byte:
		return *v, nil
	case string:
		return []byte(v), nil
	case *string:
		return []byte(*v), nil
	default:
		return nil, fmt.Errorf("BytesCodec: cannot encode %T", v)
	}
}

func (c *BytesCodec) Decode(data []byte, v any) error {
	switch v := v.(type) {
	case *[]byte:
		*v = append((*v)[:0], data...)
		return nil
	case *string:
		*v = string(data)
		return nil
	default:
		return fmt.Errorf("BytesCodec: cannot decode into %T", v)
	}
}

func (c *BytesCodec) Type() CodecType {
	return CodecTypeBytes
}
