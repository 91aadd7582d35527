package codec

import (
	"encoding/json"
	"fmt"
)

type passthroughCodec struct{}

// Passthrough returns the identity codec used for unrecognized content types.
// Bodies decode to a string holding the raw text and encode back unchanged.
func Passthrough() Codec {
	return passthroughCodec{}
}

func (passthroughCodec) Name() string        { return "raw" }
func (passthroughCodec) ContentType() string { return "text/plain" }

func (passthroughCodec) Decode(data []byte) (any, error) {
	return string(data), nil
}

func (c passthroughCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return nil, &EncodeError{Codec: c.Name(), Err: fmt.Errorf("cannot pass through %T without a format", v)}
	}
}
