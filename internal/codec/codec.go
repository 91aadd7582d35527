// Package codec converts relayed bodies between raw bytes and decoded values.
//
// Each codec is tied to a content type and a format name. Inbound bodies are
// decoded with the codec whose content type prefixes the request's
// Content-Type header; outbound bodies are encoded with the codec a converter
// names in its descriptor. Unknown content types and format names fall back
// to the passthrough codec, which leaves the body as text.
package codec

import "fmt"

// Codec decodes and encodes bodies of one content type.
// Round-trips are only defined within a single codec.
type Codec interface {
	// Name is the format name converters refer to (e.g., "json").
	Name() string

	// ContentType is the MIME type written on encoded bodies and matched
	// against inbound Content-Type headers.
	ContentType() string

	// Decode converts a complete body into a value.
	Decode(data []byte) (any, error)

	// Encode converts a value back into a body.
	Encode(v any) ([]byte, error)
}

// DecodeError reports a body that the selected codec could not parse.
type DecodeError struct {
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s body: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a value that the selected codec cannot serialize.
type EncodeError struct {
	Codec string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s body: %v", e.Codec, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
