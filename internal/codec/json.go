package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

type jsonCodec struct{}

// JSON returns the application/json codec. Numbers decode as json.Number so
// relayed values keep their exact textual form.
func JSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) ContentType() string { return "application/json" }

func (c jsonCodec) Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &DecodeError{Codec: c.Name(), Err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Codec: c.Name(), Err: errors.New("unexpected data after top-level value")}
	}
	return v, nil
}

func (c jsonCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, &EncodeError{Codec: c.Name(), Err: err}
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
