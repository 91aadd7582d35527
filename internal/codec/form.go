package codec

import (
	"fmt"
	"net/url"
	"strings"
)

type formCodec struct{}

// Form returns the application/x-www-form-urlencoded codec.
//
// Decoded bodies are map[string]any: a key seen once maps to a string, a
// repeated key maps to a []string in order of appearance. Only "&" separates
// pairs; a ";" is kept as part of the key or value.
func Form() Codec {
	return formCodec{}
}

func (formCodec) Name() string        { return "form" }
func (formCodec) ContentType() string { return "application/x-www-form-urlencoded" }

func (c formCodec) Decode(data []byte) (any, error) {
	values, err := parseForm(string(data))
	if err != nil {
		return nil, &DecodeError{Codec: c.Name(), Err: err}
	}

	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = vs[0]
		} else {
			out[k] = vs
		}
	}
	return out, nil
}

// parseForm is url.ParseQuery without the semicolon rejection.
func parseForm(body string) (url.Values, error) {
	values := url.Values{}
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		values.Add(k, v)
	}
	return values, nil
}

func (c formCodec) Encode(v any) ([]byte, error) {
	values := url.Values{}

	switch m := v.(type) {
	case nil:
		return []byte{}, nil
	case url.Values:
		values = m
	case map[string][]string:
		values = url.Values(m)
	case map[string]string:
		for k, s := range m {
			values.Set(k, s)
		}
	case map[string]any:
		for k, field := range m {
			if err := addFormField(values, k, field); err != nil {
				return nil, &EncodeError{Codec: c.Name(), Err: err}
			}
		}
	default:
		return nil, &EncodeError{Codec: c.Name(), Err: fmt.Errorf("cannot encode %T as form fields", v)}
	}

	return []byte(values.Encode()), nil
}

func addFormField(values url.Values, key string, field any) error {
	switch f := field.(type) {
	case nil:
		values.Add(key, "")
	case string:
		values.Add(key, f)
	case []string:
		for _, s := range f {
			values.Add(key, s)
		}
	case []any:
		for _, item := range f {
			if err := addFormField(values, key, item); err != nil {
				return err
			}
		}
	case map[string]any:
		return fmt.Errorf("field %q: nested objects are not supported", key)
	default:
		values.Add(key, fmt.Sprint(f))
	}
	return nil
}
