// Package echo provides the passthrough converter used to exercise the relay.
package echo

import (
	"context"

	"github.com/tjfontaine/webhook-relay/internal/converter"
)

const (
	// Name is the path segment routed to this converter.
	Name = "test"

	// TargetHeader overrides the destination URL.
	TargetHeader = "X-Target-Url"
)

// Converter forwards the decoded body unchanged as JSON.
type Converter struct {
	defaultURL string
}

// New creates an echo converter. Without a TargetHeader the destination is
// defaultURL followed by the remaining path.
func New(defaultURL string) *Converter {
	return &Converter{defaultURL: defaultURL}
}

func (c *Converter) Name() string {
	return Name
}

func (c *Converter) Convert(ctx context.Context, in *converter.Input) (*converter.Descriptor, error) {
	url := in.Header.Get(TargetHeader)
	if url == "" {
		url = c.defaultURL + in.Suffix()
	}

	return &converter.Descriptor{
		URL:    url,
		Format: "json",
		Data:   in.Data,
	}, nil
}

var _ converter.Converter = (*Converter)(nil)
