// Package converter defines the contract between the relay engine and the
// named transformations it routes to.
//
// A converter receives the decoded inbound body together with the inbound
// headers and the path segments that follow its name, and answers with one of
// three outcomes:
//
//   - a *Descriptor: the outbound call to make
//   - nil, nil: the payload was understood but there is nothing to forward
//   - an *InvalidError: the payload is rejected and the caller gets a 400
//
// Any other error is treated as a server fault.
package converter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Converter maps an inbound payload to an outbound call.
type Converter interface {
	// Name is the first path segment that selects this converter.
	Name() string

	// Convert builds the outbound descriptor for in.
	Convert(ctx context.Context, in *Input) (*Descriptor, error)
}

// Input is the request-scoped view a converter works from.
type Input struct {
	// Data is the inbound body as decoded by the content-type codec.
	Data any

	// Header holds the inbound request headers.
	Header http.Header

	// Segments are the path segments after the converter name, still escaped.
	Segments []string
}

// Suffix joins the remaining path segments with "/".
func (in *Input) Suffix() string {
	return strings.Join(in.Segments, "/")
}

// Descriptor describes the outbound call a converter wants made.
type Descriptor struct {
	// URL is the absolute destination URL.
	URL string

	// Method defaults to POST when empty.
	Method string

	// Header is sent on the outbound call. Content-Type and Content-Length
	// are always overwritten with values derived from Format and the body.
	Header http.Header

	// Format names the codec used to encode Data; empty means passthrough.
	Format string

	// Data is the value to encode as the outbound body.
	Data any

	// Response, when set, is sent to the original caller instead of the
	// upstream response, which is then only logged.
	Response *Reply
}

// Reply is a response a converter sends back to the original caller.
type Reply struct {
	// StatusCode defaults to 200 when zero.
	StatusCode int

	// Format names the codec used to encode Data.
	Format string

	Data any
}

// InvalidError rejects an inbound payload. Its message is returned to the
// caller as the response body.
type InvalidError struct {
	Message string
}

func (e *InvalidError) Error() string {
	return e.Message
}

// Invalid formats an InvalidError.
func Invalid(format string, args ...any) error {
	return &InvalidError{Message: fmt.Sprintf(format, args...)}
}
