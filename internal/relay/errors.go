package relay

// Outcome labels the terminal state of one relay operation.
type Outcome string

const (
	OutcomeRelayed       Outcome = "relayed"
	OutcomeReplied       Outcome = "replied"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeDeclined      Outcome = "declined"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeInternalError Outcome = "internal_error"
)

// UpstreamError is a transport-level failure of the outbound call:
// connection refused, DNS failure, timeout, unsupported scheme.
type UpstreamError struct {
	Method string
	URL    string
	Err    error
}

// Error returns the transport error text, which already names the method
// and URL when it comes from net/http.
func (e *UpstreamError) Error() string {
	return e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
