package bcb

import (
	"errors"
	"fmt"
)

// ErrNoData indicates the series returned no usable records for the request.
var ErrNoData = errors.New("bcb: no data available")

// APIError is a transient transport or HTTP failure. It is the only error
// category the retry wrapper will retry.
type APIError struct {
	Status int
	Msg    string
	Err    error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bcb api error (%d): %s", e.Status, e.Msg)
	}
	return "bcb api error: " + e.Msg
}

func (e *APIError) Unwrap() error { return e.Err }

// ParseError marks a malformed record or response body. Individual record
// parse failures are skipped by the client and never surface as this error;
// a ParseError from the client means the whole response was unreadable.
type ParseError struct {
	Msg string
	Err error
}

func (e *ParseError) Error() string { return "bcb parse error: " + e.Msg }

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError is a circuit-breaker breach: a parsed value landed outside
// the configured bounds for its rate type. It aborts the fetch for that rate
// and is never retried, since the upstream data itself is suspect.
type ValidationError struct {
	Rate     string
	RawValue string
	Bound    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bcb validation error: %s value %s outside bound %s", e.Rate, e.RawValue, e.Bound)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
