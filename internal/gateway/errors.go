package gateway

import "fmt"

// timeoutError signals a request that exceeded its deadline. Surfaced to
// the caller; never retried automatically.
type timeoutError struct {
	requestID string
	model     string
}

func (e timeoutError) Error() string {
	return fmt.Sprintf("deadline exceeded for request %s (model %s)", e.requestID, e.model)
}

// ErrTimeout constructs a timeout error.
func ErrTimeout(requestID, model string) error {
	return timeoutError{requestID: requestID, model: model}
}

// IsTimeout reports whether err indicates a deadline expiry.
func IsTimeout(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}

// unavailableError signals that dispatch gave up: the hosting workers went
// away and the single requeue pass failed too.
type unavailableError struct {
	model string
	cause error
}

func (e unavailableError) Error() string {
	return fmt.Sprintf("no worker available for model %s: %v", e.model, e.cause)
}

func (e unavailableError) Unwrap() error { return e.cause }

// ErrUnavailable constructs an unavailable error.
func ErrUnavailable(model string, cause error) error {
	return unavailableError{model: model, cause: cause}
}

// IsUnavailable reports whether err indicates exhausted dispatch targets.
func IsUnavailable(err error) bool {
	_, ok := err.(unavailableError)
	return ok
}
