package daraja

import (
	"errors"
	"fmt"
)

// ErrUnreachable indicates a network failure or timeout talking to the
// Daraja API. Retryable by the caller; the client itself never retries
// because a blind retry of an STK push would double-charge.
var ErrUnreachable = errors.New("daraja: provider unreachable")

// ErrMalformedResponse indicates the provider returned a body that does not
// match its documented contract. Not retryable.
var ErrMalformedResponse = errors.New("daraja: malformed provider response")

// ErrAuthFailed indicates the token endpoint refused our credentials. Says
// nothing about any individual checkout request, so callers must never treat
// it as a verdict on a transaction.
var ErrAuthFailed = errors.New("daraja: authentication failed")

// RejectedError indicates the provider explicitly declined a request.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("daraja: provider rejected request (code %s): %s", e.Code, e.Message)
}

// IsRejected reports whether err is a provider rejection and returns it
func IsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
