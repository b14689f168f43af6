package offline

import (
	"errors"
	"fmt"
)

// classification decides what the queue does with a failed attempt:
// transient and rejection errors consume a retry, validation errors are
// never queued, exhaustion is a terminal drop.

// a transport level failure. retried up to the cap.
type TransientNetworkError struct {
	Err error
}

func (self *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error: %s", self.Err)
}

func (self *TransientNetworkError) Unwrap() error {
	return self.Err
}

func IsTransientNetworkError(err error) bool {
	var transientNetworkError *TransientNetworkError
	return errors.As(err, &transientNetworkError)
}

// a locally detectable bad request. surfaced immediately, never queued.
type ValidationError struct {
	Message string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", self.Message)
}

func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// the server answered and said no. treated as a failed attempt,
// subject to the same retry cap as transport errors.
type ServerRejectionError struct {
	Message string
}

func (self *ServerRejectionError) Error() string {
	return fmt.Sprintf("server rejection: %s", self.Message)
}

func IsServerRejectionError(err error) bool {
	var serverRejectionError *ServerRejectionError
	return errors.As(err, &serverRejectionError)
}

// short-circuits realtime initialization with no retry
var ErrIdentityNotEstablished = errors.New("identity not established")

// terminal drop after the retry cap. logged, not re-surfaced to the caller.
type RetriesExhaustedError struct {
	OperationId Id
	Kind        OpKind
}

func (self *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %s operation %s", self.Kind, self.OperationId)
}
