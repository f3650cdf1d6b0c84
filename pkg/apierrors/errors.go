// Package apierrors holds the error taxonomy shared by the signing, REST and
// subscription packages. Callers match on it with errors.Is and errors.As.
package apierrors

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation reports a response or topic whose shape is not one the
	// vendor protocol allows. It is never retried.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNotConnected reports an operation attempted outside a connected session.
	ErrNotConnected = errors.New("not connected")

	// ErrSigningInputInvalid reports a payload that cannot be canonicalized.
	ErrSigningInputInvalid = errors.New("signing input invalid")

	// ErrCallbackPanic wraps a panic recovered from a subscription callback.
	ErrCallbackPanic = errors.New("subscription callback panicked")

	// ErrInvalidCommand reports a device command outside its command table.
	ErrInvalidCommand = errors.New("invalid device command")
)

// ProtocolViolation carries the reason a payload was rejected.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// Is makes errors.Is(err, ErrProtocolViolation) hold.
func (e *ProtocolViolation) Is(target error) bool {
	return target == ErrProtocolViolation
}

// NewProtocolViolation formats a ProtocolViolation.
func NewProtocolViolation(format string, args ...any) error {
	return &ProtocolViolation{Reason: fmt.Sprintf(format, args...)}
}

// RemoteRejection is a well-formed error envelope returned by the vendor API.
type RemoteRejection struct {
	Code    string
	Message string
}

func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("code: %s | message: %s", e.Code, e.Message)
}

// SigningInputError points at the part of a payload that could not be signed.
type SigningInputError struct {
	Path   string
	Reason string
}

func (e *SigningInputError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("signing input invalid: %s", e.Reason)
	}
	return fmt.Sprintf("signing input invalid at %q: %s", e.Path, e.Reason)
}

// Is makes errors.Is(err, ErrSigningInputInvalid) hold.
func (e *SigningInputError) Is(target error) bool {
	return target == ErrSigningInputInvalid
}
