package simplex

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	_ error = (*ValidationError)(nil)

	// ErrValidationTooOld signals that a message belongs to a view that is no
	// longer retained.
	ErrValidationTooOld = newValidationError("message is for a pruned view")
	// ErrValidationTooFar signals that a message is for a view too far ahead of
	// the current view to be buffered.
	ErrValidationTooFar = newValidationError("message is too far ahead")
	// ErrValidationInvalid signals that a message is malformed or its
	// signatures do not verify.
	ErrValidationInvalid = newValidationError("message invalid")
	// ErrValidationWrongSigner signals that a message names a signer outside
	// the committee.
	ErrValidationWrongSigner = newValidationError("unknown signer")
	// ErrValidationNotRelevant signals that a message is valid but carries
	// nothing new, and is not worth propagating to others.
	ErrValidationNotRelevant = newValidationError("message is valid but not relevant")

	// ErrJournal signals that a decision could not be made durable. The voter
	// must not continue after it.
	ErrJournal = errors.New("journal failure")
)

// ValidationError signals that a message was dropped during validation.
type ValidationError struct{ message string }

func newValidationError(message string) ValidationError { return ValidationError{message: message} }
func (e ValidationError) Error() string                 { return e.message }

type PanicError struct {
	Cause      any
	stackTrace string
}

func newPanicError(cause any) *PanicError {
	return &PanicError{
		Cause:      cause,
		stackTrace: string(debug.Stack()),
	}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("voter panicked: %v\n%v", e.Cause, e.stackTrace)
}
