package detections

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so the HTTP layer can pick a status code.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalidInput
	KindDecode
	KindInference
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindDecode:
		return "decode"
	case KindInference:
		return "inference"
	default:
		return "internal"
	}
}

type ProcessingError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func newError(kind ErrorKind, message string, cause error) *ProcessingError {
	return &ProcessingError{Kind: kind, Message: message, Cause: cause}
}

// KindOf reports the kind of err. Errors that were never classified are internal.
func KindOf(err error) ErrorKind {
	var perr *ProcessingError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindInternal
}

// IsInvalidInput reports whether err is a client-side input error.
func IsInvalidInput(err error) bool {
	return err != nil && KindOf(err) == KindInvalidInput
}

// NewInvalidInput builds a client error whose message is safe to return as-is.
func NewInvalidInput(message string, cause error) error {
	return newError(KindInvalidInput, message, cause)
}

// PublicMessage is the message of the outermost ProcessingError, without its cause.
func PublicMessage(err error) string {
	var perr *ProcessingError
	if errors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}
