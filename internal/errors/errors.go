// Package errors defines the engine's error taxonomy. Every error that can reach the
// controller carries a Kind, and every Kind maps to a stable NACK reason code.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindMalformed
	KindNotFound
	KindConflict
	KindCapacityExceeded
	KindAlreadyRegistered
	KindProtocolMismatch
	KindCommitFailed
	KindNotRegistered
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindMalformed:
		return "malformed"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindAlreadyRegistered:
		return "already_registered"
	case KindProtocolMismatch:
		return "protocol_mismatch"
	case KindCommitFailed:
		return "commit_failed"
	case KindNotRegistered:
		return "not_registered"
	default:
		return "unknown"
	}
}

// NACK reason codes carried on the wire. Zero is reserved for ACK.
const (
	ReasonNone              uint32 = 0
	ReasonMalformed         uint32 = 1
	ReasonNotFound          uint32 = 2
	ReasonConflict          uint32 = 3
	ReasonCapacityExceeded  uint32 = 4
	ReasonAlreadyRegistered uint32 = 5
	ReasonProtocolMismatch  uint32 = 6
	ReasonCommitFailed      uint32 = 7
	ReasonNotRegistered     uint32 = 8
	ReasonInternal          uint32 = 255
)

// Error represents a structured engine error.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it wraps it as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{
			Kind:       KindInternal,
			Message:    err.Error(),
			Underlying: err,
		}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the outermost engine error in the chain, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && GetKind(err) == kind
}

// GetAttributes returns all attributes associated with the error and its chain.
// Outer attributes win over inner ones with the same key.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	tempErr := err
	for tempErr != nil {
		if !errors.As(tempErr, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		tempErr = e.Underlying
	}

	return attrs
}

// Reason maps an error to its NACK reason code. A nil error maps to ReasonNone.
func Reason(err error) uint32 {
	if err == nil {
		return ReasonNone
	}
	switch GetKind(err) {
	case KindMalformed:
		return ReasonMalformed
	case KindNotFound:
		return ReasonNotFound
	case KindConflict:
		return ReasonConflict
	case KindCapacityExceeded:
		return ReasonCapacityExceeded
	case KindAlreadyRegistered:
		return ReasonAlreadyRegistered
	case KindProtocolMismatch:
		return ReasonProtocolMismatch
	case KindCommitFailed:
		return ReasonCommitFailed
	case KindNotRegistered:
		return ReasonNotRegistered
	default:
		return ReasonInternal
	}
}

// KindForReason is the inverse of Reason. Unknown codes map to KindInternal.
func KindForReason(reason uint32) Kind {
	switch reason {
	case ReasonMalformed:
		return KindMalformed
	case ReasonNotFound:
		return KindNotFound
	case ReasonConflict:
		return KindConflict
	case ReasonCapacityExceeded:
		return KindCapacityExceeded
	case ReasonAlreadyRegistered:
		return KindAlreadyRegistered
	case ReasonProtocolMismatch:
		return KindProtocolMismatch
	case ReasonCommitFailed:
		return KindCommitFailed
	case ReasonNotRegistered:
		return KindNotRegistered
	default:
		return KindInternal
	}
}

// ReasonText returns a short description of a NACK reason code.
func ReasonText(reason uint32) string {
	if reason == ReasonNone {
		return "ok"
	}
	return KindForReason(reason).String()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
