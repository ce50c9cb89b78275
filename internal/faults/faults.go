// Package faults classifies wake-call failures.
//
// Every failure that crosses a component boundary is wrapped in exactly one
// kind. Unclassified errors are treated as transient by the dispatcher.
package faults

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransient
	KindPermanent
	KindContention
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindContention:
		return "contention"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind  Kind
	Field string // optional, validation only
	After time.Duration
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation rejects malformed input at schedule time.
func Validation(field string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindValidation, Field: field, Err: err}
}

// Validationf is Validation with a formatted message.
func Validationf(field, format string, args ...any) error {
	return &Error{Kind: KindValidation, Field: field, Err: fmt.Errorf(format, args...)}
}

// Transient marks a delivery failure that may succeed when retried.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// TransientAfter is Transient with a provider supplied retry hint.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &Error{Kind: KindTransient, After: after, Err: err}
}

// Permanent marks a delivery failure that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Contention marks a device resource that could not be acquired.
func Contention(resource string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindContention, Field: resource, Err: err}
}

// KindOf returns the outermost classification of err.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
func IsPermanent(err error) bool  { return KindOf(err) == KindPermanent }
func IsContention(err error) bool { return KindOf(err) == KindContention }

// RetryAfter returns the retry hint carried by a transient error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindTransient && e.After > 0 {
		return e.After, true
	}
	return 0, false
}
