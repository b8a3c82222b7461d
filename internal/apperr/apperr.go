package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the turn engine reacts to it.
type Kind string

const (
	// KindBackend covers transport and timeout failures talking to the reasoning service.
	KindBackend Kind = "backend"
	// KindParse covers responses with no valid structured payload.
	KindParse Kind = "parse"
	// KindTemplate covers missing or unreadable prompt material.
	KindTemplate Kind = "template"
	// KindConsistency covers mutations that would break a World State invariant.
	KindConsistency Kind = "consistency"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Backend wraps err as a BackendError.
func Backend(op string, err error) error { return &Error{Kind: KindBackend, Op: op, Err: err} }

// Parse wraps err as a ParseError.
func Parse(op string, err error) error { return &Error{Kind: KindParse, Op: op, Err: err} }

// Template wraps err as a TemplateError.
func Template(op string, err error) error { return &Error{Kind: KindTemplate, Op: op, Err: err} }

// Consistency builds a ConsistencyError from a formatted message.
func Consistency(op, format string, args ...interface{}) error {
	return &Error{Kind: KindConsistency, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsBackend(err error) bool     { return KindOf(err) == KindBackend }
func IsParse(err error) bool       { return KindOf(err) == KindParse }
func IsTemplate(err error) bool    { return KindOf(err) == KindTemplate }
func IsConsistency(err error) bool { return KindOf(err) == KindConsistency }
