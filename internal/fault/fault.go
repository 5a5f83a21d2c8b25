// Package fault classifies pipeline errors into a small closed set of kinds.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the class of a pipeline failure.
type Kind int

// Failure kinds.
const (
	Unknown Kind = iota
	ConnectionFailed
	AuthFailed
	ParseFailed
	ValidationFailed
	LoadFailed
)

func (k Kind) String() string {
	switch k {
	case ConnectionFailed:
		return "connection_failed"
	case AuthFailed:
		return "auth_failed"
	case ParseFailed:
		return "parse_failed"
	case ValidationFailed:
		return "validation_failed"
	case LoadFailed:
		return "load_failed"
	default:
		return "unknown"
	}
}

// Retryable reports whether the next cycle may succeed without operator action.
func (k Kind) Retryable() bool {
	return k == ConnectionFailed
}

// Error carries a Kind together with the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
