package neuprint

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed mutation so callers can decide whether to retry or report.
type ErrorKind uint8

const (
	// UnknownKind is returned by KindOf for errors that carry no kind.
	UnknownKind ErrorKind = iota

	// InvalidArgument is a malformed request, e.g., fewer than two merge bodies.
	InvalidArgument

	// NotFound means one or more referenced bodies or synapses do not resolve.
	NotFound

	// InvariantViolation means the stored graph is inconsistent with the requested change,
	// e.g., subtracting a ROI that the base counts do not have.
	InvariantViolation

	// TransactionFailure is a store-level failure while reading or writing.
	TransactionFailure
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case InvariantViolation:
		return "InvariantViolation"
	case TransactionFailure:
		return "TransactionFailure"
	default:
		return "Unknown"
	}
}

// Error implements the error interface so a kind can be used as an errors.Is target,
// e.g., errors.Is(err, neuprint.NotFound).
func (k ErrorKind) Error() string {
	return k.String()
}

// Error is a typed failure of a mutation.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g., "merge"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches either another *Error with the same kind or a bare ErrorKind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case ErrorKind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// NewError returns an error of the given kind with a formatted description.
func NewError(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapError returns err annotated with a kind unless it already carries one.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != UnknownKind {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// WithOp returns err with the operation name attached, keeping its kind.
func WithOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op != "" {
			return err
		}
		return &Error{Kind: e.Kind, Op: op, Err: e.Err}
	}
	return &Error{Kind: UnknownKind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnknownKind
}
