package gitstore

import (
	"errors"
	"fmt"
)

// Kind is the closed error taxonomy for object-store operations. Every error
// the adapter returns carries exactly one Kind; the original cause is
// preserved for logs via errors.Unwrap.
type Kind int

const (
	// KindNotFound means the named ref, object, or path does not exist.
	KindNotFound Kind = iota
	// KindConflict means a ref moved under us or a compare-and-set failed.
	KindConflict
	// KindInvalid means malformed input (bad hash, bad ref name, bad state).
	KindInvalid
	// KindIo means an underlying storage or filesystem failure.
	KindIo
	// KindTimeout means an operation exceeded its deadline.
	KindTimeout
	// KindUnsupported means the store cannot perform the operation.
	KindUnsupported
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	case KindIo:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error wraps a lower-level error with an operation name and a Kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gitstore: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("gitstore: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap builds an *Error. A nil cause is allowed for pure-classification errors.
func wrap(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf classifies err. Errors that did not originate in this package
// classify as KindIo.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindIo
}

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsConflict reports whether err classifies as KindConflict.
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}
