// Package pdferr defines the typed errors returned by the document, content
// and guard packages. Every type records the failing operation and wraps the
// underlying cause, so callers can use errors.As for the kind and errors.Is
// for the cause.
package pdferr

import (
	"errors"
	"fmt"
)

func format(kind, op string, err error) string {
	switch {
	case op == "" && err == nil:
		return "pdf: " + kind
	case op == "":
		return fmt.Sprintf("pdf: %s: %v", kind, err)
	case err == nil:
		return fmt.Sprintf("pdf: %s: %s", op, kind)
	default:
		return fmt.Sprintf("pdf: %s: %s: %v", op, kind, err)
	}
}

// FormatError reports input that is not a recognizable PDF.
type FormatError struct {
	Op     string
	Offset int64 // byte offset of the problem, -1 if unknown
	Err    error
}

func (e *FormatError) Error() string {
	if e.Offset >= 0 {
		return format(fmt.Sprintf("format error at offset %d", e.Offset), e.Op, e.Err)
	}
	return format("format error", e.Op, e.Err)
}
func (e *FormatError) Unwrap() error { return e.Err }

// IOError reports a read or write failure of the underlying storage.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return format("I/O error ("+e.Path+")", e.Op, e.Err)
	}
	return format("I/O error", e.Op, e.Err)
}
func (e *IOError) Unwrap() error { return e.Err }

// AuthError reports a missing or wrong password for a protected document.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return format("authentication failed", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// EncryptionError reports an unsupported security handler, or access to
// protected content before the document was unlocked.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string { return format("encryption error", e.Op, e.Err) }
func (e *EncryptionError) Unwrap() error { return e.Err }

// LockUpgradeError reports a write-lock request from a holder that only
// holds read locks.
type LockUpgradeError struct {
	Reads int
}

func (e *LockUpgradeError) Error() string {
	return fmt.Sprintf("pdf: lock: read-to-write upgrade refused (holder has %d read locks)", e.Reads)
}

// LockUsageError reports an unlock without a matching lock.
type LockUsageError struct {
	Op string
}

func (e *LockUsageError) Error() string { return format("unbalanced unlock", e.Op, nil) }

// StateError reports an operation invoked in an invalid sequence.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string { return format("invalid state", e.Op, e.Err) }
func (e *StateError) Unwrap() error { return e.Err }

// UnsupportedFeatureError reports a dependency on an unavailable add-on
// module or an unimplemented format feature.
type UnsupportedFeatureError struct {
	Feature string
	Err     error
}

func (e *UnsupportedFeatureError) Error() string {
	return format("unsupported feature "+e.Feature, "", e.Err)
}
func (e *UnsupportedFeatureError) Unwrap() error { return e.Err }

// Common causes wrapped by the typed errors above.
var (
	ErrNotLocked       = errors.New("caller does not hold the required lock")
	ErrForeignHolder   = errors.New("lock holder belongs to another document")
	ErrNotBegun        = errors.New("Begin has not been called")
	ErrAlreadyBegun    = errors.New("session already active")
	ErrLocked          = errors.New("document is encrypted and not unlocked")
	ErrBadPassword     = errors.New("invalid password")
	ErrPageOutOfRange  = errors.New("page index out of range")
	ErrForeignPage     = errors.New("page belongs to another document")
	ErrNoOriginalBytes = errors.New("document has no original bytes to append to")
	ErrRenumbered      = errors.New("object graph was renumbered by a previous save")
)

// State builds a StateError.
func State(op string, err error) error { return &StateError{Op: op, Err: err} }

// Format builds a FormatError with an unknown offset.
func Format(op string, err error) error { return &FormatError{Op: op, Offset: -1, Err: err} }

// IO builds an IOError.
func IO(op, path string, err error) error { return &IOError{Op: op, Path: path, Err: err} }

// Unsupported builds an UnsupportedFeatureError.
func Unsupported(feature string, err error) error {
	return &UnsupportedFeatureError{Feature: feature, Err: err}
}
