// Package nodkind defines the error-kind vocabulary shared by every layer
// of the NOD core, from the block manager up through the transaction
// engine.
package nodkind

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error kinds core operations can return.
type Kind int

const (
	SUCCESS Kind = iota
	ErrBuffer
	ErrDatabase
	ErrTransaction
	ErrVertex
	ErrEdge
	ErrLabel
	ErrPropertyType
	ErrPropertyExists
	ErrPropertyTypeExists
	ErrNoProperty
	ErrSizeLimit
	ErrSize
	ErrState
	ErrObjectMismatch
	ErrReadOnlyTransaction
	ErrReadOnlyPropertyType
	ErrWrongType
	ErrEdgeOrientation
	ErrIncompatibleTransactions
	ErrConstraint
	ErrStale
	ErrUID
	ErrNoMemory
	ErrTruncate
	ErrTransactionCritical
	ErrTransactionCommitFail
)

//go:generate stringer -type=Kind

var names = [...]string{
	"SUCCESS",
	"ERROR_BUFFER",
	"ERROR_DATABASE",
	"ERROR_TRANSACTION",
	"ERROR_VERTEX",
	"ERROR_EDGE",
	"ERROR_LABEL",
	"ERROR_PROPERTY_TYPE",
	"ERROR_PROPERTY_EXISTS",
	"ERROR_PROPERTY_TYPE_EXISTS",
	"ERROR_NO_PROPERTY",
	"ERROR_SIZE_LIMIT",
	"ERROR_SIZE",
	"ERROR_STATE",
	"ERROR_OBJECT_MISMATCH",
	"ERROR_READ_ONLY_TRANSACTION",
	"ERROR_READ_ONLY_PROPERTY_TYPE",
	"ERROR_WRONG_TYPE",
	"ERROR_EDGE_ORIENTATION",
	"ERROR_INCOMPATIBLE_TRANSACTIONS",
	"ERROR_CONSTRAINT",
	"ERROR_STALE",
	"ERROR_UID",
	"ERROR_NO_MEMORY",
	"ERROR_TRUNCATE",
	"ERROR_TRANSACTION_CRITICAL",
	"ERROR_TRANSACTION_COMMIT_FAIL",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(names) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return names[k]
}

// Error wraps a Kind with a human-readable message and an optional
// underlying cause (e.g. a transport-level I/O error from the RMA façade).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New builds an *Error with no underlying cause.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around an underlying cause.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error. It
// returns SUCCESS for a nil err and ErrState for any other error. Callers that only care about the kind for logging
// fields can use this without an errors.As dance.
func KindOf(err error) Kind {
	if err == nil {
		return SUCCESS
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrState
}
