// Package errs defines the domain error taxonomy shared by the ledger,
// account, price and interchange services. Callers branch on the error
// type with errors.As and on the stable Code constants.
package errs

import (
	"fmt"
	"strings"
)

// Stable error codes surfaced to callers.
const (
	CodeMalformedAmount   = "malformed_amount"
	CodeUnbalanced        = "unbalanced"
	CodeUnknownAccount    = "unknown_account"
	CodeInvalidInput      = "invalid_input"
	CodeInvalidParent     = "invalid_parent"
	CodeInvalidType       = "invalid_type"
	CodeCircularReference = "circular_reference"
	CodeHasTransactions   = "has_transactions"
	CodeHasChildren       = "has_children"
	CodeReconciledLock    = "reconciled_lock"
	CodeLastBook          = "last_book"
	CodeUnreadableFile    = "unreadable_file"
	CodeMalformedDocument = "malformed_document"
)

// ValidationError reports malformed or inconsistent input. Always
// recoverable; no mutation has happened when one is returned.
type ValidationError struct {
	Code   string
	Field  string
	Detail string
	GUIDs  []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Field != "" {
		b.WriteString(" (" + e.Field + ")")
	}
	if e.Detail != "" {
		b.WriteString(": " + e.Detail)
	}
	if len(e.GUIDs) > 0 {
		b.WriteString(": " + strings.Join(e.GUIDs, ", "))
	}
	return b.String()
}

// Validationf builds a ValidationError with a formatted detail message.
func Validationf(code, field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown guid. The 404 of the taxonomy.
type NotFoundError struct {
	Entity string
	GUID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.GUID)
}

// NotFound builds a NotFoundError.
func NotFound(entity, guid string) *NotFoundError {
	return &NotFoundError{Entity: entity, GUID: guid}
}

// ConflictError reports an operation rejected by current state: editing a
// reconciled transaction, circular account moves, deleting a populated
// account or the last book.
type ConflictError struct {
	Code   string
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// Conflictf builds a ConflictError with a formatted detail message.
func Conflictf(code, format string, args ...interface{}) *ConflictError {
	return &ConflictError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// DocumentError is fatal for the current interchange call. It is always
// raised before any write, or rolls the write back entirely.
type DocumentError struct {
	Code   string
	Detail string
	Err    error
}

func (e *DocumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return e.Code + ": " + e.Detail
}

func (e *DocumentError) Unwrap() error { return e.Err }

// Documentf builds a DocumentError wrapping an optional cause.
func Documentf(code string, err error, format string, args ...interface{}) *DocumentError {
	return &DocumentError{Code: code, Detail: fmt.Sprintf(format, args...), Err: err}
}
