// Package errs provides the error taxonomy shared by the schema cache, the query
// compiler and the executor.
//
// Every stage wraps its failures into one of the types below before returning them.
// Handlers use KindOf (or the Is* predicates) and HTTPStatus to decide how a failure
// surfaces, without importing pgx or pg_query.
//
//	if errs.IsClient(err) {
//		// reject the request, the database was never touched
//	}
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorises an error.
type Kind int

const (
	KindUnknown             Kind = iota
	KindClientValidation         // malformed or unresolvable request parameter
	KindTypeMismatch             // JSON value incompatible with the column type
	KindUnknownTable             // the requested table does not exist
	KindUnknownColumn            // a column named by the request does not exist
	KindSchemaIntrospection      // catalog query failed, retryable
	KindDatabaseExecution        // statement failed in the database
	KindCacheDisabled            // reset requested while caching is off
)

func (k Kind) String() string {
	switch k {
	case KindClientValidation:
		return "client_validation"
	case KindTypeMismatch:
		return "type_mismatch"
	case KindUnknownTable:
		return "unknown_table"
	case KindUnknownColumn:
		return "unknown_column"
	case KindSchemaIntrospection:
		return "schema_introspection"
	case KindDatabaseExecution:
		return "database_execution"
	case KindCacheDisabled:
		return "cache_disabled"
	default:
		return "unknown"
	}
}

// Error is the general purpose error carrying a Kind and a stable, client facing Code
// such as "INCORRECT_REQUEST_BODY".
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error without a cause.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Newf is New with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error around an underlying cause.
func Wrap(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// Codes used across packages.
const (
	CodeIncorrectRequest      = "INCORRECT_REQUEST_BODY"
	CodeInvalidParam          = "INVALID_QUERY_PARAM"
	CodeInvalidWhere          = "INVALID_WHERE_CLAUSE"
	CodeUnresolvedPath        = "UNRESOLVED_COLUMN_PATH"
	CodeUnknownColumn         = "UNKNOWN_COLUMN"
	CodeUnknownTable          = "TABLE_NOT_FOUND"
	CodeInvalidConflictTarget = "INVALID_CONFLICT_TARGET"
	CodeTypeMismatch          = "TYPE_MISMATCH"
	CodeIntrospection         = "SCHEMA_INTROSPECTION_FAILED"
	CodeConstraintViolation   = "CONSTRAINT_VIOLATION"
	CodeDatabase              = "DATABASE_ERROR"
	CodeConnection            = "DATABASE_UNAVAILABLE"
	CodeCacheDisabled         = "TABLE_STATS_CACHE_NOT_ENABLED"
)

// UnresolvedPathError reports a dotted column path that could not be walked.
type UnresolvedPathError struct {
	Path    string
	Segment string
	Reason  string
}

func (e *UnresolvedPathError) Error() string {
	return fmt.Sprintf("cannot resolve %q at segment %q: %s", e.Path, e.Segment, e.Reason)
}

// TypeMismatchError reports a JSON value that cannot be bound to a column.
type TypeMismatchError struct {
	Column   string
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("column %q expects %s, got %s", e.Column, e.Expected, e.Got)
}

// ExecutionError wraps a failure reported by the database while running a statement.
type ExecutionError struct {
	SQLState   string
	Constraint string
	Message    string
	// ConstraintViolation is set for SQLSTATE class 23.
	ConstraintViolation bool
	// Connection is set when the statement failed because the server could not be
	// reached or the connection dropped.
	Connection bool
	Cause      error
}

func (e *ExecutionError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("database error %s: %s", e.SQLState, e.Message)
	}
	return "database error: " + e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// KindOf extracts the Kind of the first categorised error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var up *UnresolvedPathError
	if errors.As(err, &up) {
		return KindClientValidation
	}
	var tm *TypeMismatchError
	if errors.As(err, &tm) {
		return KindTypeMismatch
	}
	var ex *ExecutionError
	if errors.As(err, &ex) {
		return KindDatabaseExecution
	}
	return KindUnknown
}

// IsClient reports whether err was caused by the request itself. Such errors are never
// retried and are raised before any statement reaches the database.
func IsClient(err error) bool {
	switch KindOf(err) {
	case KindClientValidation, KindTypeMismatch, KindUnknownTable, KindUnknownColumn, KindCacheDisabled:
		return true
	}
	return false
}

// IsRetryable reports whether the failed operation may succeed when retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindSchemaIntrospection
}

// IsUnknownTable reports whether err means the table does not exist.
func IsUnknownTable(err error) bool {
	return KindOf(err) == KindUnknownTable
}

// Code returns the client facing code for err.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	var ex *ExecutionError
	if errors.As(err, &ex) {
		switch {
		case ex.ConstraintViolation:
			return CodeConstraintViolation
		case ex.Connection:
			return CodeConnection
		}
		return CodeDatabase
	}
	switch KindOf(err) {
	case KindClientValidation:
		return CodeUnresolvedPath
	case KindTypeMismatch:
		return CodeTypeMismatch
	}
	return CodeDatabase
}

// HTTPStatus maps err onto the status code returned to the client.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindClientValidation, KindTypeMismatch, KindUnknownColumn, KindCacheDisabled:
		return http.StatusBadRequest
	case KindUnknownTable:
		return http.StatusNotFound
	case KindSchemaIntrospection:
		return http.StatusServiceUnavailable
	case KindDatabaseExecution:
		var ex *ExecutionError
		if !errors.As(err, &ex) {
			return http.StatusInternalServerError
		}
		switch {
		case ex.ConstraintViolation:
			return http.StatusConflict
		case ex.Connection:
			return http.StatusServiceUnavailable
		case len(ex.SQLState) == 5:
			switch ex.SQLState[:2] {
			case "21", "22", "42":
				return http.StatusBadRequest
			}
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
