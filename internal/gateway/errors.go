package gateway

import (
	"errors"
	"fmt"
)

// SubCode identifies a failure class carried alongside the HTTP status.
type SubCode string

const (
	CodeBadRequest              SubCode = "BadRequest"
	CodeAuthenticationFailed    SubCode = "AuthenticationFailed"
	CodeAuthorizationFailed     SubCode = "AuthorizationFailed"
	CodeEntityNotFound          SubCode = "EntityNotFound"
	CodeItemAlreadyExists       SubCode = "ItemAlreadyExists"
	CodeUnexpectedError         SubCode = "UnexpectedError"
	CodeDatabaseOperationFailed SubCode = "DatabaseOperationFailed"
	CodeServiceBusy             SubCode = "ServiceBusy"
	CodeErrorInInitialization   SubCode = "ErrorInInitialization"
)

// Error is the single failure type crossing component boundaries. Planner,
// executor and authorization return it as a value; only the outer request
// boundary converts it to a wire response.
type Error struct {
	Code    SubCode `json:"code"`
	Status  int     `json:"status"`
	Message string  `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error for logs without changing the
// client-visible message.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// PublicMessage returns the text safe to echo to clients. In production mode
// driver text is suppressed for 5xx classes.
func (e *Error) PublicMessage(devMode bool) string {
	if devMode || e.Status < 500 {
		return e.Message
	}
	switch e.Code {
	case CodeDatabaseOperationFailed:
		return "While processing your request the database ran into an error."
	case CodeUnexpectedError:
		return "An unexpected error occurred while processing the request."
	default:
		return e.Message
	}
}

func NewError(code SubCode, status int, msg string) *Error {
	return &Error{Code: code, Status: status, Message: msg}
}

func BadRequest(format string, args ...any) *Error {
	return &Error{Code: CodeBadRequest, Status: 400, Message: fmt.Sprintf(format, args...)}
}

func AuthenticationFailed(msg string) *Error {
	return &Error{Code: CodeAuthenticationFailed, Status: 401, Message: msg}
}

func AuthorizationFailed(format string, args ...any) *Error {
	return &Error{Code: CodeAuthorizationFailed, Status: 403, Message: fmt.Sprintf(format, args...)}
}

func EntityNotFound(format string, args ...any) *Error {
	return &Error{Code: CodeEntityNotFound, Status: 404, Message: fmt.Sprintf(format, args...)}
}

func ItemAlreadyExists(msg string) *Error {
	return &Error{Code: CodeItemAlreadyExists, Status: 409, Message: msg}
}

func Unexpected(msg string, cause error) *Error {
	return &Error{Code: CodeUnexpectedError, Status: 500, Message: msg, cause: cause}
}

func DatabaseOperationFailed(msg string, cause error) *Error {
	return &Error{Code: CodeDatabaseOperationFailed, Status: 500, Message: msg, cause: cause}
}

func ServiceBusy(msg string) *Error {
	return &Error{Code: CodeServiceBusy, Status: 503, Message: msg}
}

func InitializationError(msg string, cause error) *Error {
	return &Error{Code: CodeErrorInInitialization, Status: 503, Message: msg, cause: cause}
}

// AsError extracts a *Error from err, or wraps err as UnexpectedError.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Unexpected("unhandled failure", err)
}
