// Package domainerrors defines coded errors that cross service boundaries.
//
// Stores return sentinel errors (pkg/platform/sentinel); services translate them
// into a *Error carrying a Code. Handlers map codes onto HTTP statuses and never
// look at the wrapped cause.
package domainerrors

import (
	"errors"
	"net/http"
)

type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeUnauthorized       Code = "unauthorized"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInternal           Code = "internal_error"
	CodeInvariantViolation Code = "invariant_violation"
	CodeConfiguration      Code = "configuration_error"

	// Student lifecycle taxonomy.
	CodeInvalidInput               Code = "invalid_input"
	CodeIdentityCreationFailed     Code = "identity_creation_failed"
	CodeProfileCreationCompensated Code = "profile_creation_compensated"
	CodeCompensationFailed         Code = "compensation_failed"
	CodeRetireStepFailed           Code = "retire_step_failed"
	CodeDuplicateOperation         Code = "duplicate_operation"
	CodeAlreadyTerminal            Code = "already_terminal"
	CodeInProgress                 Code = "operation_in_progress"
)

// Error is a domain error with a stable code and a caller-safe message.
// Fields carries structured context (field names, step names, operation ids)
// that handlers may surface next to the message.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithField attaches a key/value pair and returns the same error for chaining.
func (e *Error) WithField(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
	return e
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if errors.As(err, &de) {
			if de.Code == code {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost domain code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ToHTTPStatus maps a code onto the status returned by the admin API.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeInProgress:
		return http.StatusAccepted
	case CodeBadRequest, CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeDuplicateOperation, CodeAlreadyTerminal:
		return http.StatusConflict
	case CodeInvariantViolation, CodeIdentityCreationFailed, CodeProfileCreationCompensated:
		return http.StatusUnprocessableEntity
	case CodeRetireStepFailed:
		return http.StatusServiceUnavailable
	case CodeCompensationFailed, CodeConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
