package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes returned by the exchange endpoint.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeInvalidTarget          = "invalid_target"
	CodeInvalidToken           = "invalid_token"
	CodeDisabled               = "token_exchange_disabled"
	CodeTemporarilyUnavailable = "temporarily_unavailable"
	CodeServerError            = "server_error"
)

// Error is an exchange failure in the RFC 6749 error vocabulary. Code and
// Description are safe to return to the client; Err is the internal cause
// and is only logged.
type Error struct {
	Code        string
	Description string
	Status      int
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Err }

// AsError returns err as an *Error, classifying anything else as a server
// error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return serverError(err)
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Description: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

func invalidTarget(cause error) *Error {
	return &Error{Code: CodeInvalidTarget, Description: "Invalid target audience", Status: http.StatusBadRequest, Err: cause}
}

func invalidToken(cause error) *Error {
	return &Error{Code: CodeInvalidToken, Description: "Invalid subject token", Status: http.StatusBadRequest, Err: cause}
}

func disabled() *Error {
	return &Error{Code: CodeDisabled, Description: "Token exchange is disabled", Status: http.StatusBadRequest}
}

func unavailable(cause error) *Error {
	return &Error{
		Code:        CodeTemporarilyUnavailable,
		Description: "Token introspection is temporarily unavailable",
		Status:      http.StatusServiceUnavailable,
		Err:         cause,
	}
}

func serverError(cause error) *Error {
	return &Error{Code: CodeServerError, Description: "Internal server error", Status: http.StatusInternalServerError, Err: cause}
}
