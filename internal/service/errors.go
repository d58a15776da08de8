package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an Error. Handlers map codes to HTTP statuses.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeConflict             Code = "CONFLICT"
	CodeInvalidCredentials   Code = "INVALID_CREDENTIALS"
	CodeEmailNotVerified     Code = "EMAIL_NOT_VERIFIED"
	CodeEmailAlreadyVerified Code = "EMAIL_ALREADY_VERIFIED"
	CodeSessionMissing       Code = "SESSION_MISSING"
	CodeMFARequired          Code = "MFA_REQUIRED"
	CodeOTPRequired          Code = "OTP_REQUIRED"
	CodeOTPSent              Code = "OTP_SENT"
	CodeInvalidOTP           Code = "INVALID_OTP"
	CodeInvalidMFAType       Code = "INVALID_MFA_TYPE"
	CodeMFAUnchanged         Code = "MFA_UNCHANGED"
	CodeNotImplemented       Code = "NOT_IMPLEMENTED"
	CodeInvalidLink          Code = "INVALID_LINK"
	CodeLinkExpired          Code = "LINK_EXPIRED"
	CodeUserNotFound         Code = "USER_NOT_FOUND"
	CodeNoToken              Code = "NO_TOKEN"
	CodeNotFound             Code = "NOT_FOUND"
	CodeRevoked              Code = "REVOKED"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// MFAOption is one enabled method as shown to a caller who still has to
// pick a second factor. Contact details are masked.
type MFAOption struct {
	Type  string `json:"mfa_type"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Error is the typed failure of every AuthService operation. Flow-control
// outcomes (MFA_REQUIRED, OTP_SENT, ...) are Errors too; they carry the
// extra fields the caller needs to continue.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	MFAMethods []MFAOption
	Step       string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so errors.Is(err, ErrInternal)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNoToken, CodeNotFound, CodeRevoked, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeUserNotFound:
		return http.StatusNotFound
	case CodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// AsError extracts the *Error in err's chain. Anything else becomes
// INTERNAL_ERROR.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return internal(MsgInternal, err)
}

func fail(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

func internal(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Cause: cause}
}

// ErrInternal matches any INTERNAL_ERROR via errors.Is.
var ErrInternal = &Error{Code: CodeInternal}

// User-facing messages reused across operations and handlers.
const (
	MsgMissingFields      = "Please provide all the required fields"
	MsgInvalidCredentials = "Invalid credentials"
	MsgEmailVerified      = "Email verified successfully. You can close the tab."
	MsgVerifyFailed       = "Failed to verify email. Please try again later."
	MsgConsumeFailed      = "Failed to mark token consumed."
	MsgInternal           = "Internal server error"
)
