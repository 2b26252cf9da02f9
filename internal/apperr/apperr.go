// Package apperr centralizes the error taxonomy shared by the session
// service, queue manager, heartbeat, and stream token components. Each
// typed error carries a stable code and an HTTP status so the ingress
// layer can translate it to a response envelope without string matching.
package apperr

import "net/http"

// Code is a stable, externally-visible error identifier.
type Code string

const (
	CodeSessionExists     Code = "SESSION_EXISTS"
	CodeSessionNotActive  Code = "SESSION_NOT_ACTIVE"
	CodePCOffline         Code = "PC_OFFLINE"
	CodePCNotFound        Code = "PC_NOT_FOUND"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeTokenInvalid      Code = "TOKEN_INVALID"
	CodeTokenExpired      Code = "TOKEN_EXPIRED"
	CodeTokenConsumed     Code = "TOKEN_CONSUMED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeScheduleConflict  Code = "SCHEDULE_CONFLICT"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeUnauthorized      Code = "UNAUTHORIZED"
)

// Error is a typed application error carrying an HTTP status and a
// stable code, returned verbatim to callers.
type Error struct {
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newErr(code Code, status int, msg string) *Error {
	return &Error{Code: code, Status: status, Message: msg}
}

func SessionExists(msg string) *Error {
	return newErr(CodeSessionExists, http.StatusConflict, msg)
}

func SessionNotActive(msg string) *Error {
	return newErr(CodeSessionNotActive, http.StatusConflict, msg)
}

func PCOffline(msg string) *Error {
	return newErr(CodePCOffline, http.StatusConflict, msg)
}

func PCNotFound(msg string) *Error {
	return newErr(CodePCNotFound, http.StatusNotFound, msg)
}

func InsufficientFunds(msg string) *Error {
	return newErr(CodeInsufficientFunds, http.StatusPaymentRequired, msg)
}

func TokenInvalid(msg string) *Error {
	return newErr(CodeTokenInvalid, http.StatusNotFound, msg)
}

func TokenExpired(msg string) *Error {
	return newErr(CodeTokenExpired, http.StatusGone, msg)
}

func TokenConsumed(msg string) *Error {
	return newErr(CodeTokenConsumed, http.StatusConflict, msg)
}

func Forbidden(msg string) *Error {
	return newErr(CodeForbidden, http.StatusForbidden, msg)
}

func ScheduleConflict(msg string) *Error {
	return newErr(CodeScheduleConflict, http.StatusConflict, msg)
}

func RateLimited(msg string) *Error {
	return newErr(CodeRateLimited, http.StatusTooManyRequests, msg)
}

func NotFound(msg string) *Error {
	return newErr(CodeNotFound, http.StatusNotFound, msg)
}

func Validation(msg string) *Error {
	return newErr(CodeValidation, http.StatusBadRequest, msg)
}

func Unauthorized(msg string) *Error {
	return newErr(CodeUnauthorized, http.StatusUnauthorized, msg)
}
