// Package errs defines the closed set of typed errors the core surfaces to
// callers, per the stable error codes in spec §6/§7. HTTP status mapping is
// the routing layer's job (out of scope here); this package only carries the
// code, an optional retry hint, and optional structured details.
package errs

import "fmt"

// Code is one of the stable error-code strings from spec §6.
type Code string

const (
	CodeAuthRequired                 Code = "auth_required"
	CodeAuthMismatch                 Code = "auth_mismatch"
	CodeRateLimited                  Code = "rate_limited"
	CodeAbuseBlocked                 Code = "abuse_blocked"
	CodeSelfSendNotAllowed           Code = "self_send_not_allowed"
	CodeInsufficientBalance          Code = "insufficient_balance"
	CodeNotAccepted                  Code = "not_accepted"
	CodeIdempotencyConflict          Code = "idempotency_conflict"
	CodeIdentityWalletCollision      Code = "identity_wallet_collision"
	CodeInvalidSecretFormat          Code = "invalid_secret_format"
	CodeComplianceRequired           Code = "compliance_required"
	CodeNotificationProviderUnavail  Code = "notification_provider_unavailable"
	CodeLaunchNotReady               Code = "launch_not_ready"
	CodeInternal                     Code = "internal_error"
	CodeValidation                   Code = "validation_error"
)

// Error is the single error type the core returns to its callers. It is
// never wrapped further up the stack — the HTTP glue (out of scope) maps
// Code to a status and Details to a response body.
type Error struct {
	Code         Code
	Message      string
	RetryAfterMs int64
	Details      map[string]any
	cause        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a typed error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a typed error that also carries an underlying cause, for
// internal_error/transient-backend cases where the cause is useful in logs
// but must not leak to the caller.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRetryAfter attaches a retry hint (abuse blocks, rate limiting).
func (e *Error) WithRetryAfter(ms int64) *Error {
	e.RetryAfterMs = ms
	return e
}

// WithDetails attaches structured detail fields.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// Is supports errors.Is(err, errs.New(CodeX, "")) style comparisons by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, otherwise returns CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// As is a thin re-export wrapper so callers needn't import errors directly
// just to unwrap an *errs.Error from deeper in the stack.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
