// Package hmrcerr defines the closed error taxonomy for the HMRC connector.
// Every error that crosses a component boundary is one of the five kinds
// below, carries a request ID for correlation, and a message safe to show to
// end users. Callers branch on Kind and Code, never on message text.
package hmrcerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth       Kind = "auth_error"
	KindToken      Kind = "token_error"
	KindHeader     Kind = "header_assembly_error"
	KindSubmission Kind = "submission_error"
	KindRateLimit  Kind = "rate_limit_error"
)

// Machine-readable codes within each kind.
const (
	CodeInvalidOrExpiredRequest = "invalid_or_expired_request"
	CodeStateMismatch           = "state_mismatch"
	CodeProviderRejected        = "provider_rejected"
	CodeMissingCredentials      = "missing_credentials"
	CodeNotConnected            = "not_connected"

	CodeDecryptionFailed = "decryption_failed"
	CodeRefreshRejected  = "refresh_rejected"

	CodeMissingClientData = "missing_client_data"
	CodeMalformedHeader   = "malformed_header"

	CodeValidationFailed = "validation_failed"
	CodeTransient        = "transient"
	CodeInvalidState     = "invalid_state_transition"
	CodeNotFound         = "not_found"
	CodeForbidden        = "forbidden"

	CodeTooManyRequests = "too_many_requests"
)

// Recovery hints surfaced alongside the user-safe message.
const (
	ActionReconnect      = "reconnect"
	ActionRetry          = "retry"
	ActionWaitAndRetry   = "wait_and_retry"
	ActionRecollectData  = "recollect_client_data"
	ActionContactSupport = "contact_support"
)

// Error is the single concrete type behind the taxonomy.
type Error struct {
	Kind       Kind
	Code       string
	Message    string // safe for end users; never contains secrets
	RequestID  string
	Retryable  bool
	RetryAfter int    // seconds; set for rate limit errors
	Action     string // recovery hint
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithRequestID attaches a correlation ID, returning the same error.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// Wrap attaches an underlying cause, returning the same error. The cause is
// for logs and errors.Is chains only; it is never rendered to users.
func (e *Error) Wrap(err error) *Error {
	e.cause = err
	return e
}

func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message, Action: ActionReconnect}
}

func Token(code, message string) *Error {
	return &Error{Kind: KindToken, Code: code, Message: message, Action: ActionReconnect}
}

func Header(code, message string) *Error {
	return &Error{Kind: KindHeader, Code: code, Message: message, Retryable: true, Action: ActionRecollectData}
}

func Submission(code, message string, retryable bool) *Error {
	action := ActionContactSupport
	if retryable {
		action = ActionRetry
	}
	return &Error{Kind: KindSubmission, Code: code, Message: message, Retryable: retryable, Action: action}
}

func RateLimit(retryAfterSeconds int) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       CodeTooManyRequests,
		Message:    "Too many requests. Please try again later.",
		Retryable:  true,
		RetryAfter: retryAfterSeconds,
		Action:     ActionWaitAndRetry,
	}
}

// As extracts an *Error from err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e := As(err)
	return e != nil && e.Kind == kind
}

// IsRetryable reports whether err is a classified error marked retryable.
// Unclassified errors are not retried.
func IsRetryable(err error) bool {
	e := As(err)
	return e != nil && e.Retryable
}
