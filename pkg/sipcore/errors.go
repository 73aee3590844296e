// Package sipcore holds the primitives shared by every layer of the
// signaling engine: the structured error type, the cause vocabulary,
// event payloads and the EventEmitter capability.
package sipcore

import (
	"fmt"
)

// ErrorCategory classifies a CoreError for logging and retry policy.
type ErrorCategory string

const (
	ErrorCategorySystem      ErrorCategory = "SYSTEM"
	ErrorCategoryTransport   ErrorCategory = "TRANSPORT"
	ErrorCategoryTimeout     ErrorCategory = "TIMEOUT"
	ErrorCategoryProtocol    ErrorCategory = "PROTOCOL"
	ErrorCategoryState       ErrorCategory = "STATE"
	ErrorCategoryTransaction ErrorCategory = "TRANSACTION"
	ErrorCategoryDialog      ErrorCategory = "DIALOG"
	ErrorCategoryRefer       ErrorCategory = "REFER"
	ErrorCategoryValidation  ErrorCategory = "VALIDATION"
)

// CoreError is the structured error returned from every public API call
// site. It distinguishes local programming errors (category State or
// Validation, never retried, not surfaced as an event except that an
// invalid REFER target or Refer-To also emits Failed on its
// subscription) from protocol
// and system failures (category Protocol/Transport/System, which also
// surface as Failed/Ended events per the three-tier taxonomy).
type CoreError struct {
	Code     string
	Message  string
	Category ErrorCategory
	Cause    error
	// Retryable marks failures the caller may legitimately retry
	// (e.g. a 500 Retry-After conflict on an in-dialog modifier).
	Retryable bool
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// NewError builds a CoreError with no cause.
func NewError(code, message string, category ErrorCategory) *CoreError {
	return &CoreError{Code: code, Message: message, Category: category}
}

// Wrap builds a CoreError around an underlying cause.
func Wrap(cause error, code, message string, category ErrorCategory) *CoreError {
	return &CoreError{Code: code, Message: message, Category: category, Cause: cause}
}

// Cause is the application-facing vocabulary for why an entity ended or
// failed.
type Cause string

const (
	CauseCanceled               Cause = "CANCELED"
	CauseRejected               Cause = "REJECTED"
	CauseBye                    Cause = "BYE"
	CauseNoAck                  Cause = "NO_ACK"
	CauseNoAnswer               Cause = "NO_ANSWER"
	CauseExpires                Cause = "EXPIRES"
	CauseRequestTimeout         Cause = "REQUEST_TIMEOUT"
	CauseConnectionError        Cause = "CONNECTION_ERROR"
	CauseBadMediaDescription    Cause = "BAD_MEDIA_DESCRIPTION"
	CauseInvalidTarget          Cause = "INVALID_TARGET"
	CauseInvalidReferToTarget   Cause = "INVALID_REFER_TO_TARGET"
	CauseUserDeniedMediaAccess  Cause = "USER_DENIED_MEDIA_ACCESS"
	CauseWebRTCError            Cause = "WEBRTC_ERROR"
	CauseInternalError          Cause = "INTERNAL_ERROR"
	CauseSessionTimer           Cause = "SESSION_TIMER"
)

// Originator tags every event payload
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)
