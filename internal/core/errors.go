package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed taxonomy of request-path failures. Rejections are
// data: handlers map kinds to HTTP statuses, components never panic on them.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindUnauthenticated     ErrorKind = "unauthenticated"
	KindForbidden           ErrorKind = "forbidden"
	KindTenantConflict      ErrorKind = "tenant_conflict"
	KindKillSwitchActive    ErrorKind = "kill_switch_active"
	KindQuarantined         ErrorKind = "quarantined"
	KindRateLimited         ErrorKind = "rate_limited"
	KindPolicyDenied        ErrorKind = "policy_denied"
	KindApprovalRequired    ErrorKind = "approval_required"
	KindPolicyUnavailable   ErrorKind = "policy_unavailable"
	KindBrokerFailed        ErrorKind = "broker_failed"
	KindToolFailure         ErrorKind = "tool_failure"
	KindTraceWriteFailed    ErrorKind = "trace_write_failed"
	KindSignatureInvalid    ErrorKind = "signature_invalid"
	KindLegalHoldSet        ErrorKind = "legal_hold_set"
	KindCrossTenant         ErrorKind = "cross_tenant_forbidden"
	KindVersionUnsupported  ErrorKind = "version_unsupported"
	KindUnavailable         ErrorKind = "unavailable"
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
	KindInternal            ErrorKind = "internal"
)

// Error is a typed failure carrying the taxonomy kind, a short reason and an
// optional remediation hint. Reasons and hints must never embed secrets.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
	Hint   string    `json:"hint,omitempty"`
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindX}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// E constructs a typed error.
func E(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// EHint constructs a typed error with a remediation hint.
func EHint(kind ErrorKind, reason, hint string) *Error {
	return &Error{Kind: kind, Reason: reason, Hint: hint}
}

// Wrap attaches a cause to a typed error.
func Wrap(kind ErrorKind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// KindOf extracts the taxonomy kind from an error chain, defaulting to
// internal for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a taxonomy kind to its response status per the API
// contract.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation, KindVersionUnsupported, KindSignatureInvalid:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindTenantConflict, KindPolicyDenied, KindCrossTenant:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindKillSwitchActive, KindQuarantined, KindLegalHoldSet, KindConflict:
		return http.StatusConflict
	case KindApprovalRequired:
		return http.StatusAccepted
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBrokerFailed, KindToolFailure, KindPolicyUnavailable:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
