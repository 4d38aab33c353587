package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindStaleVersion      Kind = "stale_version"
	KindInvalidTransition Kind = "invalid_transition"
	KindDuplicateEvent    Kind = "duplicate_event"
	KindInvalidSignature  Kind = "invalid_signature"
	KindStaleEvent        Kind = "stale_event"
	KindGatewayTransient  Kind = "gateway_transient"
	KindGatewayPermanent  Kind = "gateway_permanent"
	KindLockedAccount     Kind = "locked_account"
	KindSuspendedAccount  Kind = "suspended_account"
	KindBannedAccount     Kind = "banned_account"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindValidation        Kind = "validation"
	KindUnauthenticated   Kind = "unauthenticated"
	KindTokenExpired      Kind = "token_expired"
	KindInternal          Kind = "internal"
)

var safeMessages = map[Kind]string{
	KindNotFound:          "resource not found",
	KindConflict:          "resource was modified concurrently",
	KindStaleVersion:      "resource version is stale",
	KindInvalidTransition: "status transition is not allowed",
	KindDuplicateEvent:    "event already processed",
	KindInvalidSignature:  "invalid signature",
	KindStaleEvent:        "event timestamp outside the accepted window",
	KindGatewayTransient:  "payment gateway temporarily unavailable",
	KindGatewayPermanent:  "payment gateway rejected the request",
	KindLockedAccount:     "account is temporarily locked",
	KindSuspendedAccount:  "account is suspended",
	KindBannedAccount:     "account is banned",
	KindInsufficientFunds: "insufficient funds",
	KindValidation:        "invalid request",
	KindUnauthenticated:   "authentication required",
	KindTokenExpired:      "token expired",
	KindInternal:          "internal error",
}

// Error carries a taxonomy kind, a message that is safe to show to callers
// and an optional internal cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = safeMessages[e.Kind]
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrStaleVersion      = &Error{Kind: KindStaleVersion}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrDuplicateEvent    = &Error{Kind: KindDuplicateEvent}
	ErrInvalidSignature  = &Error{Kind: KindInvalidSignature}
	ErrStaleEvent        = &Error{Kind: KindStaleEvent}
	ErrGatewayTransient  = &Error{Kind: KindGatewayTransient}
	ErrGatewayPermanent  = &Error{Kind: KindGatewayPermanent}
	ErrLockedAccount     = &Error{Kind: KindLockedAccount}
	ErrSuspendedAccount  = &Error{Kind: KindSuspendedAccount}
	ErrBannedAccount     = &Error{Kind: KindBannedAccount}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated}
	ErrTokenExpired      = &Error{Kind: KindTokenExpired}
)

func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// SafeMessage never exposes the wrapped cause.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" && e.Kind != KindInternal {
			return e.Message
		}
		return safeMessages[e.Kind]
	}
	return safeMessages[KindInternal]
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindStaleVersion, KindInvalidTransition:
		return http.StatusConflict
	case KindDuplicateEvent:
		return http.StatusOK
	case KindInvalidSignature, KindStaleEvent, KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated, KindTokenExpired:
		return http.StatusUnauthorized
	case KindLockedAccount, KindSuspendedAccount, KindBannedAccount:
		return http.StatusForbidden
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindGatewayTransient:
		return http.StatusServiceUnavailable
	case KindGatewayPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
