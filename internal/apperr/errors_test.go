package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := Newf(KindNotFound, "wallet %s not found", "w-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is to match ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("not_found must not match conflict")
	}

	wrapped := fmt.Errorf("load wallet: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("expected wrapped error to match ErrNotFound")
	}
	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("expected kind not_found, got %s", KindOf(wrapped))
	}
}

func TestSafeMessageHidesCause(t *testing.T) {
	cause := errors.New(`pq: relation "wallets" does not exist`)
	err := Wrap(KindInternal, "load failed", cause)
	if got := SafeMessage(err); got != "internal error" {
		t.Fatalf("expected generic message, got %q", got)
	}
	if got := SafeMessage(cause); got != "internal error" {
		t.Fatalf("expected generic message for foreign error, got %q", got)
	}
	if got := SafeMessage(New(KindValidation, "amount must be positive")); got != "amount must be positive" {
		t.Fatalf("expected validation message to pass through, got %q", got)
	}
	if got := SafeMessage(ErrLockedAccount); got != "account is temporarily locked" {
		t.Fatalf("unexpected sentinel message %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrStaleVersion, http.StatusConflict},
		{ErrInvalidSignature, http.StatusBadRequest},
		{ErrStaleEvent, http.StatusBadRequest},
		{ErrLockedAccount, http.StatusForbidden},
		{ErrTokenExpired, http.StatusUnauthorized},
		{ErrGatewayTransient, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(KindOf(tt.err)), func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
