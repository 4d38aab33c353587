package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

func fixedVerifier(secret string, now time.Time) *Verifier {
	v := NewVerifier(secret)
	v.now = func() time.Time { return now }
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v := fixedVerifier("s3cret", now)
	tok, err := v.Sign(Identity{UserID: "u-1", Email: "A@Example.com", FirstName: "Ada", EmailVerified: true, Role: "admin"}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := v.Verify("Bearer " + tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u-1" || id.Email != "a@example.com" || !id.EmailVerified || id.Role != "admin" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v := fixedVerifier("s3cret", now)
	expired, _ := fixedVerifier("s3cret", now.Add(-2*time.Hour)).Sign(Identity{UserID: "u-1"}, time.Hour)
	foreign, _ := fixedVerifier("other", now).Sign(Identity{UserID: "u-1"}, time.Hour)
	noSubject, _ := v.Sign(Identity{}, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", apperr.ErrUnauthenticated},
		{"garbage", "abc.def.ghi", apperr.ErrUnauthenticated},
		{"expired", expired, apperr.ErrTokenExpired},
		{"wrong secret", foreign, apperr.ErrUnauthenticated},
		{"no subject", noSubject, apperr.ErrUnauthenticated},
		{"alg none", none, apperr.ErrUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("empty context must not carry an identity")
	}
	ctx := WithIdentity(context.Background(), Identity{UserID: "u-9"})
	if id, ok := FromContext(ctx); !ok || id.UserID != "u-9" {
		t.Fatalf("unexpected identity %+v", id)
	}
}
