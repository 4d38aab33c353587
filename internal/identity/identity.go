package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

type Identity struct {
	UserID        string `json:"sub"`
	Email         string `json:"email"`
	FirstName     string `json:"given_name"`
	LastName      string `json:"family_name"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role,omitempty"`
}

type claims struct {
	Email         string `json:"email"`
	FirstName     string `json:"given_name"`
	LastName      string `json:"family_name"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens issued by the identity service.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" || len(v.secret) == 0 {
		return Identity{}, apperr.ErrUnauthenticated
	}
	var c claims
	tok, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second), jwt.WithTimeFunc(v.now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, apperr.ErrTokenExpired
	}
	if err != nil || !tok.Valid {
		return Identity{}, apperr.Wrap(apperr.KindUnauthenticated, "invalid token", err)
	}
	if c.Subject == "" {
		return Identity{}, apperr.New(apperr.KindUnauthenticated, "token has no subject")
	}
	return Identity{
		UserID:        c.Subject,
		Email:         strings.ToLower(c.Email),
		FirstName:     c.FirstName,
		LastName:      c.LastName,
		EmailVerified: c.EmailVerified,
		Role:          c.Role,
	}, nil
}

// Sign issues a token for id; used by tooling and tests.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		Email:         id.Email,
		FirstName:     id.FirstName,
		LastName:      id.LastName,
		EmailVerified: id.EmailVerified,
		Role:          id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
