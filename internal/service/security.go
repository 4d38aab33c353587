package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/google/uuid"
)

// SecurityGuard tracks failed sign-ins per account. Every operation is one
// MutateUser call, so concurrent attempts never lose a count.
type SecurityGuard struct {
	d Deps
}

func NewSecurityGuard(d Deps) *SecurityGuard {
	return &SecurityGuard{d: d.withDefaults()}
}

type CreateUserInput struct {
	Email       string
	FirstName   string
	LastName    string
	CustomerRef string
}

func (g *SecurityGuard) CreateUser(ctx context.Context, in CreateUserInput) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if !strings.Contains(email, "@") {
		return nil, apperr.New(apperr.KindValidation, "a valid email is required")
	}
	now := g.d.Clock.Now()
	user := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Status:    models.UserActive,
		KYCStatus: models.KYCNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.CustomerRef != "" {
		ref := in.CustomerRef
		user.CustomerRef = &ref
	}
	if err := g.d.Repo.CreateUser(ctx, user); err != nil {
		g.d.Logger.Errorf("Failed to create user %s: %v", in.Email, err)
		return nil, err
	}
	return user, nil
}

// RecordFailedAttempt counts a failed sign-in. An expired lock restarts the
// count at 1; reaching the threshold while unlocked starts a new lock.
func (g *SecurityGuard) RecordFailedAttempt(ctx context.Context, userID string) (*models.User, error) {
	now := g.d.Clock.Now()
	var locked bool
	user, err := g.d.Repo.MutateUser(ctx, userID, func(u *models.User) error {
		if u.LockUntil != nil && !u.LockUntil.After(now) {
			u.LoginAttempts = 1
			u.LockUntil = nil
			u.UpdatedAt = now
			return nil
		}
		u.LoginAttempts++
		if u.LoginAttempts >= g.d.Settings.LockoutThreshold && !u.IsLocked(now) {
			until := now.Add(g.d.Settings.LockoutDuration)
			u.LockUntil = &until
			locked = true
		}
		u.UpdatedAt = now
		return nil
	})
	if err != nil {
		g.d.Logger.Errorf("Failed to record failed attempt for user %s: %v", userID, err)
		return nil, err
	}

	if locked {
		g.d.Metrics.AccountLocked()
		g.d.Logger.Warnf("Locked user %s until %s after %d failed attempts", user.ID, user.LockUntil.Format("2006-01-02 15:04:05"), user.LoginAttempts)
		audit(ctx, g.d, user.ID, "account.locked", "attempts", fmt.Sprint(user.LoginAttempts))
		notify(ctx, g.d, "account.locked", user.ID,
			fmt.Sprintf("Account %s locked after %d failed sign-in attempts", user.ID, user.LoginAttempts),
			map[string]string{"lock_until": user.LockUntil.Format("2006-01-02T15:04:05Z07:00")})
	}
	return user, nil
}

// RecordSuccess clears the counter and any lock. Accounts with a clean
// counter are not written.
func (g *SecurityGuard) RecordSuccess(ctx context.Context, userID string) (*models.User, error) {
	now := g.d.Clock.Now()
	user, err := g.d.Repo.MutateUser(ctx, userID, func(u *models.User) error {
		if u.LoginAttempts == 0 {
			return errUnchanged
		}
		u.LoginAttempts = 0
		u.LockUntil = nil
		u.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return g.d.Repo.GetUser(ctx, userID)
	}
	if err != nil {
		g.d.Logger.Errorf("Failed to reset attempts for user %s: %v", userID, err)
		return nil, err
	}
	return user, nil
}

func (g *SecurityGuard) IsLocked(ctx context.Context, userID string) (bool, error) {
	user, err := g.d.Repo.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.IsLocked(g.d.Clock.Now()), nil
}

// CheckCanAuthenticate rejects locked, suspended and banned accounts before
// credentials are checked.
func (g *SecurityGuard) CheckCanAuthenticate(ctx context.Context, userID string) error {
	user, err := g.d.Repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	switch user.Status {
	case models.UserBanned:
		return apperr.ErrBannedAccount
	case models.UserSuspended:
		return apperr.ErrSuspendedAccount
	}
	if user.IsLocked(g.d.Clock.Now()) {
		return apperr.ErrLockedAccount
	}
	return nil
}
