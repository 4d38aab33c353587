package memstore

import (
	"context"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
)

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return apperr.Newf(apperr.KindConflict, "user %s already exists", user.ID)
	}
	if err := s.checkUserUnique(user); err != nil {
		return err
	}
	c := cloneUser(user)
	s.users[user.ID] = &c
	return nil
}

func (s *Store) checkUserUnique(user *models.User) error {
	for _, u := range s.users {
		if u.ID == user.ID {
			continue
		}
		if user.Email != "" && u.Email == user.Email {
			return apperr.Newf(apperr.KindConflict, "email %s is already registered", user.Email)
		}
		if user.CustomerRef != nil && u.CustomerRef != nil && *u.CustomerRef == *user.CustomerRef {
			return apperr.New(apperr.KindConflict, "customer reference is already linked")
		}
	}
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "user %s not found", id)
	}
	c := cloneUser(u)
	return &c, nil
}

func (s *Store) GetUserByCustomerRef(_ context.Context, ref string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.CustomerRef != nil && *u.CustomerRef == ref {
			c := cloneUser(u)
			return &c, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "no user for customer %s", ref)
}

func (s *Store) MutateUser(ctx context.Context, id string, fn func(*models.User) error) (*models.User, error) {
	defer s.locks.lock("user:" + id)()

	cur, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.Version++

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUserUnique(cur); err != nil {
		return nil, err
	}
	c := cloneUser(cur)
	s.users[id] = &c
	return cur, nil
}
