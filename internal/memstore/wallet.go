package memstore

import (
	"context"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/internal/service"
)

func groupKey(userID string, currency models.Currency) string {
	return "group:" + userID + ":" + string(currency)
}

func (s *Store) CreateWallet(_ context.Context, wallet *models.Wallet) error {
	defer s.locks.lock(groupKey(wallet.UserID, wallet.Currency))()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[wallet.ID]; ok {
		return apperr.Newf(apperr.KindConflict, "wallet %s already exists", wallet.ID)
	}
	if err := s.checkWalletRef(wallet); err != nil {
		return err
	}
	hasDefault := false
	for _, w := range s.wallets {
		if w.UserID == wallet.UserID && w.Currency == wallet.Currency && w.IsActive && w.IsDefault {
			hasDefault = true
			break
		}
	}
	wallet.IsDefault = wallet.IsActive && !hasDefault
	c := cloneWallet(wallet)
	s.wallets[wallet.ID] = &c
	return nil
}

func (s *Store) checkWalletRef(wallet *models.Wallet) error {
	if wallet.ExternalRef == nil {
		return nil
	}
	for _, w := range s.wallets {
		if w.ID != wallet.ID && w.ExternalRef != nil && *w.ExternalRef == *wallet.ExternalRef {
			return apperr.Newf(apperr.KindConflict, "external wallet reference %s is already used", *wallet.ExternalRef)
		}
	}
	return nil
}

func (s *Store) GetWallet(_ context.Context, id string) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "wallet %s not found", id)
	}
	c := cloneWallet(w)
	return &c, nil
}

func (s *Store) GetWalletByExternalRef(_ context.Context, ref string) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.wallets {
		if w.ExternalRef != nil && *w.ExternalRef == ref {
			c := cloneWallet(w)
			return &c, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "no wallet for reference %s", ref)
}

func (s *Store) ListWallets(_ context.Context, filter service.WalletFilter) ([]models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Wallet
	for _, w := range s.wallets {
		if filter.UserID != "" && w.UserID != filter.UserID {
			continue
		}
		if filter.Currency != "" && w.Currency != filter.Currency {
			continue
		}
		if filter.ActiveOnly && !w.IsActive {
			continue
		}
		out = append(out, cloneWallet(w))
	}
	sortWallets(out)
	return out, nil
}

func (s *Store) ListWalletsBySyncStatus(_ context.Context, status models.SyncStatus, limit int) ([]models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Wallet
	for _, w := range s.wallets {
		if w.SyncStatus == status && w.IsActive {
			out = append(out, cloneWallet(w))
		}
	}
	sortWallets(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetDefaultWallet holds the (user, currency) group lock and every member's
// row lock while it moves the flag.
func (s *Store) SetDefaultWallet(ctx context.Context, id string) (*models.Wallet, error) {
	target, err := s.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.locks.lock(groupKey(target.UserID, target.Currency))()

	s.mu.RLock()
	keys := []string{}
	for _, w := range s.wallets {
		if w.UserID == target.UserID && w.Currency == target.Currency {
			keys = append(keys, "wallet:"+w.ID)
		}
	}
	s.mu.RUnlock()
	defer s.locks.lockAll(keys)()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.wallets[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "wallet %s not found", id)
	}
	if !cur.IsActive {
		return nil, apperr.Newf(apperr.KindConflict, "wallet %s is inactive", id)
	}
	now := time.Now().UTC()
	for _, w := range s.wallets {
		if w.UserID != cur.UserID || w.Currency != cur.Currency || w.ID == cur.ID || !w.IsDefault {
			continue
		}
		next := cloneWallet(w)
		next.IsDefault = false
		next.Version++
		next.UpdatedAt = now
		s.wallets[w.ID] = &next
	}
	if !cur.IsDefault {
		next := cloneWallet(cur)
		next.IsDefault = true
		next.Version++
		next.UpdatedAt = now
		s.wallets[id] = &next
		cur = &next
	}
	out := cloneWallet(cur)
	return &out, nil
}

func (s *Store) MutateWallet(ctx context.Context, id, key string, fn func(*models.Wallet) error) (*models.Wallet, bool, error) {
	if key != "" {
		defer s.locks.lock("journal:" + key)()
		s.mu.RLock()
		_, seen := s.journal[key]
		s.mu.RUnlock()
		if seen {
			w, err := s.GetWallet(ctx, id)
			return w, false, err
		}
	}
	defer s.locks.lock("wallet:" + id)()

	cur, err := s.GetWallet(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if err := fn(cur); err != nil {
		return nil, false, err
	}
	cur.Version++

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWalletRef(cur); err != nil {
		return nil, false, err
	}
	c := cloneWallet(cur)
	s.wallets[id] = &c
	if key != "" {
		s.journal[key] = id
	}
	return cur, true, nil
}

func (s *Store) NextAddressIndex(context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.addressIdx
	s.addressIdx++
	return idx, nil
}
