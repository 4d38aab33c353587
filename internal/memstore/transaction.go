package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/internal/service"
)

func (s *Store) CreateTransaction(ctx context.Context, tx *models.Transaction, reserve func(*models.Wallet) error) error {
	key := "reserve:" + tx.ID
	defer s.locks.lock("journal:" + key)()
	defer s.locks.lock("wallet:" + tx.WalletID)()

	wallet, err := s.GetWallet(ctx, tx.WalletID)
	if err != nil {
		return err
	}
	if reserve != nil {
		if err := reserve(wallet); err != nil {
			return err
		}
	}
	wallet.Version++

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return apperr.Newf(apperr.KindConflict, "transaction %s already exists", tx.ID)
	}
	if err := s.checkTransactionRef(tx); err != nil {
		return err
	}
	if _, ok := s.journal[key]; ok {
		return apperr.Newf(apperr.KindConflict, "transaction %s was already reserved", tx.ID)
	}
	w := cloneWallet(wallet)
	s.wallets[w.ID] = &w
	s.journal[key] = w.ID
	c := cloneTransaction(tx)
	s.txs[tx.ID] = &c
	return nil
}

func (s *Store) checkTransactionRef(tx *models.Transaction) error {
	if tx.ExternalRef == nil {
		return nil
	}
	for _, t := range s.txs {
		if t.ID != tx.ID && t.ExternalRef != nil && *t.ExternalRef == *tx.ExternalRef {
			return apperr.Newf(apperr.KindConflict, "external transaction reference %s is already used", *tx.ExternalRef)
		}
	}
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "transaction %s not found", id)
	}
	c := cloneTransaction(t)
	return &c, nil
}

func (s *Store) GetTransactionByExternalRef(_ context.Context, ref string) (*models.Transaction, error) {
	return s.findTransaction(func(t *models.Transaction) bool {
		return t.ExternalRef != nil && *t.ExternalRef == ref
	})
}

func (s *Store) GetTransactionByTxHash(_ context.Context, hash string) (*models.Transaction, error) {
	return s.findTransaction(func(t *models.Transaction) bool {
		return t.Blockchain.TxHash != nil && *t.Blockchain.TxHash == hash
	})
}

func (s *Store) findTransaction(match func(*models.Transaction) bool) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.txs {
		if match(t) {
			c := cloneTransaction(t)
			return &c, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "transaction not found")
}

func (s *Store) MutateTransaction(ctx context.Context, id string, fn func(*models.Transaction) error) (*models.Transaction, error) {
	defer s.locks.lock("tx:" + id)()

	cur, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.Version++

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTransactionRef(cur); err != nil {
		return nil, err
	}
	c := cloneTransaction(cur)
	s.txs[id] = &c
	return cur, nil
}

// ListTransactions returns one page newest first and the total match count.
func (s *Store) ListTransactions(_ context.Context, f service.TransactionFilter) ([]models.Transaction, int64, error) {
	s.mu.RLock()
	var all []models.Transaction
	for _, t := range s.txs {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.WalletID != "" && t.WalletID != f.WalletID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.From != nil && t.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && t.CreatedAt.After(*f.To) {
			continue
		}
		all = append(all, cloneTransaction(t))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := int64(len(all))
	if f.Offset >= len(all) {
		return []models.Transaction{}, total, nil
	}
	end := len(all)
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return all[f.Offset:end], total, nil
}

func (s *Store) ListUnsettled(_ context.Context, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Transaction
	for _, t := range s.txs {
		if _, settled := s.journal["settle:"+t.ID]; t.Status.Terminal() && !settled {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Transaction
	for _, t := range s.txs {
		if t.Status == models.StatusPending && t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
