package repository

import (
	"context"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/internal/service"
	"gorm.io/gorm"
)

// CreateTransaction journals the reservation under "reserve:<id>", locks the
// wallet, applies reserve and inserts the row in one commit.
func (r *Repository) CreateTransaction(ctx context.Context, t *models.Transaction, reserve func(*models.Wallet) error) error {
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		fresh, err := insertJournal(tx, "reserve:"+t.ID, t.WalletID)
		if err != nil {
			return err
		}
		if !fresh {
			return apperr.Newf(apperr.KindConflict, "transaction %s was already reserved", t.ID)
		}
		var wallet models.Wallet
		if err := tx.Clauses(forUpdate).First(&wallet, "id = ?", t.WalletID).Error; err != nil {
			return err
		}
		if reserve != nil {
			if err := reserve(&wallet); err != nil {
				return err
			}
		}
		wallet.Version++
		if err := tx.Save(&wallet).Error; err != nil {
			return err
		}
		return tx.Create(t).Error
	})
	if err != nil {
		return mapError(err, "transaction %s", t.ID)
	}
	return nil
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, mapError(err, "transaction %s", id)
	}
	return &t, nil
}

func (r *Repository) GetTransactionByExternalRef(ctx context.Context, ref string) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.db.WithContext(ctx).First(&t, "external_ref = ?", ref).Error; err != nil {
		return nil, mapError(err, "transaction for reference %s", ref)
	}
	return &t, nil
}

func (r *Repository) GetTransactionByTxHash(ctx context.Context, hash string) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.db.WithContext(ctx).First(&t, "chain_tx_hash = ?", hash).Error; err != nil {
		return nil, mapError(err, "transaction for hash %s", hash)
	}
	return &t, nil
}

func (r *Repository) MutateTransaction(ctx context.Context, id string, fn func(*models.Transaction) error) (*models.Transaction, error) {
	var t models.Transaction
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate).First(&t, "id = ?", id).Error; err != nil {
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		t.Version++
		return tx.Save(&t).Error
	})
	if err != nil {
		return nil, mapError(err, "transaction %s", id)
	}
	return &t, nil
}

// ListTransactions returns one page newest first and the total match count.
func (r *Repository) ListTransactions(ctx context.Context, f service.TransactionFilter) ([]models.Transaction, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Transaction{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.WalletID != "" {
		q = q.Where("wallet_id = ?", f.WalletID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, mapError(err, "transactions")
	}
	page := q.Order("created_at DESC, id DESC").Offset(f.Offset)
	if f.Limit > 0 {
		page = page.Limit(f.Limit)
	}
	items := []models.Transaction{}
	if err := page.Find(&items).Error; err != nil {
		return nil, 0, mapError(err, "transactions")
	}
	return items, total, nil
}

var terminalStatuses = []models.TransactionStatus{
	models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusExpired,
}

func (r *Repository) ListUnsettled(ctx context.Context, limit int) ([]models.Transaction, error) {
	q := r.db.WithContext(ctx).
		Where("status IN ?", terminalStatuses).
		Where("NOT EXISTS (SELECT 1 FROM balance_journals j WHERE j.key = 'settle:' || transactions.id)").
		Order("updated_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Transaction
	if err := q.Find(&out).Error; err != nil {
		return nil, mapError(err, "unsettled transactions")
	}
	return out, nil
}

func (r *Repository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	q := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.StatusPending, now).
		Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Transaction
	if err := q.Find(&out).Error; err != nil {
		return nil, mapError(err, "expired transactions")
	}
	return out, nil
}
