package repository

import (
	"context"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/internal/service"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var onConflictDoNothing = clause.OnConflict{DoNothing: true}

type journalRow = models.BalanceJournal

func groupKey(userID string, currency models.Currency) string {
	return "wallet_group:" + userID + ":" + string(currency)
}

// CreateWallet holds the (user, currency) advisory lock so two first
// wallets cannot both become default.
func (r *Repository) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		if err := advisoryLock(tx, groupKey(wallet.UserID, wallet.Currency)); err != nil {
			return err
		}
		var defaults int64
		err := tx.Model(&models.Wallet{}).
			Where("user_id = ? AND currency = ? AND is_active AND is_default", wallet.UserID, wallet.Currency).
			Count(&defaults).Error
		if err != nil {
			return err
		}
		wallet.IsDefault = wallet.IsActive && defaults == 0
		return tx.Create(wallet).Error
	})
	if err != nil {
		r.logger.Errorf("Failed to create wallet for user %s: %v", wallet.UserID, err)
		return mapError(err, "wallet %s", wallet.ID)
	}
	return nil
}

func (r *Repository) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := r.db.WithContext(ctx).First(&wallet, "id = ?", id).Error; err != nil {
		return nil, mapError(err, "wallet %s", id)
	}
	return &wallet, nil
}

func (r *Repository) GetWalletByExternalRef(ctx context.Context, ref string) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := r.db.WithContext(ctx).First(&wallet, "external_ref = ?", ref).Error; err != nil {
		return nil, mapError(err, "wallet for reference %s", ref)
	}
	return &wallet, nil
}

// ListWallets orders the default wallet first, then newest first.
func (r *Repository) ListWallets(ctx context.Context, filter service.WalletFilter) ([]models.Wallet, error) {
	q := r.db.WithContext(ctx).Model(&models.Wallet{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Currency != "" {
		q = q.Where("currency = ?", filter.Currency)
	}
	if filter.ActiveOnly {
		q = q.Where("is_active")
	}
	var wallets []models.Wallet
	if err := q.Order("is_default DESC, created_at DESC, id").Find(&wallets).Error; err != nil {
		return nil, mapError(err, "wallets")
	}
	return wallets, nil
}

func (r *Repository) ListWalletsBySyncStatus(ctx context.Context, status models.SyncStatus, limit int) ([]models.Wallet, error) {
	q := r.db.WithContext(ctx).
		Where("sync_status = ? AND is_active", status).
		Order("is_default DESC, created_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var wallets []models.Wallet
	if err := q.Find(&wallets).Error; err != nil {
		return nil, mapError(err, "wallets")
	}
	return wallets, nil
}

// SetDefaultWallet takes the group lock and then every member row in id
// order before it moves the flag.
func (r *Repository) SetDefaultWallet(ctx context.Context, id string) (*models.Wallet, error) {
	target, err := r.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	var out models.Wallet
	err = r.inTx(ctx, func(tx *gorm.DB) error {
		if err := advisoryLock(tx, groupKey(target.UserID, target.Currency)); err != nil {
			return err
		}
		var group []models.Wallet
		err := tx.Clauses(forUpdate).
			Where("user_id = ? AND currency = ?", target.UserID, target.Currency).
			Order("id").
			Find(&group).Error
		if err != nil {
			return err
		}
		for i := range group {
			if group[i].ID == id {
				out = group[i]
			}
		}
		if out.ID == "" {
			return gorm.ErrRecordNotFound
		}
		if !out.IsActive {
			return apperr.Newf(apperr.KindConflict, "wallet %s is inactive", id)
		}
		now := time.Now().UTC()
		for i := range group {
			w := &group[i]
			if w.ID == id || !w.IsDefault {
				continue
			}
			err := tx.Model(w).Updates(map[string]any{
				"is_default": false,
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			}).Error
			if err != nil {
				return err
			}
		}
		if out.IsDefault {
			return nil
		}
		out.IsDefault = true
		out.Version++
		out.UpdatedAt = now
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, mapError(err, "wallet %s", id)
	}
	return &out, nil
}

// MutateWallet inserts the journal key before locking the row, so a repeated
// key finds the earlier commit and leaves the wallet untouched.
func (r *Repository) MutateWallet(ctx context.Context, id, key string, fn func(*models.Wallet) error) (*models.Wallet, bool, error) {
	var (
		wallet  models.Wallet
		applied bool
	)
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		if key != "" {
			fresh, err := insertJournal(tx, key, id)
			if err != nil {
				return err
			}
			if !fresh {
				return tx.First(&wallet, "id = ?", id).Error
			}
		}
		if err := tx.Clauses(forUpdate).First(&wallet, "id = ?", id).Error; err != nil {
			return err
		}
		if err := fn(&wallet); err != nil {
			return err
		}
		wallet.Version++
		applied = true
		return tx.Save(&wallet).Error
	})
	if err != nil {
		return nil, false, mapError(err, "wallet %s", id)
	}
	return &wallet, applied, nil
}

// NextAddressIndex hands out HD derivation indexes from a single counter row.
func (r *Repository) NextAddressIndex(ctx context.Context) (uint32, error) {
	var next uint32
	err := r.db.WithContext(ctx).Raw(
		`INSERT INTO address_counters (id, next_index) VALUES (1, 1)
		 ON CONFLICT (id) DO UPDATE SET next_index = address_counters.next_index + 1
		 RETURNING next_index`).Scan(&next).Error
	if err != nil {
		r.logger.Errorf("Failed to allocate address index: %v", err)
		return 0, err
	}
	return next - 1, nil
}
