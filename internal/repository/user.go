package repository

import (
	"context"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"gorm.io/gorm"
)

func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return mapError(err, "user %s", user.Email)
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, mapError(err, "user %s", id)
	}
	return &user, nil
}

func (r *Repository) GetUserByCustomerRef(ctx context.Context, ref string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "customer_ref = ?", ref).Error; err != nil {
		return nil, mapError(err, "user for customer %s", ref)
	}
	return &user, nil
}

func (r *Repository) MutateUser(ctx context.Context, id string, fn func(*models.User) error) (*models.User, error) {
	var user models.User
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate).First(&user, "id = ?", id).Error; err != nil {
			return err
		}
		if err := fn(&user); err != nil {
			return err
		}
		user.Version++
		return tx.Save(&user).Error
	})
	if err != nil {
		return nil, mapError(err, "user %s", id)
	}
	return &user, nil
}
