package repository

import (
	"context"

	"gorm.io/gorm"
)

// inTx runs fn in one database transaction. Any error rolls it back and is
// returned unchanged.
func (r *Repository) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// advisoryLock serializes transactions on key until the surrounding
// transaction ends.
func advisoryLock(tx *gorm.DB, key string) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error
}

// insertJournal records key and reports whether this call inserted it. A
// concurrent insert of the same key waits on the primary key until the other
// transaction ends.
func insertJournal(tx *gorm.DB, key, walletID string) (bool, error) {
	res := tx.Clauses(onConflictDoNothing).Create(&journalRow{Key: key, WalletID: walletID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
