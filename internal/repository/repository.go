package repository

import (
	"errors"
	"fmt"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/service"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const uniqueViolation = "23505"

var _ service.Repository = (*Repository)(nil)

// Repository is the Postgres ledger store. Every mutation runs in its own
// database transaction with the touched rows locked FOR UPDATE.
type Repository struct {
	db     *gorm.DB
	logger *utils.Logger
}

func NewRepository(db *gorm.DB, logger *utils.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

var forUpdate = clause.Locking{Strength: "UPDATE"}

// mapError turns driver errors into ledger error kinds. Errors that already
// carry a kind, and errors returned by mutation callbacks, pass through.
func mapError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Newf(apperr.KindNotFound, "%s not found", what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Wrap(apperr.KindConflict, what+" conflicts with an existing row", err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Wrap(apperr.KindConflict, what+" conflicts with an existing row", err)
	}
	return err
}
