package db

import (
	"time"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/utils"
	"gorm.io/driver/postgres"

	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func ConnectDb(url string, log *utils.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  url,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Error),
	})

	if err != nil {
		return nil, err
	}

	log.Info("✅ Database connection successfully")

	log.Info("📦 Setting database connection pool...")
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(20)
	sqlDB.SetMaxOpenConns(200)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// Indexes gorm tags cannot express.
var indexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_default_per_currency
		ON wallets (user_id, currency) WHERE is_default AND is_active`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_pending_expiry
		ON transactions (expires_at) WHERE status = 'pending'`,
}

func Migrate(db *gorm.DB, trigger bool, log *utils.Logger) error {
	if !trigger {
		log.Info("📦 Skipping database migration")
		return nil
	}

	log.Info("📦 Migrating database...")
	tables := []interface{}{
		&models.User{},
		&models.Wallet{},
		&models.Transaction{},
		&models.RecurringSchedule{},
		&models.AuditLog{},
		&models.WebhookEvent{},
		&models.BalanceJournal{},
		&models.AddressCounter{},
	}
	if err := db.AutoMigrate(tables...); err != nil {
		log.Errorf("✖ Failed to migrate database: %v", err)
		return err
	}

	log.Info("📦 Creating partial indexes...")
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			log.Errorf("✖ Failed to create index: %v", err)
			return err
		}
	}

	log.Info("✅ Database migrated")
	return nil
}
