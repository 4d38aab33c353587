package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID                 string     `gorm:"primaryKey;size:36" json:"id"`
	Email              string     `gorm:"size:255;uniqueIndex" json:"email"`
	FirstName          string     `gorm:"size:100" json:"first_name"`
	LastName           string     `gorm:"size:100" json:"last_name"`
	LoginAttempts      int        `gorm:"not null;default:0" json:"-"`
	LockUntil          *time.Time `json:"-"`
	Status             UserStatus `gorm:"size:16;not null;default:active" json:"status"`
	CustomerRef        *string    `gorm:"size:128;uniqueIndex" json:"customer_ref,omitempty"`
	KYCStatus          KYCStatus  `gorm:"size:16;not null;default:none" json:"kyc_status"`
	KYCRejectionReason string     `gorm:"size:500" json:"kyc_rejection_reason,omitempty"`
	Version            int64      `gorm:"not null;default:0" json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsLocked reports whether a lockout is in force at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

type Wallet struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	UserID            string          `gorm:"size:36;not null;index:idx_wallets_user_currency,priority:1" json:"user_id"`
	Currency          Currency        `gorm:"size:8;not null;index:idx_wallets_user_currency,priority:2" json:"currency"`
	Kind              WalletKind      `gorm:"size:16;not null" json:"kind"`
	Label             string          `gorm:"size:100;not null" json:"label"`
	ExternalRef       *string         `gorm:"size:128;uniqueIndex" json:"external_ref,omitempty"`
	DepositAddress    string          `gorm:"size:128" json:"deposit_address,omitempty"`
	Balance           decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"balance"`
	AvailableBalance  decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"available_balance"`
	PendingBalance    decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"pending_balance"`
	IsActive          bool            `gorm:"not null;default:true" json:"is_active"`
	IsDefault         bool            `gorm:"not null;default:false" json:"is_default"`
	LastSyncAt        time.Time       `json:"last_sync_at"`
	TransactionCount  int64           `gorm:"not null;default:0" json:"transaction_count"`
	LastTransactionAt *time.Time      `json:"last_transaction_at,omitempty"`
	SyncStatus        SyncStatus      `gorm:"size:16;not null;default:synced;index" json:"sync_status"`
	SyncAttempts      int             `gorm:"not null;default:0" json:"-"`
	Version           int64           `gorm:"not null;default:0" json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type BlockchainInfo struct {
	TxHash                *string         `gorm:"size:128;index" json:"tx_hash,omitempty"`
	BlockHeight           int64           `json:"block_height,omitempty"`
	Confirmations         int             `gorm:"not null;default:0" json:"confirmations"`
	RequiredConfirmations int             `gorm:"not null;default:1" json:"required_confirmations"`
	NetworkFee            decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"network_fee"`
}

type LightningInfo struct {
	PaymentHash string          `gorm:"size:128" json:"payment_hash,omitempty"`
	Invoice     string          `gorm:"type:text" json:"invoice,omitempty"`
	Preimage    string          `gorm:"size:128" json:"preimage,omitempty"`
	RoutingFee  decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"routing_fee"`
}

type Transaction struct {
	ID            string             `gorm:"primaryKey;size:36" json:"id"`
	UserID        string             `gorm:"size:36;not null;index:idx_transactions_user_created,priority:1" json:"user_id"`
	WalletID      string             `gorm:"size:36;not null;index" json:"wallet_id"`
	ExternalRef   *string            `gorm:"size:128;uniqueIndex" json:"external_ref,omitempty"`
	Type          TransactionType    `gorm:"size:16;not null;index" json:"type"`
	SubType       TransactionSubType `gorm:"size:32" json:"sub_type,omitempty"`
	Status        TransactionStatus  `gorm:"size:16;not null;index" json:"status"`
	Amount        decimal.Decimal    `gorm:"type:numeric(38,18);not null" json:"amount"`
	Currency      Currency           `gorm:"size:8;not null" json:"currency"`
	FeeAmount     decimal.Decimal    `gorm:"type:numeric(38,18);not null;default:0" json:"fee_amount"`
	FeeCurrency   Currency           `gorm:"size:8" json:"fee_currency,omitempty"`
	FeeBreakdown  FeeBreakdown       `gorm:"type:jsonb" json:"fee_breakdown,omitempty"`
	Reserved      decimal.Decimal    `gorm:"type:numeric(38,18);not null;default:0" json:"-"`
	FromAddress   string             `gorm:"size:256" json:"from_address,omitempty"`
	ToAddress     string             `gorm:"size:256" json:"to_address,omitempty"`
	Blockchain    BlockchainInfo     `gorm:"embedded;embeddedPrefix:chain_" json:"blockchain"`
	Lightning     LightningInfo      `gorm:"embedded;embeddedPrefix:ln_" json:"lightning"`
	Reference     string             `gorm:"size:128;index" json:"reference,omitempty"`
	Description   string             `gorm:"size:500" json:"description,omitempty"`
	FailureReason string             `gorm:"size:500" json:"failure_reason,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	FailedAt      *time.Time         `json:"failed_at,omitempty"`
	ExpiresAt     *time.Time         `gorm:"index" json:"expires_at,omitempty"`
	RetryCount    int                `gorm:"not null;default:0" json:"retry_count"`
	LastRetryAt   *time.Time         `json:"last_retry_at,omitempty"`
	Version       int64              `gorm:"not null;default:0" json:"version"`
	CreatedAt     time.Time          `gorm:"index:idx_transactions_user_created,priority:2" json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func (t *Transaction) NetAmount() decimal.Decimal {
	return t.Amount.Sub(t.FeeAmount)
}

// WalletFee is the part of the fee charged in the wallet's own currency.
func (t *Transaction) WalletFee() decimal.Decimal {
	if t.FeeCurrency == "" || t.FeeCurrency == t.Currency {
		return t.FeeAmount
	}
	return decimal.Zero
}

// Hold is what an outbound transaction reserves from the available balance.
func (t *Transaction) Hold() decimal.Decimal {
	return t.Amount.Add(t.WalletFee())
}

// Credit is what a completed inbound transaction adds to the available balance.
func (t *Transaction) Credit() decimal.Decimal {
	return t.Amount.Sub(t.WalletFee())
}

func (t *Transaction) HasBlockchainData() bool {
	return t.Blockchain.TxHash != nil && *t.Blockchain.TxHash != ""
}

func (t *Transaction) IsConfirmed() bool {
	if t.HasBlockchainData() && t.Blockchain.RequiredConfirmations > 0 {
		return t.Blockchain.Confirmations >= t.Blockchain.RequiredConfirmations
	}
	return t.Status == StatusCompleted
}

type RecurringSchedule struct {
	ID                  string          `gorm:"primaryKey;size:36" json:"id"`
	UserID              string          `gorm:"size:36;not null;index" json:"user_id"`
	RecipientKind       RecipientKind   `gorm:"size:16;not null" json:"recipient_kind"`
	Recipient           string          `gorm:"size:256;not null" json:"recipient"`
	Amount              decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amount"`
	Currency            Currency        `gorm:"size:8;not null" json:"currency"`
	Frequency           Frequency       `gorm:"size:16;not null" json:"frequency"`
	StartDate           time.Time       `gorm:"not null" json:"start_date"`
	EndDate             *time.Time      `json:"end_date,omitempty"`
	MaxPayments         *int            `json:"max_payments,omitempty"`
	Description         string          `gorm:"size:200" json:"description,omitempty"`
	Status              ScheduleStatus  `gorm:"size:16;not null;index:idx_schedules_due,priority:1" json:"status"`
	PaymentsExecuted    int             `gorm:"not null;default:0" json:"payments_executed"`
	NextDueAt           *time.Time      `gorm:"index:idx_schedules_due,priority:2" json:"next_due_at,omitempty"`
	LastPaymentAt       *time.Time      `json:"last_payment_at,omitempty"`
	ConsecutiveFailures int             `gorm:"not null;default:0" json:"consecutive_failures"`
	LastFailureReason   string          `gorm:"size:500" json:"last_failure_reason,omitempty"`
	RetryAt             *time.Time      `json:"retry_at,omitempty"`
	ClaimedUntil        *time.Time      `json:"-"`
	ClaimToken          string          `gorm:"size:36" json:"-"`
	Version             int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (RecurringSchedule) TableName() string {
	return "recurring_schedules"
}

type AuditLog struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:36;not null;index:idx_audit_user_created,priority:1" json:"user_id"`
	Action    string    `gorm:"size:100;not null" json:"action"`
	Details   string    `gorm:"type:text" json:"details,omitempty"`
	CreatedAt time.Time `gorm:"index:idx_audit_user_created,priority:2" json:"created_at"`
}

// WebhookEvent is the de-duplication record for one inbound gateway event.
type WebhookEvent struct {
	Key         string      `gorm:"primaryKey;size:200" json:"key"`
	EventType   string      `gorm:"size:64;not null" json:"event_type"`
	Status      EventStatus `gorm:"size:16;not null" json:"status"`
	Detail      string      `gorm:"type:text" json:"detail,omitempty"`
	Attempts    int         `gorm:"not null;default:1" json:"attempts"`
	ClaimedAt   time.Time   `json:"claimed_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// BalanceJournal records keyed wallet mutations so each key applies once.
type BalanceJournal struct {
	Key       string `gorm:"primaryKey;size:200"`
	WalletID  string `gorm:"size:36;not null;index"`
	CreatedAt time.Time
}

type AddressCounter struct {
	ID        int    `gorm:"primaryKey"`
	NextIndex uint32 `gorm:"not null;default:0"`
}
