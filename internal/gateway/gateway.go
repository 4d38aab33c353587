package gateway

import (
	"errors"
	"fmt"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/shopspring/decimal"
)

// PaymentDescriptor is one outbound payment request. IdempotencyKey is the
// local transaction id, so a retried request never pays twice.
type PaymentDescriptor struct {
	IdempotencyKey string               `json:"idempotency_key"`
	ScheduleID     string               `json:"schedule_id,omitempty"`
	UserID         string               `json:"user_id"`
	CustomerRef    string               `json:"customer_id,omitempty"`
	WalletRef      string               `json:"wallet_id,omitempty"`
	RecipientKind  models.RecipientKind `json:"recipient_kind"`
	Recipient      string               `json:"recipient"`
	Amount         decimal.Decimal      `json:"amount"`
	Currency       models.Currency      `json:"currency"`
	Description    string               `json:"description,omitempty"`
}

type PaymentResult struct {
	Reference   string          `json:"id"`
	Status      string          `json:"status"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency models.Currency `json:"fee_currency,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
}

// TransactionStatus maps the gateway's status onto the ledger's. Anything the
// gateway has not finished is processing.
func (r PaymentResult) TransactionStatus() models.TransactionStatus {
	switch r.Status {
	case "completed", "succeeded", "success", "paid":
		return models.StatusCompleted
	case "failed", "rejected", "declined":
		return models.StatusFailed
	}
	return models.StatusProcessing
}

type WalletRequest struct {
	WalletID    string            `json:"reference"`
	UserID      string            `json:"user_id"`
	CustomerRef string            `json:"customer_id,omitempty"`
	Currency    models.Currency   `json:"currency"`
	Kind        models.WalletKind `json:"type"`
	Label       string            `json:"label"`
}

type Error struct {
	StatusCode int
	Transient  bool
	Message    string
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway %s error (status %d): %s: %v", kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway %s error (status %d): %s", kind, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient treats anything that is not an explicit permanent rejection as
// worth retrying.
func IsTransient(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Transient
	}
	return err != nil
}
