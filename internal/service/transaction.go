package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	sweepBatchSize  = 200
)

// errUnchanged aborts a mutation that would not change anything.
var errUnchanged = errors.New("unchanged")

type TransactionMachine struct {
	d Deps
}

func NewTransactionMachine(d Deps) *TransactionMachine {
	return &TransactionMachine{d: d.withDefaults()}
}

type CreateTransactionInput struct {
	UserID                string
	WalletID              string
	Type                  models.TransactionType
	SubType               models.TransactionSubType
	Amount                decimal.Decimal
	Currency              models.Currency
	Fee                   decimal.Decimal
	FeeCurrency           models.Currency
	FeeBreakdown          models.FeeBreakdown
	FromAddress           string
	ToAddress             string
	ExternalRef           string
	TxHash                string
	RequiredConfirmations int
	Lightning             models.LightningInfo
	Reference             string
	Description           string
	ExpiresAt             *time.Time
}

type TransitionMeta struct {
	FailureReason string
	Fee           *decimal.Decimal
	FeeCurrency   models.Currency
	ExternalRef   string
	TxHash        string
}

type Page struct {
	Items  []models.Transaction `json:"items"`
	Total  int64                `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

func (m *TransactionMachine) Create(ctx context.Context, in CreateTransactionInput) (*models.Transaction, error) {
	if !in.Type.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported transaction type %q", in.Type)
	}
	if !in.SubType.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported transaction sub type %q", in.SubType)
	}
	if err := utils.ValidateAmount(in.Amount, in.Currency, false); err != nil {
		return nil, apperr.New(apperr.KindValidation, err.Error())
	}
	feeCurrency := in.FeeCurrency
	if feeCurrency == "" {
		feeCurrency = in.Currency
	}
	if err := utils.ValidateAmount(in.Fee, feeCurrency, true); err != nil {
		return nil, apperr.New(apperr.KindValidation, "fee: "+err.Error())
	}
	if in.Type.Inbound() && feeCurrency == in.Currency && in.Fee.GreaterThan(in.Amount) {
		return nil, apperr.New(apperr.KindValidation, "fee cannot exceed the amount")
	}
	if in.RequiredConfirmations < 0 {
		return nil, apperr.New(apperr.KindValidation, "required confirmations cannot be negative")
	}
	if in.Currency == models.CurrencyBTC && in.SubType == models.SubTypeBitcoinOnchain && in.ToAddress != "" {
		if err := utils.ValidateBTCAddress(in.ToAddress, m.d.Settings.BTCParams); err != nil {
			return nil, apperr.New(apperr.KindValidation, err.Error())
		}
	}

	wallet, err := m.d.Repo.GetWallet(ctx, in.WalletID)
	if err != nil {
		return nil, err
	}
	if wallet.UserID != in.UserID {
		return nil, apperr.Newf(apperr.KindNotFound, "wallet %s not found", in.WalletID)
	}
	if !wallet.IsActive {
		return nil, apperr.Newf(apperr.KindConflict, "wallet %s is inactive", wallet.ID)
	}
	if wallet.Currency != in.Currency {
		return nil, apperr.Newf(apperr.KindValidation, "wallet %s holds %s, not %s", wallet.ID, wallet.Currency, in.Currency)
	}

	now := m.d.Clock.Now()
	tx := &models.Transaction{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		WalletID:     wallet.ID,
		Type:         in.Type,
		SubType:      in.SubType,
		Status:       models.StatusPending,
		Amount:       in.Amount,
		Currency:     in.Currency,
		FeeAmount:    in.Fee,
		FeeBreakdown: in.FeeBreakdown,
		FromAddress:  in.FromAddress,
		ToAddress:    in.ToAddress,
		Lightning:    in.Lightning,
		Reference:    in.Reference,
		Description:  in.Description,
		ExpiresAt:    in.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Fee.IsPositive() {
		tx.FeeCurrency = feeCurrency
	}
	if ref := strings.TrimSpace(in.ExternalRef); ref != "" {
		tx.ExternalRef = &ref
	}
	if hash := strings.TrimSpace(in.TxHash); hash != "" {
		tx.Blockchain.TxHash = &hash
	}
	tx.Blockchain.RequiredConfirmations = in.RequiredConfirmations
	if tx.Blockchain.RequiredConfirmations == 0 {
		tx.Blockchain.RequiredConfirmations = 1
	}
	if tx.Type.Inbound() {
		tx.Reserved = tx.Amount
	} else {
		tx.Reserved = tx.Hold()
	}

	err = m.d.Repo.CreateTransaction(ctx, tx, func(w *models.Wallet) error {
		if !w.IsActive {
			return apperr.Newf(apperr.KindConflict, "wallet %s is inactive", w.ID)
		}
		if !tx.Type.Inbound() {
			if err := applyDelta(w, models.BalanceAvailable, tx.Reserved.Neg()); err != nil {
				return err
			}
		}
		if err := applyDelta(w, models.BalancePending, tx.Reserved); err != nil {
			return err
		}
		w.UpdatedAt = now
		return nil
	})
	if err != nil {
		m.d.Logger.Errorf("Failed to create %s transaction on wallet %s: %v", in.Type, in.WalletID, err)
		return nil, err
	}

	m.d.Logger.Infof("Created %s transaction %s for %s on wallet %s", tx.Type, tx.ID, utils.FormatAmount(tx.Amount, tx.Currency), tx.WalletID)
	audit(ctx, m.d, tx.UserID, "transaction.created", "transaction", tx.ID, "type", string(tx.Type), "amount", tx.Amount.String(), "currency", string(tx.Currency))
	return tx, nil
}

// Transition moves a transaction to a permitted successor status. Terminal
// statuses are then settled against the wallet under the key settle:<id>,
// so a re-run after a crash between the two steps is harmless.
func (m *TransactionMachine) Transition(ctx context.Context, txID string, to models.TransactionStatus, meta TransitionMeta) (*models.Transaction, error) {
	if !to.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown transaction status %q", to)
	}

	now := m.d.Clock.Now()
	var from models.TransactionStatus
	tx, err := m.d.Repo.MutateTransaction(ctx, txID, func(t *models.Transaction) error {
		if !t.Status.CanTransitionTo(to) {
			return apperr.Newf(apperr.KindInvalidTransition, "transaction %s cannot move from %s to %s", t.ID, t.Status, to)
		}
		from = t.Status
		applyMeta(t, meta)
		t.Status = to
		switch to {
		case models.StatusCompleted:
			if t.CompletedAt == nil {
				t.CompletedAt = &now
			}
		case models.StatusFailed:
			t.FailedAt = &now
			if meta.FailureReason != "" {
				t.FailureReason = meta.FailureReason
			}
		}
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindInvalidTransition) {
			m.d.Logger.Warnf("Rejected transition of %s to %s: %v", txID, to, err)
		} else {
			m.d.Logger.Errorf("Failed to transition transaction %s to %s: %v", txID, to, err)
		}
		return nil, err
	}

	m.d.Metrics.TransactionTransitioned(from, to)
	m.d.Logger.Infof("Transaction %s: %s -> %s", tx.ID, from, to)
	audit(ctx, m.d, tx.UserID, "transaction."+string(to), "transaction", tx.ID, "from", string(from))

	if to.Terminal() {
		if _, err := m.settle(ctx, tx); err != nil {
			return tx, err
		}
		m.notifyTerminal(ctx, tx)
	}
	return tx, nil
}

// applyMeta folds gateway-reported details into t. An outbound fee can only
// shrink, because the hold for it was taken at creation.
func applyMeta(t *models.Transaction, meta TransitionMeta) {
	if meta.ExternalRef != "" && t.ExternalRef == nil {
		ref := meta.ExternalRef
		t.ExternalRef = &ref
	}
	if meta.TxHash != "" && !t.HasBlockchainData() {
		hash := meta.TxHash
		t.Blockchain.TxHash = &hash
	}
	if meta.Fee == nil || meta.Fee.IsNegative() {
		return
	}
	feeCurrency := meta.FeeCurrency
	if feeCurrency == "" {
		feeCurrency = t.Currency
	}
	if !utils.FitsScale(*meta.Fee, feeCurrency.Scale()) {
		return
	}
	candidate := *t
	candidate.FeeAmount = *meta.Fee
	candidate.FeeCurrency = feeCurrency
	if t.Type.Inbound() {
		if candidate.Credit().IsNegative() {
			return
		}
	} else if candidate.Hold().GreaterThan(t.Reserved) {
		return
	}
	t.FeeAmount = candidate.FeeAmount
	if t.FeeAmount.IsPositive() {
		t.FeeCurrency = feeCurrency
	}
}

// settle releases the creation-time reservation for a terminal transaction
// and counts it on the wallet, all in one keyed mutation.
func (m *TransactionMachine) settle(ctx context.Context, tx *models.Transaction) (bool, error) {
	now := m.d.Clock.Now()
	_, applied, err := m.d.Repo.MutateWallet(ctx, tx.WalletID, "settle:"+tx.ID, func(w *models.Wallet) error {
		if err := applyDelta(w, models.BalancePending, tx.Reserved.Neg()); err != nil {
			return err
		}
		var release decimal.Decimal
		switch {
		case tx.Status == models.StatusCompleted && tx.Type.Inbound():
			release = tx.Credit()
		case tx.Status == models.StatusCompleted:
			release = tx.Reserved.Sub(tx.Hold())
		case tx.Type.Inbound():
			release = decimal.Zero
		default:
			release = tx.Reserved
		}
		if !release.IsZero() {
			if err := applyDelta(w, models.BalanceAvailable, release); err != nil {
				return err
			}
		}
		w.TransactionCount++
		w.LastTransactionAt = &now
		w.LastSyncAt = now
		w.UpdatedAt = now
		return nil
	})
	if err != nil {
		m.d.Logger.Errorf("Failed to settle transaction %s on wallet %s: %v", tx.ID, tx.WalletID, err)
		return false, err
	}
	if applied {
		m.d.Logger.Infof("Settled %s transaction %s on wallet %s", tx.Status, tx.ID, tx.WalletID)
	}
	return applied, nil
}

// ResumeSettlement re-runs the settlement of a transaction that already sits
// in a terminal status. It reports whether anything was applied.
func (m *TransactionMachine) ResumeSettlement(ctx context.Context, txID string) (bool, error) {
	tx, err := m.d.Repo.GetTransaction(ctx, txID)
	if err != nil {
		return false, err
	}
	if !tx.Status.Terminal() {
		return false, apperr.Newf(apperr.KindInvalidTransition, "transaction %s is %s, nothing to settle", tx.ID, tx.Status)
	}
	return m.settle(ctx, tx)
}

// RecordConfirmation ignores counts lower than the stored one. Reaching the
// required depth while processing completes the transaction.
func (m *TransactionMachine) RecordConfirmation(ctx context.Context, txID string, confirmations int) (*models.Transaction, error) {
	if confirmations < 0 {
		return nil, apperr.New(apperr.KindValidation, "confirmations cannot be negative")
	}
	now := m.d.Clock.Now()
	tx, err := m.d.Repo.MutateTransaction(ctx, txID, func(t *models.Transaction) error {
		if t.Status.Terminal() || confirmations <= t.Blockchain.Confirmations {
			return errUnchanged
		}
		t.Blockchain.Confirmations = confirmations
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return m.d.Repo.GetTransaction(ctx, txID)
	}
	if err != nil {
		m.d.Logger.Errorf("Failed to record %d confirmations for %s: %v", confirmations, txID, err)
		return nil, err
	}

	if tx.Status == models.StatusProcessing && tx.HasBlockchainData() && tx.IsConfirmed() {
		m.d.Logger.Infof("Transaction %s reached %d/%d confirmations", tx.ID, tx.Blockchain.Confirmations, tx.Blockchain.RequiredConfirmations)
		completed, err := m.Transition(ctx, tx.ID, models.StatusCompleted, TransitionMeta{})
		if apperr.IsKind(err, apperr.KindInvalidTransition) {
			// A concurrent event finished it first.
			return m.d.Repo.GetTransaction(ctx, txID)
		}
		return completed, err
	}
	return tx, nil
}

// AttachTxHash sets the blockchain hash once; later hashes are ignored.
func (m *TransactionMachine) AttachTxHash(ctx context.Context, txID, hash string) (*models.Transaction, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return m.d.Repo.GetTransaction(ctx, txID)
	}
	now := m.d.Clock.Now()
	tx, err := m.d.Repo.MutateTransaction(ctx, txID, func(t *models.Transaction) error {
		if t.HasBlockchainData() {
			return errUnchanged
		}
		t.Blockchain.TxHash = &hash
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return m.d.Repo.GetTransaction(ctx, txID)
	}
	return tx, err
}

func (m *TransactionMachine) Get(ctx context.Context, txID string) (*models.Transaction, error) {
	return m.d.Repo.GetTransaction(ctx, txID)
}

func (m *TransactionMachine) ListByUser(ctx context.Context, filter TransactionFilter) (*Page, error) {
	if filter.UserID == "" {
		return nil, apperr.New(apperr.KindValidation, "user id is required")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown status %q", filter.Status)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown type %q", filter.Type)
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, apperr.New(apperr.KindValidation, "date range is inverted")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	items, total, err := m.d.Repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ExpirePending moves pending transactions past their expiry to expired.
func (m *TransactionMachine) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	txs, err := m.d.Repo.ListExpiredPending(ctx, now, sweepBatchSize)
	if err != nil {
		m.d.Logger.Errorf("Failed to list expired transactions: %v", err)
		return 0, err
	}
	expired := 0
	for _, tx := range txs {
		_, err := m.Transition(ctx, tx.ID, models.StatusExpired, TransitionMeta{})
		switch {
		case err == nil:
			expired++
		case apperr.IsKind(err, apperr.KindInvalidTransition):
			// Moved on concurrently.
		default:
			m.d.Logger.Errorf("Failed to expire transaction %s: %v", tx.ID, err)
		}
	}
	if expired > 0 {
		m.d.Logger.Infof("Expired %d pending transactions", expired)
	}
	return expired, nil
}

// SettleOutstanding finishes settlements that failed after their terminal
// status was committed. Event redeliveries only replay the recorded outcome,
// so this sweep is what releases such reservations.
func (m *TransactionMachine) SettleOutstanding(ctx context.Context) (int, error) {
	txs, err := m.d.Repo.ListUnsettled(ctx, sweepBatchSize)
	if err != nil {
		m.d.Logger.Errorf("Failed to list unsettled transactions: %v", err)
		return 0, err
	}
	settled := 0
	for i := range txs {
		applied, err := m.settle(ctx, &txs[i])
		if err != nil {
			continue
		}
		if applied {
			settled++
			m.notifyTerminal(ctx, &txs[i])
		}
	}
	if settled > 0 {
		m.d.Logger.Infof("Resumed settlement of %d transactions", settled)
	}
	return settled, nil
}

func (m *TransactionMachine) notifyTerminal(ctx context.Context, tx *models.Transaction) {
	msg := fmt.Sprintf("%s %s %s: %s", strings.ToUpper(string(tx.Type)), utils.FormatAmount(tx.Amount, tx.Currency), tx.ID, tx.Status)
	if tx.FailureReason != "" {
		msg += " (" + tx.FailureReason + ")"
	}
	data := map[string]string{
		"transaction_id": tx.ID,
		"wallet_id":      tx.WalletID,
		"status":         string(tx.Status),
		"amount":         tx.Amount.String(),
		"currency":       string(tx.Currency),
	}
	notify(ctx, m.d, "transaction."+string(tx.Status), tx.UserID, msg, data)
}
