package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/gateway"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletManager struct {
	d Deps
}

func NewWalletManager(d Deps) *WalletManager {
	return &WalletManager{d: d.withDefaults()}
}

type CreateWalletInput struct {
	UserID      string
	Currency    models.Currency
	Kind        models.WalletKind
	Label       string
	ExternalRef string
}

type Balance struct {
	Currency   models.Currency `json:"currency"`
	Total      decimal.Decimal `json:"total"`
	Available  decimal.Decimal `json:"available"`
	Pending    decimal.Decimal `json:"pending"`
	LastSyncAt time.Time       `json:"last_sync_at"`
}

func (m *WalletManager) CreateWallet(ctx context.Context, in CreateWalletInput) (*models.Wallet, error) {
	if in.UserID == "" {
		return nil, apperr.New(apperr.KindValidation, "user id is required")
	}
	if !in.Currency.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported currency %q", in.Currency)
	}
	if !in.Kind.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported wallet kind %q", in.Kind)
	}
	if err := kindMatchesCurrency(in.Kind, in.Currency); err != nil {
		return nil, err
	}
	label := strings.TrimSpace(in.Label)
	if label == "" {
		label = fmt.Sprintf("%s wallet", in.Currency)
	}
	if len(label) > 100 {
		return nil, apperr.New(apperr.KindValidation, "label must be at most 100 characters")
	}

	if _, err := m.d.Repo.GetUser(ctx, in.UserID); err != nil {
		return nil, err
	}

	now := m.d.Clock.Now()
	wallet := &models.Wallet{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		Currency:         in.Currency,
		Kind:             in.Kind,
		Label:            label,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		PendingBalance:   decimal.Zero,
		IsActive:         true,
		SyncStatus:       models.SyncStatusSynced,
		LastSyncAt:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if ref := strings.TrimSpace(in.ExternalRef); ref != "" {
		wallet.ExternalRef = &ref
	} else {
		wallet.SyncStatus = models.SyncStatusPendingSync
	}

	if in.Kind == models.WalletKindBitcoin && m.d.Deriver != nil {
		idx, err := m.d.Repo.NextAddressIndex(ctx)
		if err != nil {
			m.d.Logger.Errorf("Failed to reserve address index: %v", err)
			return nil, err
		}
		address, err := m.d.Deriver.Derive(idx)
		if err != nil {
			m.d.Logger.Errorf("Failed to derive deposit address %d: %v", idx, err)
			return nil, apperr.Wrap(apperr.KindInternal, "failed to derive deposit address", err)
		}
		wallet.DepositAddress = address
	}

	if err := m.d.Repo.CreateWallet(ctx, wallet); err != nil {
		m.d.Logger.Errorf("Failed to create wallet for user %s: %v", in.UserID, err)
		return nil, err
	}

	m.d.Logger.Infof("Created %s wallet %s for user %s (default=%v, sync=%s)", wallet.Currency, wallet.ID, wallet.UserID, wallet.IsDefault, wallet.SyncStatus)
	audit(ctx, m.d, wallet.UserID, "wallet.created", "wallet", wallet.ID, "currency", string(wallet.Currency), "default", fmt.Sprint(wallet.IsDefault))
	return wallet, nil
}

func kindMatchesCurrency(kind models.WalletKind, c models.Currency) error {
	ok := true
	switch kind {
	case models.WalletKindBitcoin, models.WalletKindLightning:
		ok = c == models.CurrencyBTC
	case models.WalletKindStablecoin:
		ok = c == models.CurrencyUSDT
	case models.WalletKindFiat:
		ok = c != models.CurrencyBTC && c != models.CurrencyUSDT
	}
	if !ok {
		return apperr.Newf(apperr.KindValidation, "%s wallets cannot hold %s", kind, c)
	}
	return nil
}

func (m *WalletManager) SetDefault(ctx context.Context, walletID string) (*models.Wallet, error) {
	wallet, err := m.d.Repo.SetDefaultWallet(ctx, walletID)
	if err != nil {
		m.d.Logger.Errorf("Failed to set default wallet %s: %v", walletID, err)
		return nil, err
	}
	m.d.Logger.Infof("Wallet %s is now default for user %s %s", wallet.ID, wallet.UserID, wallet.Currency)
	audit(ctx, m.d, wallet.UserID, "wallet.default_changed", "wallet", wallet.ID, "currency", string(wallet.Currency))
	return wallet, nil
}

// ApplyBalanceDelta fails with StaleVersion when the wallet moved past
// expectedVersion; the caller re-reads and retries.
func (m *WalletManager) ApplyBalanceDelta(ctx context.Context, walletID string, field models.BalanceField, delta decimal.Decimal, expectedVersion int64) (*models.Wallet, error) {
	wallet, _, err := m.ApplyBalanceDeltaOnce(ctx, "", walletID, field, delta, expectedVersion)
	return wallet, err
}

// ApplyBalanceDeltaOnce is ApplyBalanceDelta guarded by an idempotency key.
// A repeated key returns the current wallet with applied=false.
func (m *WalletManager) ApplyBalanceDeltaOnce(ctx context.Context, key, walletID string, field models.BalanceField, delta decimal.Decimal, expectedVersion int64) (*models.Wallet, bool, error) {
	if !field.Valid() {
		return nil, false, apperr.Newf(apperr.KindValidation, "unknown balance field %q", field)
	}
	now := m.d.Clock.Now()
	wallet, applied, err := m.d.Repo.MutateWallet(ctx, walletID, key, func(w *models.Wallet) error {
		if w.Version != expectedVersion {
			return apperr.Newf(apperr.KindStaleVersion, "wallet %s is at version %d, expected %d", w.ID, w.Version, expectedVersion)
		}
		if !utils.FitsScale(delta, w.Currency.Scale()) {
			return apperr.Newf(apperr.KindValidation, "delta %s exceeds %s precision", delta, w.Currency)
		}
		if err := applyDelta(w, field, delta); err != nil {
			return err
		}
		w.LastSyncAt = now
		w.UpdatedAt = now
		return nil
	})
	if err != nil {
		if !apperr.IsKind(err, apperr.KindStaleVersion) {
			m.d.Logger.Errorf("Failed to apply %s delta %s to wallet %s: %v", field, delta, walletID, err)
		}
		return nil, false, err
	}
	if applied {
		m.d.Logger.Infof("Applied %s delta %s to wallet %s", field, delta, walletID)
	}
	return wallet, applied, nil
}

// applyDelta keeps Balance = Available + Pending. A total delta is a
// gateway-reported adjustment and moves Balance only.
func applyDelta(w *models.Wallet, field models.BalanceField, delta decimal.Decimal) error {
	switch field {
	case models.BalanceAvailable:
		next := w.AvailableBalance.Add(delta)
		if next.IsNegative() {
			return apperr.Newf(apperr.KindInsufficientFunds, "available balance of wallet %s would drop below zero", w.ID)
		}
		w.AvailableBalance = next
	case models.BalancePending:
		next := w.PendingBalance.Add(delta)
		if next.IsNegative() {
			return apperr.Newf(apperr.KindInsufficientFunds, "pending balance of wallet %s would drop below zero", w.ID)
		}
		w.PendingBalance = next
	case models.BalanceTotal:
	default:
		return apperr.Newf(apperr.KindValidation, "unknown balance field %q", field)
	}
	w.Balance = w.Balance.Add(delta)
	return nil
}

func (m *WalletManager) IncrementTransactionCount(ctx context.Context, walletID string) (*models.Wallet, error) {
	now := m.d.Clock.Now()
	wallet, _, err := m.d.Repo.MutateWallet(ctx, walletID, "", func(w *models.Wallet) error {
		w.TransactionCount++
		w.LastTransactionAt = &now
		w.UpdatedAt = now
		return nil
	})
	if err != nil {
		m.d.Logger.Errorf("Failed to bump transaction count of wallet %s: %v", walletID, err)
		return nil, err
	}
	return wallet, nil
}

func (m *WalletManager) GetWallet(ctx context.Context, walletID string) (*models.Wallet, error) {
	return m.d.Repo.GetWallet(ctx, walletID)
}

// ListWallets returns active wallets, default first, newest first.
func (m *WalletManager) ListWallets(ctx context.Context, userID string, currency models.Currency) ([]models.Wallet, error) {
	if currency != "" && !currency.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported currency %q", currency)
	}
	wallets, err := m.d.Repo.ListWallets(ctx, WalletFilter{UserID: userID, Currency: currency, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(wallets, func(i, j int) bool {
		if wallets[i].IsDefault != wallets[j].IsDefault {
			return wallets[i].IsDefault
		}
		return wallets[i].CreatedAt.After(wallets[j].CreatedAt)
	})
	return wallets, nil
}

// DefaultWallet returns the user's active default wallet for currency.
func (m *WalletManager) DefaultWallet(ctx context.Context, userID string, currency models.Currency) (*models.Wallet, error) {
	wallets, err := m.d.Repo.ListWallets(ctx, WalletFilter{UserID: userID, Currency: currency, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for i := range wallets {
		if wallets[i].IsDefault {
			return &wallets[i], nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "no default %s wallet for user %s", currency, userID)
}

func (m *WalletManager) GetBalance(ctx context.Context, walletID string) (*Balance, error) {
	w, err := m.d.Repo.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		Currency:   w.Currency,
		Total:      w.Balance,
		Available:  w.AvailableBalance,
		Pending:    w.PendingBalance,
		LastSyncAt: w.LastSyncAt,
	}, nil
}

// DeactivateWallet retires a wallet. When it was the default, the newest
// remaining active wallet of the same currency takes over.
func (m *WalletManager) DeactivateWallet(ctx context.Context, walletID string) (*models.Wallet, error) {
	now := m.d.Clock.Now()
	var wasDefault bool
	wallet, _, err := m.d.Repo.MutateWallet(ctx, walletID, "", func(w *models.Wallet) error {
		if !w.PendingBalance.IsZero() {
			return apperr.Newf(apperr.KindConflict, "wallet %s has pending transactions", w.ID)
		}
		wasDefault = w.IsDefault
		w.IsActive = false
		w.IsDefault = false
		w.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.d.Logger.Infof("Deactivated wallet %s", wallet.ID)
	audit(ctx, m.d, wallet.UserID, "wallet.deactivated", "wallet", wallet.ID)
	if wasDefault {
		m.promoteDefault(ctx, wallet.UserID, wallet.Currency)
	}
	return wallet, nil
}

func (m *WalletManager) promoteDefault(ctx context.Context, userID string, currency models.Currency) {
	wallets, err := m.ListWallets(ctx, userID, currency)
	if err != nil {
		m.d.Logger.Errorf("Failed to list %s wallets of user %s: %v", currency, userID, err)
		return
	}
	// A concurrent create may already have become default.
	if len(wallets) == 0 || wallets[0].IsDefault {
		return
	}
	if _, err := m.SetDefault(ctx, wallets[0].ID); err != nil {
		m.d.Logger.Errorf("Failed to promote wallet %s to default: %v", wallets[0].ID, err)
	}
}

type SyncReport struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	LocalOnly int `json:"local_only"`
}

// SyncPendingWallets registers pending_sync wallets with the gateway. A
// wallet that keeps failing is parked as local_only.
func (m *WalletManager) SyncPendingWallets(ctx context.Context, limit int) (SyncReport, error) {
	var report SyncReport
	if m.d.Gateway == nil {
		return report, nil
	}
	if limit <= 0 {
		limit = 50
	}
	wallets, err := m.d.Repo.ListWalletsBySyncStatus(ctx, models.SyncStatusPendingSync, limit)
	if err != nil {
		m.d.Logger.Errorf("Failed to list wallets pending sync: %v", err)
		return report, err
	}

	for _, w := range wallets {
		req := gateway.WalletRequest{WalletID: w.ID, UserID: w.UserID, Currency: w.Currency, Kind: w.Kind, Label: w.Label}
		if user, err := m.d.Repo.GetUser(ctx, w.UserID); err == nil && user.CustomerRef != nil {
			req.CustomerRef = *user.CustomerRef
		}

		gctx, cancel := context.WithTimeout(ctx, m.d.Settings.GatewayTimeout)
		ref, gerr := m.d.Gateway.CreateWallet(gctx, req)
		cancel()

		now := m.d.Clock.Now()
		if gerr == nil {
			_, _, err := m.d.Repo.MutateWallet(ctx, w.ID, "", func(cur *models.Wallet) error {
				cur.ExternalRef = &ref
				cur.SyncStatus = models.SyncStatusSynced
				cur.SyncAttempts = 0
				cur.LastSyncAt = now
				cur.UpdatedAt = now
				return nil
			})
			if err != nil {
				m.d.Logger.Errorf("Failed to record gateway ref %s for wallet %s: %v", ref, w.ID, err)
				report.Failed++
				continue
			}
			report.Synced++
			m.d.Logger.Infof("Wallet %s synced with gateway as %s", w.ID, ref)
			continue
		}

		m.d.Logger.Warnf("Gateway wallet sync failed for %s: %v", w.ID, gerr)
		var parked bool
		_, _, err := m.d.Repo.MutateWallet(ctx, w.ID, "", func(cur *models.Wallet) error {
			cur.SyncAttempts++
			if cur.SyncAttempts >= m.d.Settings.WalletSyncMaxAttempts || !gateway.IsTransient(gerr) {
				cur.SyncStatus = models.SyncStatusLocalOnly
				parked = true
			}
			cur.UpdatedAt = now
			return nil
		})
		if err != nil {
			m.d.Logger.Errorf("Failed to record sync attempt for wallet %s: %v", w.ID, err)
		}
		report.Failed++
		if parked {
			report.LocalOnly++
			audit(ctx, m.d, w.UserID, "wallet.local_only", "wallet", w.ID)
			notify(ctx, m.d, "wallet.local_only", w.UserID, fmt.Sprintf("Wallet %s could not be registered with the gateway and is now local only", w.ID), map[string]string{"wallet_id": w.ID})
		}
	}
	return report, nil
}
