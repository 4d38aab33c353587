package models

import "strings"

type Currency string

const (
	CurrencyBTC  Currency = "BTC"
	CurrencyUSDT Currency = "USDT"
	CurrencyUSD  Currency = "USD"
	CurrencyNGN  Currency = "NGN"
	CurrencyEUR  Currency = "EUR"
	CurrencyGBP  Currency = "GBP"
	CurrencyCAD  Currency = "CAD"
	CurrencyKES  Currency = "KES"
	CurrencyGHS  Currency = "GHS"
	CurrencyZAR  Currency = "ZAR"
	CurrencyUGX  Currency = "UGX"
)

var currencyScales = map[Currency]int32{
	CurrencyBTC:  8,
	CurrencyUSDT: 6,
	CurrencyUSD:  2,
	CurrencyNGN:  2,
	CurrencyEUR:  2,
	CurrencyGBP:  2,
	CurrencyCAD:  2,
	CurrencyKES:  2,
	CurrencyGHS:  2,
	CurrencyZAR:  2,
	CurrencyUGX:  0,
}

func ParseCurrency(s string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := currencyScales[c]
	return c, ok
}

func (c Currency) Valid() bool {
	_, ok := currencyScales[c]
	return ok
}

// Scale is the number of fractional digits the currency carries.
func (c Currency) Scale() int32 {
	return currencyScales[c]
}

type WalletKind string

const (
	WalletKindBitcoin    WalletKind = "bitcoin"
	WalletKindLightning  WalletKind = "lightning"
	WalletKindStablecoin WalletKind = "stablecoin"
	WalletKindFiat       WalletKind = "fiat"
)

func (k WalletKind) Valid() bool {
	switch k {
	case WalletKindBitcoin, WalletKindLightning, WalletKindStablecoin, WalletKindFiat:
		return true
	}
	return false
}

type SyncStatus string

const (
	SyncStatusSynced      SyncStatus = "synced"
	SyncStatusPendingSync SyncStatus = "pending_sync"
	SyncStatusLocalOnly   SyncStatus = "local_only"
)

type BalanceField string

const (
	BalanceAvailable BalanceField = "available"
	BalancePending   BalanceField = "pending"
	BalanceTotal     BalanceField = "total"
)

func (f BalanceField) Valid() bool {
	switch f {
	case BalanceAvailable, BalancePending, BalanceTotal:
		return true
	}
	return false
}

type TransactionType string

const (
	TransactionSend       TransactionType = "send"
	TransactionReceive    TransactionType = "receive"
	TransactionSwap       TransactionType = "swap"
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionFee        TransactionType = "fee"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionSend, TransactionReceive, TransactionSwap, TransactionDeposit, TransactionWithdrawal, TransactionFee:
		return true
	}
	return false
}

// Inbound transactions credit the wallet; everything else debits it.
func (t TransactionType) Inbound() bool {
	return t == TransactionReceive || t == TransactionDeposit
}

type TransactionSubType string

const (
	SubTypeBitcoinOnchain   TransactionSubType = "bitcoin_onchain"
	SubTypeLightning        TransactionSubType = "lightning"
	SubTypeBankTransfer     TransactionSubType = "bank_transfer"
	SubTypeCardPayment      TransactionSubType = "card_payment"
	SubTypeInternalTransfer TransactionSubType = "internal_transfer"
)

func (s TransactionSubType) Valid() bool {
	switch s {
	case "", SubTypeBitcoinOnchain, SubTypeLightning, SubTypeBankTransfer, SubTypeCardPayment, SubTypeInternalTransfer:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
	StatusExpired    TransactionStatus = "expired"
)

var transactionSuccessors = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, candidate := range transactionSuccessors[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserBanned    UserStatus = "banned"
)

type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
)

type RecipientKind string

const (
	RecipientAddress     RecipientKind = "address"
	RecipientPhone       RecipientKind = "phone"
	RecipientMobileMoney RecipientKind = "mobile_money"
)

func (k RecipientKind) Valid() bool {
	switch k {
	case RecipientAddress, RecipientPhone, RecipientMobileMoney:
		return true
	}
	return false
}

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleCompleted || s == ScheduleCancelled
}

type EventStatus string

const (
	EventProcessing EventStatus = "processing"
	EventApplied    EventStatus = "applied"
	EventIgnored    EventStatus = "ignored"
	EventFailed     EventStatus = "failed"
)
