package service

import (
	"context"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/clock"
	"github.com/Fi44er/wallet_ledger/internal/gateway"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/btcsuite/btcd/chaincfg"
)

type WalletFilter struct {
	UserID     string
	Currency   models.Currency
	ActiveOnly bool
}

type TransactionFilter struct {
	UserID   string
	WalletID string
	Status   models.TransactionStatus
	Type     models.TransactionType
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// Repository is the ledger store. Mutate* calls load the row under a
// per-row lock, run fn, bump Version and commit; an error from fn aborts the
// whole mutation.
type Repository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByCustomerRef(ctx context.Context, ref string) (*models.User, error)
	MutateUser(ctx context.Context, id string, fn func(*models.User) error) (*models.User, error)

	// CreateWallet marks the wallet default when it is the first active one
	// for its (user, currency).
	CreateWallet(ctx context.Context, wallet *models.Wallet) error
	GetWallet(ctx context.Context, id string) (*models.Wallet, error)
	GetWalletByExternalRef(ctx context.Context, ref string) (*models.Wallet, error)
	ListWallets(ctx context.Context, filter WalletFilter) ([]models.Wallet, error)
	ListWalletsBySyncStatus(ctx context.Context, status models.SyncStatus, limit int) ([]models.Wallet, error)
	SetDefaultWallet(ctx context.Context, id string) (*models.Wallet, error)
	// MutateWallet applies fn at most once per non-empty key. applied is
	// false when the key was already recorded.
	MutateWallet(ctx context.Context, id, key string, fn func(*models.Wallet) error) (wallet *models.Wallet, applied bool, err error)
	NextAddressIndex(ctx context.Context) (uint32, error)

	// CreateTransaction inserts tx and runs reserve against its wallet in
	// the same commit.
	CreateTransaction(ctx context.Context, tx *models.Transaction, reserve func(*models.Wallet) error) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByExternalRef(ctx context.Context, ref string) (*models.Transaction, error)
	GetTransactionByTxHash(ctx context.Context, hash string) (*models.Transaction, error)
	MutateTransaction(ctx context.Context, id string, fn func(*models.Transaction) error) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, int64, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error)
	// ListUnsettled returns terminal transactions with no settle:<id>
	// journal entry, oldest update first.
	ListUnsettled(ctx context.Context, limit int) ([]models.Transaction, error)

	CreateSchedule(ctx context.Context, schedule *models.RecurringSchedule) error
	GetSchedule(ctx context.Context, id string) (*models.RecurringSchedule, error)
	ListSchedules(ctx context.Context, userID string, status models.ScheduleStatus) ([]models.RecurringSchedule, error)
	MutateSchedule(ctx context.Context, id string, fn func(*models.RecurringSchedule) error) (*models.RecurringSchedule, error)
	// ClaimDueSchedules stamps up to limit due, unclaimed schedules with
	// token until the claim expires, skipping rows another worker holds.
	ClaimDueSchedules(ctx context.Context, now, until time.Time, token string, limit int) ([]models.RecurringSchedule, error)

	// ClaimEvent records key as processing. claimed is false when the key is
	// finished or still held by another worker within lease.
	ClaimEvent(ctx context.Context, key, eventType string, now time.Time, lease time.Duration) (event *models.WebhookEvent, claimed bool, err error)
	CompleteEvent(ctx context.Context, key string, status models.EventStatus, detail string, now time.Time) error

	AppendAudit(ctx context.Context, entry *models.AuditLog) error
	ListAudit(ctx context.Context, userID string, limit int) ([]models.AuditLog, error)
}

type PaymentGateway interface {
	Execute(ctx context.Context, p gateway.PaymentDescriptor) (gateway.PaymentResult, error)
	CreateWallet(ctx context.Context, req gateway.WalletRequest) (string, error)
}

type Notification struct {
	Event   string            `json:"event"`
	UserID  string            `json:"user_id,omitempty"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
	At      time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Metrics interface {
	WebhookProcessed(eventType string, status models.EventStatus)
	WebhookRejected(reason string)
	TransactionTransitioned(from, to models.TransactionStatus)
	ScheduledPayment(result string)
	AccountLocked()
}

type Settings struct {
	WebhookSecret         string
	WebhookTolerance      time.Duration
	EventClaimLease       time.Duration
	GatewayTimeout        time.Duration
	SchedulerBatchSize    int
	SchedulerClaimTTL     time.Duration
	SchedulerMaxFailures  int
	SchedulerRetryBackoff time.Duration
	WalletSyncMaxAttempts int
	LockoutThreshold      int
	LockoutDuration       time.Duration
	BTCParams             *chaincfg.Params
}

func DefaultSettings() Settings {
	return Settings{
		WebhookTolerance:      300 * time.Second,
		EventClaimLease:       time.Minute,
		GatewayTimeout:        15 * time.Second,
		SchedulerBatchSize:    50,
		SchedulerClaimTTL:     5 * time.Minute,
		SchedulerMaxFailures:  3,
		SchedulerRetryBackoff: 15 * time.Minute,
		WalletSyncMaxAttempts: 5,
		LockoutThreshold:      5,
		LockoutDuration:       2 * time.Hour,
		BTCParams:             &chaincfg.MainNetParams,
	}
}

type Deps struct {
	Repo     Repository
	Gateway  PaymentGateway
	Notifier Notifier
	Metrics  Metrics
	Clock    clock.Clock
	Logger   *utils.Logger
	Deriver  *utils.AddressDeriver
	Settings Settings
}

func (d Deps) withDefaults() Deps {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = utils.NewDiscardLogger()
	}
	def := DefaultSettings()
	s := &d.Settings
	if s.WebhookTolerance <= 0 {
		s.WebhookTolerance = def.WebhookTolerance
	}
	if s.EventClaimLease <= 0 {
		s.EventClaimLease = def.EventClaimLease
	}
	if s.GatewayTimeout <= 0 {
		s.GatewayTimeout = def.GatewayTimeout
	}
	if s.SchedulerBatchSize <= 0 {
		s.SchedulerBatchSize = def.SchedulerBatchSize
	}
	if s.SchedulerClaimTTL <= 0 {
		s.SchedulerClaimTTL = def.SchedulerClaimTTL
	}
	if s.SchedulerMaxFailures <= 0 {
		s.SchedulerMaxFailures = def.SchedulerMaxFailures
	}
	if s.SchedulerRetryBackoff <= 0 {
		s.SchedulerRetryBackoff = def.SchedulerRetryBackoff
	}
	if s.WalletSyncMaxAttempts <= 0 {
		s.WalletSyncMaxAttempts = def.WalletSyncMaxAttempts
	}
	if s.LockoutThreshold <= 0 {
		s.LockoutThreshold = def.LockoutThreshold
	}
	if s.LockoutDuration <= 0 {
		s.LockoutDuration = def.LockoutDuration
	}
	if s.BTCParams == nil {
		s.BTCParams = def.BTCParams
	}
	return d
}

// Service bundles the ledger components over one store.
type Service struct {
	Wallets      *WalletManager
	Transactions *TransactionMachine
	Reconciler   *Reconciler
	Recurring    *RecurringPayments
	Security     *SecurityGuard
	deps         Deps
}

func New(d Deps) *Service {
	d = d.withDefaults()
	wallets := NewWalletManager(d)
	transactions := NewTransactionMachine(d)
	return &Service{
		Wallets:      wallets,
		Transactions: transactions,
		Reconciler:   NewReconciler(d, wallets, transactions),
		Recurring:    NewRecurringPayments(d, wallets, transactions),
		Security:     NewSecurityGuard(d),
		deps:         d,
	}
}

func (s *Service) ListAudit(ctx context.Context, userID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.deps.Repo.ListAudit(ctx, userID, limit)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

type nopMetrics struct{}

func (nopMetrics) WebhookProcessed(string, models.EventStatus) {}
func (nopMetrics) WebhookRejected(string)                      {}
func (nopMetrics) ScheduledPayment(string)                     {}
func (nopMetrics) AccountLocked()                              {}

func (nopMetrics) TransactionTransitioned(models.TransactionStatus, models.TransactionStatus) {}
