package memstore

import (
	"sort"
	"sync"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/internal/service"
)

var _ service.Repository = (*Store)(nil)

// Store is an in-process ledger store. Rows are serialized by per-key
// mutexes; mu only guards the maps for the short copy in and out.
type Store struct {
	mu         sync.RWMutex
	users      map[string]*models.User
	wallets    map[string]*models.Wallet
	txs        map[string]*models.Transaction
	schedules  map[string]*models.RecurringSchedule
	events     map[string]*models.WebhookEvent
	journal    map[string]string
	audit      []models.AuditLog
	addressIdx uint32

	locks keyedLocks
}

func New() *Store {
	return &Store{
		users:     make(map[string]*models.User),
		wallets:   make(map[string]*models.Wallet),
		txs:       make(map[string]*models.Transaction),
		schedules: make(map[string]*models.RecurringSchedule),
		events:    make(map[string]*models.WebhookEvent),
		journal:   make(map[string]string),
	}
}

type keyedLocks struct {
	m sync.Map
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	v, _ := k.m.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (k *keyedLocks) lock(key string) func() {
	mu := k.get(key)
	mu.Lock()
	return mu.Unlock
}

// lockAll takes keys in sorted order so overlapping sets never deadlock.
func (k *keyedLocks) lockAll(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for _, key := range sorted {
		unlocks = append(unlocks, k.lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (k *keyedLocks) tryLock(key string) (func(), bool) {
	mu := k.get(key)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func cloneUser(u *models.User) models.User {
	c := *u
	c.LockUntil = clonePtr(u.LockUntil)
	c.CustomerRef = clonePtr(u.CustomerRef)
	return c
}

func cloneWallet(w *models.Wallet) models.Wallet {
	c := *w
	c.ExternalRef = clonePtr(w.ExternalRef)
	c.LastTransactionAt = clonePtr(w.LastTransactionAt)
	return c
}

func cloneTransaction(t *models.Transaction) models.Transaction {
	c := *t
	c.ExternalRef = clonePtr(t.ExternalRef)
	c.Blockchain.TxHash = clonePtr(t.Blockchain.TxHash)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.FailedAt = clonePtr(t.FailedAt)
	c.ExpiresAt = clonePtr(t.ExpiresAt)
	c.LastRetryAt = clonePtr(t.LastRetryAt)
	if t.FeeBreakdown != nil {
		c.FeeBreakdown = append(models.FeeBreakdown(nil), t.FeeBreakdown...)
	}
	return c
}

func cloneSchedule(s *models.RecurringSchedule) models.RecurringSchedule {
	c := *s
	c.EndDate = clonePtr(s.EndDate)
	c.NextDueAt = clonePtr(s.NextDueAt)
	c.LastPaymentAt = clonePtr(s.LastPaymentAt)
	c.RetryAt = clonePtr(s.RetryAt)
	c.ClaimedUntil = clonePtr(s.ClaimedUntil)
	c.MaxPayments = clonePtr(s.MaxPayments)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// sortWallets orders default first, then newest first.
func sortWallets(ws []models.Wallet) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].IsDefault != ws[j].IsDefault {
			return ws[i].IsDefault
		}
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.After(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}
