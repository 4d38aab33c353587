package service_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/clock"
	"github.com/Fi44er/wallet_ledger/internal/gateway"
	"github.com/Fi44er/wallet_ledger/internal/memstore"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/internal/service"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/shopspring/decimal"
)

const testSecret = "whsec_test"

type fakeGateway struct {
	mu       sync.Mutex
	calls    []gateway.PaymentDescriptor
	execute  func(gateway.PaymentDescriptor) (gateway.PaymentResult, error)
	wallets  func(gateway.WalletRequest) (string, error)
	walletNo int
}

func (g *fakeGateway) Execute(_ context.Context, p gateway.PaymentDescriptor) (gateway.PaymentResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, p)
	fn := g.execute
	g.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return gateway.PaymentResult{Reference: "pay_" + p.IdempotencyKey, Status: "completed"}, nil
}

func (g *fakeGateway) CreateWallet(_ context.Context, req gateway.WalletRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wallets != nil {
		return g.wallets(req)
	}
	g.walletNo++
	return "gw_wallet_" + strconv.Itoa(g.walletNo), nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, note service.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, note.Event)
	return nil
}

func (n *recordingNotifier) Has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

type testEnv struct {
	svc      *service.Service
	store    *memstore.Store
	clock    *clock.Manual
	gateway  *fakeGateway
	notifier *recordingNotifier
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New()
	clk := clock.NewManual(time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC))
	gw := &fakeGateway{}
	notifier := &recordingNotifier{}
	settings := service.DefaultSettings()
	settings.WebhookSecret = testSecret
	svc := service.New(service.Deps{
		Repo:     store,
		Gateway:  gw,
		Notifier: notifier,
		Clock:    clk,
		Logger:   utils.NewDiscardLogger(),
		Settings: settings,
	})
	return &testEnv{svc: svc, store: store, clock: clk, gateway: gw, notifier: notifier}
}

func (e *testEnv) user(t *testing.T, email string) *models.User {
	t.Helper()
	u, err := e.svc.Security.CreateUser(context.Background(), service.CreateUserInput{Email: email, CustomerRef: "cus_" + email})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (e *testEnv) wallet(t *testing.T, userID string, currency models.Currency, kind models.WalletKind) *models.Wallet {
	t.Helper()
	w, err := e.svc.Wallets.CreateWallet(context.Background(), service.CreateWalletInput{UserID: userID, Currency: currency, Kind: kind})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return w
}

func (e *testEnv) fund(t *testing.T, walletID, amount string) *models.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := e.store.GetWallet(ctx, walletID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	w, err = e.svc.Wallets.ApplyBalanceDelta(ctx, walletID, models.BalanceAvailable, dec(amount), w.Version)
	if err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
	return w
}

func (e *testEnv) mustWallet(t *testing.T, id string) *models.Wallet {
	t.Helper()
	w, err := e.store.GetWallet(context.Background(), id)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w
}

func (e *testEnv) mustTx(t *testing.T, id string) *models.Transaction {
	t.Helper()
	tx, err := e.store.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	return tx
}

func (e *testEnv) signedEvent(payload string) service.Event {
	ts := strconv.FormatInt(e.clock.Now().Unix(), 10)
	return service.Event{
		Payload:   []byte(payload),
		Timestamp: ts,
		Signature: service.Sign(testSecret, ts, []byte(payload)),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertBalances(t *testing.T, w *models.Wallet, available, pending string) {
	t.Helper()
	if !w.AvailableBalance.Equal(dec(available)) || !w.PendingBalance.Equal(dec(pending)) {
		t.Fatalf("expected available=%s pending=%s, got available=%s pending=%s", available, pending, w.AvailableBalance, w.PendingBalance)
	}
	if !w.Balance.Equal(w.AvailableBalance.Add(w.PendingBalance)) {
		t.Fatalf("balance %s is not available %s + pending %s", w.Balance, w.AvailableBalance, w.PendingBalance)
	}
}
