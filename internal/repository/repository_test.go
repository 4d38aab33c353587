package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Fi44er/wallet_ledger/db"
	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func openIntegrationRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set LEDGER_TEST_DATABASE_URL to run postgres integration tests")
	}
	logger := utils.NewDiscardLogger()
	conn, err := db.ConnectDb(dsn, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.Migrate(conn, true, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewRepository(conn, logger)
}

func seedUser(t *testing.T, r *Repository) *models.User {
	t.Helper()
	now := time.Now().UTC()
	u := &models.User{
		ID: uuid.NewString(), Email: uuid.NewString() + "@example.com",
		Status: models.UserActive, KYCStatus: models.KYCNone, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func seedWallet(t *testing.T, r *Repository, userID string) *models.Wallet {
	t.Helper()
	now := time.Now().UTC()
	w := &models.Wallet{
		ID: uuid.NewString(), UserID: userID, Currency: models.CurrencyUSD, Kind: models.WalletKindFiat,
		Label: "USD", IsActive: true, SyncStatus: models.SyncStatusSynced, LastSyncAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return w
}

func TestPostgresFirstWalletIsDefault(t *testing.T) {
	r := openIntegrationRepo(t)
	u := seedUser(t, r)
	first := seedWallet(t, r, u.ID)
	second := seedWallet(t, r, u.ID)
	if !first.IsDefault || second.IsDefault {
		t.Fatalf("expected only the first wallet default, got %v %v", first.IsDefault, second.IsDefault)
	}

	if _, err := r.SetDefaultWallet(context.Background(), second.ID); err != nil {
		t.Fatalf("set default: %v", err)
	}
	got, _ := r.GetWallet(context.Background(), first.ID)
	if got.IsDefault {
		t.Fatalf("previous default must be cleared")
	}
}

func TestPostgresKeyedMutationAppliesOnce(t *testing.T) {
	r := openIntegrationRepo(t)
	w := seedWallet(t, r, seedUser(t, r).ID)
	key := "test:" + uuid.NewString()
	one := decimal.NewFromInt(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.MutateWallet(context.Background(), w.ID, key, func(w *models.Wallet) error {
				w.AvailableBalance = w.AvailableBalance.Add(one)
				w.Balance = w.Balance.Add(one)
				return nil
			})
			if err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := r.GetWallet(context.Background(), w.ID)
	if !got.AvailableBalance.Equal(one) || got.Version != w.Version+1 {
		t.Fatalf("expected one application, got available=%s version=%d", got.AvailableBalance, got.Version)
	}
}

func TestPostgresRejectedMutationRollsBackJournal(t *testing.T) {
	r := openIntegrationRepo(t)
	w := seedWallet(t, r, seedUser(t, r).ID)
	key := "test:" + uuid.NewString()
	ctx := context.Background()

	_, _, err := r.MutateWallet(ctx, w.ID, key, func(*models.Wallet) error { return apperr.ErrInsufficientFunds })
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected callback error, got %v", err)
	}
	_, applied, err := r.MutateWallet(ctx, w.ID, key, func(*models.Wallet) error { return nil })
	if err != nil || !applied {
		t.Fatalf("key must be free after a rollback, applied=%v err=%v", applied, err)
	}
}

func TestPostgresNotFoundAndConflict(t *testing.T) {
	r := openIntegrationRepo(t)
	ctx := context.Background()
	if _, err := r.GetWallet(ctx, uuid.NewString()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	u := seedUser(t, r)
	dup := *u
	dup.ID = uuid.NewString()
	if err := r.CreateUser(ctx, &dup); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict on duplicate email, got %v", err)
	}
}

func TestPostgresScheduleClaimedOnce(t *testing.T) {
	r := openIntegrationRepo(t)
	u := seedUser(t, r)
	ctx := context.Background()
	due := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &models.RecurringSchedule{
		ID: uuid.NewString(), UserID: u.ID, RecipientKind: models.RecipientPhone, Recipient: "+256700000001",
		Amount: decimal.NewFromInt(5), Currency: models.CurrencyUSD, Frequency: models.FrequencyDaily,
		StartDate: due, Status: models.ScheduleActive, NextDueAt: &due, CreatedAt: due, UpdatedAt: due,
	}
	if err := r.CreateSchedule(ctx, s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	now := time.Now().UTC()
	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := r.ClaimDueSchedules(ctx, now, now.Add(time.Minute), uuid.NewString(), 1000)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, c := range claimed {
				if c.ID == s.ID {
					total++
				}
			}
		}()
	}
	wg.Wait()
	if total != 1 {
		t.Fatalf("expected the schedule claimed once, got %d", total)
	}
}

func TestPostgresEventClaim(t *testing.T) {
	r := openIntegrationRepo(t)
	ctx := context.Background()
	key := "evt_" + uuid.NewString()
	now := time.Now().UTC()

	if _, claimed, err := r.ClaimEvent(ctx, key, "wallet.credited", now, time.Minute); err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	if ev, claimed, _ := r.ClaimEvent(ctx, key, "wallet.credited", now.Add(time.Second), time.Minute); claimed || ev.Status != models.EventProcessing {
		t.Fatalf("claim inside the lease must fail")
	}
	if ev, claimed, _ := r.ClaimEvent(ctx, key, "wallet.credited", now.Add(2*time.Minute), time.Minute); !claimed || ev.Attempts != 2 {
		t.Fatalf("expired claim must be reclaimable")
	}
	if err := r.CompleteEvent(ctx, key, models.EventApplied, "", now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ev, claimed, _ := r.ClaimEvent(ctx, key, "wallet.credited", now.Add(time.Hour), time.Minute); claimed || ev.Status != models.EventApplied {
		t.Fatalf("finished event must not be reclaimed")
	}
}
