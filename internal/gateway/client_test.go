package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/shopspring/decimal"
)

func TestExecuteSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "tx-1" {
			t.Errorf("expected idempotency key tx-1, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		var p PaymentDescriptor
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !p.Amount.Equal(decimal.RequireFromString("12.34")) {
			t.Errorf("unexpected amount %s", p.Amount)
		}
		_, _ = w.Write([]byte(`{"id":"pay_9","status":"succeeded","fee":"0.10"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, utils.NewDiscardLogger())
	res, err := c.Execute(context.Background(), PaymentDescriptor{
		IdempotencyKey: "tx-1",
		Amount:         decimal.RequireFromString("12.34"),
		Currency:       models.CurrencyUSD,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Reference != "pay_9" || res.TransactionStatus() != models.StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Fee.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected fee %s", res.Fee)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "k", time.Second, utils.NewDiscardLogger())
			_, err := c.CreateWallet(context.Background(), WalletRequest{WalletID: "w-1"})
			if err == nil {
				t.Fatalf("expected error")
			}
			if IsTransient(err) != tt.transient {
				t.Fatalf("expected transient=%v for %d, got %v", tt.transient, tt.status, err)
			}
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 20*time.Millisecond, utils.NewDiscardLogger())
	_, err := c.Execute(context.Background(), PaymentDescriptor{IdempotencyKey: "tx-2"})
	if !IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}
