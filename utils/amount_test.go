package utils

import (
	"testing"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/shopspring/decimal"
)

func TestValidateAmountPrecision(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency models.Currency
		wantErr  bool
	}{
		{name: "btc satoshi", amount: "0.00000001", currency: models.CurrencyBTC},
		{name: "btc sub-satoshi", amount: "0.000000001", currency: models.CurrencyBTC, wantErr: true},
		{name: "usd cents", amount: "10.25", currency: models.CurrencyUSD},
		{name: "usd mills", amount: "10.255", currency: models.CurrencyUSD, wantErr: true},
		{name: "ugx whole", amount: "5000", currency: models.CurrencyUGX},
		{name: "zero", amount: "0", currency: models.CurrencyUSD, wantErr: true},
		{name: "negative", amount: "-1", currency: models.CurrencyUSD, wantErr: true},
		{name: "unknown currency", amount: "1", currency: models.Currency("XYZ"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(decimal.RequireFromString(tt.amount), tt.currency, false)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRepeatedSmallAdditionsDoNotDrift(t *testing.T) {
	sum := decimal.Zero
	step := decimal.RequireFromString("0.00000001")
	for i := 0; i < 100000; i++ {
		sum = sum.Add(step)
	}
	if !sum.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("expected exactly 0.001, got %s", sum)
	}
}

func TestMinorUnitsAndFormatting(t *testing.T) {
	amount := decimal.RequireFromString("0.005")
	if got := ToMinorUnits(amount, models.CurrencyBTC); got != 500000 {
		t.Fatalf("expected 500000 sats, got %d", got)
	}
	if got := ToMinorUnits(decimal.RequireFromString("19.99"), models.CurrencyUSD); got != 1999 {
		t.Fatalf("expected 1999 cents, got %d", got)
	}
	if got := FormatAmount(amount, models.CurrencyBTC); got != "0.005 BTC" {
		t.Fatalf("unexpected BTC format %q", got)
	}
	if got := FormatAmount(decimal.RequireFromString("7.5"), models.CurrencyUSD); got != "7.50 USD" {
		t.Fatalf("unexpected USD format %q", got)
	}
}
