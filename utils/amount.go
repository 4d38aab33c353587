package utils

import (
	"fmt"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// FitsScale reports whether n has no more fractional digits than places.
func FitsScale(n decimal.Decimal, places int32) bool {
	return n.Equal(n.Truncate(places))
}

// ToMinorUnits converts to the smallest unit of the currency (satoshis for BTC).
func ToMinorUnits(n decimal.Decimal, c models.Currency) int64 {
	return n.Shift(c.Scale()).IntPart()
}

func FormatAmount(n decimal.Decimal, c models.Currency) string {
	if c == models.CurrencyBTC {
		return btcutil.Amount(ToMinorUnits(n, c)).String()
	}
	return fmt.Sprintf("%s %s", n.StringFixed(c.Scale()), c)
}

// ValidateAmount checks a monetary amount against the currency's precision.
func ValidateAmount(n decimal.Decimal, c models.Currency, allowZero bool) error {
	if !c.Valid() {
		return fmt.Errorf("unsupported currency %q", c)
	}
	if n.IsNegative() || (!allowZero && n.IsZero()) {
		return fmt.Errorf("amount must be positive")
	}
	if !FitsScale(n, c.Scale()) {
		return fmt.Errorf("amount %s exceeds %d decimal places for %s", n, c.Scale(), c)
	}
	return nil
}
