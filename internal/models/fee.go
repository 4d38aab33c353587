package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type FeeItem struct {
	Kind     string          `json:"kind"` // network, service, exchange
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

type FeeBreakdown []FeeItem

func (f FeeBreakdown) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *FeeBreakdown) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*f = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported fee breakdown type %T", src)
	}
	return json.Unmarshal(raw, f)
}

func (f FeeBreakdown) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range f {
		total = total.Add(item.Amount)
	}
	return total
}
