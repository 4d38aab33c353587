package memstore

import (
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/internal/service"
)

func filterFor(userID string, limit, offset int) service.TransactionFilter {
	return service.TransactionFilter{UserID: userID, Limit: limit, Offset: offset}
}

func ids(txs []models.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, t := range txs {
		out = append(out, t.ID)
	}
	return out
}
