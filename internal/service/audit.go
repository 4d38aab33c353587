package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/google/uuid"
)

// audit appends a trail entry. The ledger change it describes has already
// committed, so a failure here is logged and swallowed.
func audit(ctx context.Context, d Deps, userID, action string, kv ...string) {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		Details:   formatDetails(kv),
		CreatedAt: d.Clock.Now(),
	}
	if err := d.Repo.AppendAudit(ctx, entry); err != nil {
		d.Logger.Errorf("Failed to append audit %s for user %s: %v", action, userID, err)
	}
}

func notify(ctx context.Context, d Deps, event, userID, message string, data map[string]string) {
	n := Notification{Event: event, UserID: userID, Message: message, Data: data, At: d.Clock.Now()}
	if err := d.Notifier.Notify(ctx, n); err != nil {
		d.Logger.Warnf("Failed to deliver %s notification: %v", event, err)
	}
}

func formatDetails(kv []string) string {
	if len(kv) == 0 {
		return ""
	}
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%s", kv[i], kv[i+1]))
	}
	return strings.Join(parts, " ")
}
