package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Fi44er/wallet_ledger/internal/service"
	"github.com/Fi44er/wallet_ledger/utils"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts notifications to the admin chat.
type Telegram struct {
	api    sender
	chatID int64
	logger *utils.Logger
}

func NewTelegram(token string, chatID int64, logger *utils.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	logger.Infof("Authorized on telegram account %s", api.Self.UserName)
	return &Telegram{api: api, chatID: chatID, logger: logger}, nil
}

var eventIcons = map[string]string{
	"transaction.completed": "✅",
	"transaction.failed":    "❌",
	"transaction.cancelled": "🚫",
	"transaction.expired":   "⌛",
	"schedule.paused":       "⏸",
	"account.locked":        "🔒",
	"wallet.local_only":     "⚠️",
	"kyc.approved":          "🪪",
	"kyc.rejected":          "🪪",
}

func (t *Telegram) Notify(ctx context.Context, n service.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, formatTelegram(n))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		t.logger.Errorf("Failed to send %s notification to admin chat: %v", n.Event, err)
		return err
	}
	return nil
}

func formatTelegram(n service.Notification) string {
	icon, ok := eventIcons[n.Event]
	if !ok {
		icon = "ℹ️"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s*\n\n", icon, escape(n.Event))
	if n.UserID != "" {
		fmt.Fprintf(&sb, "👤 Пользователь: `%s`\n", n.UserID)
	}
	sb.WriteString(escape(n.Message))

	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		sb.WriteString("\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: `%s`", escape(k), n.Data[k])
	}
	return sb.String()
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}
