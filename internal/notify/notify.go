// Package notify delivers ledger notifications to admins and downstream
// consumers. Delivery failures are reported to the caller, which logs them.
package notify

import (
	"context"
	"errors"

	"github.com/Fi44er/wallet_ledger/internal/service"
)

// Multi fans a notification out to every target and joins their errors.
type Multi []service.Notifier

func (m Multi) Notify(ctx context.Context, n service.Notification) error {
	var errs []error
	for _, target := range m {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
