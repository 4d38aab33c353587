package repository

import (
	"context"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"gorm.io/gorm"
)

// ClaimEvent inserts the event as processing. An existing row is reclaimed
// only when it is still processing and its lease has run out.
func (r *Repository) ClaimEvent(ctx context.Context, key, eventType string, now time.Time, lease time.Duration) (*models.WebhookEvent, bool, error) {
	var (
		ev      models.WebhookEvent
		claimed bool
	)
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		ev = models.WebhookEvent{Key: key, EventType: eventType, Status: models.EventProcessing, Attempts: 1, ClaimedAt: now}
		res := tx.Clauses(onConflictDoNothing).Create(&ev)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			claimed = true
			return nil
		}
		if err := tx.Clauses(forUpdate).First(&ev, "key = ?", key).Error; err != nil {
			return err
		}
		if ev.Status != models.EventProcessing || now.Sub(ev.ClaimedAt) < lease {
			return nil
		}
		ev.Attempts++
		ev.ClaimedAt = now
		claimed = true
		return tx.Save(&ev).Error
	})
	if err != nil {
		return nil, false, mapError(err, "event %s", key)
	}
	return &ev, claimed, nil
}

func (r *Repository) CompleteEvent(ctx context.Context, key string, status models.EventStatus, detail string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("key = ?", key).
		Updates(map[string]any{"status": status, "detail": detail, "completed_at": now})
	if res.Error != nil {
		return mapError(res.Error, "event %s", key)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "event %s not claimed", key)
	}
	return nil
}

func (r *Repository) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	return mapError(r.db.WithContext(ctx).Create(entry).Error, "audit entry")
}

// ListAudit returns the user's newest entries first.
func (r *Repository) ListAudit(ctx context.Context, userID string, limit int) ([]models.AuditLog, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.AuditLog
	if err := q.Find(&out).Error; err != nil {
		return nil, mapError(err, "audit log")
	}
	return out, nil
}
