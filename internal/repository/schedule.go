package repository

import (
	"context"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repository) CreateSchedule(ctx context.Context, schedule *models.RecurringSchedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return mapError(err, "schedule %s", schedule.ID)
	}
	return nil
}

func (r *Repository) GetSchedule(ctx context.Context, id string) (*models.RecurringSchedule, error) {
	var s models.RecurringSchedule
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, mapError(err, "schedule %s", id)
	}
	return &s, nil
}

func (r *Repository) ListSchedules(ctx context.Context, userID string, status models.ScheduleStatus) ([]models.RecurringSchedule, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.RecurringSchedule
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, mapError(err, "schedules")
	}
	return out, nil
}

func (r *Repository) MutateSchedule(ctx context.Context, id string, fn func(*models.RecurringSchedule) error) (*models.RecurringSchedule, error) {
	var s models.RecurringSchedule
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate).First(&s, "id = ?", id).Error; err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}
		s.Version++
		return tx.Save(&s).Error
	})
	if err != nil {
		return nil, mapError(err, "schedule %s", id)
	}
	return &s, nil
}

// ClaimDueSchedules stamps due rows with token in one statement pair. SKIP
// LOCKED leaves rows another instance is claiming to that instance.
func (r *Repository) ClaimDueSchedules(ctx context.Context, now, until time.Time, token string, limit int) ([]models.RecurringSchedule, error) {
	var claimed []models.RecurringSchedule
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_due_at IS NOT NULL AND next_due_at <= ?", models.ScheduleActive, now).
			Where("(retry_at IS NULL OR retry_at <= ?)", now).
			Where("(claimed_until IS NULL OR claimed_until <= ?)", now).
			Order("next_due_at")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]string, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
			claimed[i].ClaimToken = token
			claimed[i].ClaimedUntil = &until
			claimed[i].Version++
		}
		return tx.Model(&models.RecurringSchedule{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"claim_token":   token,
				"claimed_until": until,
				"version":       gorm.Expr("version + 1"),
			}).Error
	})
	if err != nil {
		r.logger.Errorf("Failed to claim due schedules: %v", err)
		return nil, mapError(err, "schedules")
	}
	return claimed, nil
}
