package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
)

func (s *Store) CreateSchedule(_ context.Context, schedule *models.RecurringSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[schedule.ID]; ok {
		return apperr.Newf(apperr.KindConflict, "schedule %s already exists", schedule.ID)
	}
	c := cloneSchedule(schedule)
	s.schedules[schedule.ID] = &c
	return nil
}

func (s *Store) GetSchedule(_ context.Context, id string) (*models.RecurringSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "schedule %s not found", id)
	}
	c := cloneSchedule(sc)
	return &c, nil
}

func (s *Store) ListSchedules(_ context.Context, userID string, status models.ScheduleStatus) ([]models.RecurringSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RecurringSchedule
	for _, sc := range s.schedules {
		if sc.UserID != userID || (status != "" && sc.Status != status) {
			continue
		}
		out = append(out, cloneSchedule(sc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MutateSchedule(ctx context.Context, id string, fn func(*models.RecurringSchedule) error) (*models.RecurringSchedule, error) {
	defer s.locks.lock("schedule:" + id)()
	return s.mutateScheduleLocked(ctx, id, fn)
}

func (s *Store) mutateScheduleLocked(ctx context.Context, id string, fn func(*models.RecurringSchedule) error) (*models.RecurringSchedule, error) {
	cur, err := s.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.Version++

	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneSchedule(cur)
	s.schedules[id] = &c
	return cur, nil
}

// ClaimDueSchedules skips rows whose lock is held right now, the in-process
// analogue of FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimDueSchedules(ctx context.Context, now, until time.Time, token string, limit int) ([]models.RecurringSchedule, error) {
	s.mu.RLock()
	var candidates []models.RecurringSchedule
	for _, sc := range s.schedules {
		if isDue(sc, now) {
			candidates = append(candidates, cloneSchedule(sc))
		}
	}
	s.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NextDueAt.Before(*candidates[j].NextDueAt) })

	var claimed []models.RecurringSchedule
	for _, cand := range candidates {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		unlock, ok := s.locks.tryLock("schedule:" + cand.ID)
		if !ok {
			continue
		}
		sc, err := s.mutateScheduleLocked(ctx, cand.ID, func(sc *models.RecurringSchedule) error {
			if !isDue(sc, now) {
				return errNotDue
			}
			sc.ClaimToken = token
			sc.ClaimedUntil = &until
			return nil
		})
		unlock()
		if err == errNotDue {
			continue
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, *sc)
	}
	return claimed, nil
}

var errNotDue = apperr.New(apperr.KindConflict, "schedule is no longer due")

func isDue(sc *models.RecurringSchedule, now time.Time) bool {
	if sc.Status != models.ScheduleActive || sc.NextDueAt == nil || sc.NextDueAt.After(now) {
		return false
	}
	if sc.RetryAt != nil && sc.RetryAt.After(now) {
		return false
	}
	return sc.ClaimedUntil == nil || !sc.ClaimedUntil.After(now)
}
