package memstore

import (
	"context"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/models"
)

func (s *Store) ClaimEvent(_ context.Context, key, eventType string, now time.Time, lease time.Duration) (*models.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[key]
	if !ok {
		ev = &models.WebhookEvent{Key: key, EventType: eventType, Status: models.EventProcessing, Attempts: 1, ClaimedAt: now}
		s.events[key] = ev
		c := *ev
		return &c, true, nil
	}
	if ev.Status == models.EventProcessing && now.Sub(ev.ClaimedAt) >= lease {
		next := *ev
		next.Attempts++
		next.ClaimedAt = now
		s.events[key] = &next
		c := next
		return &c, true, nil
	}
	c := *ev
	c.CompletedAt = clonePtr(ev.CompletedAt)
	return &c, false, nil
}

func (s *Store) CompleteEvent(_ context.Context, key string, status models.EventStatus, detail string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[key]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "event %s not claimed", key)
	}
	next := *ev
	next.Status = status
	next.Detail = detail
	next.CompletedAt = &now
	s.events[key] = &next
	return nil
}

func (s *Store) AppendAudit(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

// ListAudit returns the user's newest entries first.
func (s *Store) ListAudit(_ context.Context, userID string, limit int) ([]models.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditLog
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].UserID != userID {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
