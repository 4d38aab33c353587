package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/gateway"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxRetryBackoff   = 24 * time.Hour
	maxDescriptionLen = 200
)

var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

type RecurringPayments struct {
	d            Deps
	wallets      *WalletManager
	transactions *TransactionMachine
}

func NewRecurringPayments(d Deps, wallets *WalletManager, transactions *TransactionMachine) *RecurringPayments {
	return &RecurringPayments{d: d.withDefaults(), wallets: wallets, transactions: transactions}
}

type ScheduleInput struct {
	RecipientKind models.RecipientKind
	Recipient     string
	Amount        decimal.Decimal
	Currency      models.Currency
	Frequency     models.Frequency
	StartDate     time.Time
	EndDate       *time.Time
	MaxPayments   *int
	Description   string
}

type SchedulePatch struct {
	Recipient   *string
	Amount      *decimal.Decimal
	Frequency   *models.Frequency
	EndDate     *time.Time
	MaxPayments *int
	Description *string
}

type RunReport struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
	Paused    int `json:"paused"`
	Stopped   int `json:"stopped"`
}

func (p *RecurringPayments) Create(ctx context.Context, userID string, in ScheduleInput) (*models.RecurringSchedule, error) {
	now := p.d.Clock.Now()
	if in.StartDate.IsZero() {
		in.StartDate = now
	}
	if err := p.validate(in.RecipientKind, in.Recipient, in.Amount, in.Currency, in.Frequency, in.StartDate, in.EndDate, in.MaxPayments, in.Description); err != nil {
		return nil, err
	}
	if in.StartDate.Before(now.Add(-time.Minute)) {
		return nil, apperr.New(apperr.KindValidation, "start date cannot be in the past")
	}
	if _, err := p.d.Repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	start := in.StartDate.UTC()
	s := &models.RecurringSchedule{
		ID:            uuid.NewString(),
		UserID:        userID,
		RecipientKind: in.RecipientKind,
		Recipient:     strings.TrimSpace(in.Recipient),
		Amount:        in.Amount,
		Currency:      in.Currency,
		Frequency:     in.Frequency,
		StartDate:     start,
		EndDate:       in.EndDate,
		MaxPayments:   in.MaxPayments,
		Description:   strings.TrimSpace(in.Description),
		Status:        models.ScheduleActive,
		NextDueAt:     &start,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.d.Repo.CreateSchedule(ctx, s); err != nil {
		p.d.Logger.Errorf("Failed to create schedule for user %s: %v", userID, err)
		return nil, err
	}
	p.d.Logger.Infof("Created %s schedule %s for user %s: %s to %s", s.Frequency, s.ID, userID, utils.FormatAmount(s.Amount, s.Currency), s.Recipient)
	audit(ctx, p.d, userID, "schedule.created", "schedule", s.ID, "frequency", string(s.Frequency))
	return s, nil
}

func (p *RecurringPayments) validate(kind models.RecipientKind, recipient string, amount decimal.Decimal, currency models.Currency, freq models.Frequency, start time.Time, end *time.Time, maxPayments *int, description string) error {
	if !kind.Valid() {
		return apperr.Newf(apperr.KindValidation, "unsupported recipient kind %q", kind)
	}
	recipient = strings.TrimSpace(recipient)
	switch kind {
	case models.RecipientAddress:
		if recipient == "" {
			return apperr.New(apperr.KindValidation, "recipient address is required")
		}
		if currency == models.CurrencyBTC {
			if err := utils.ValidateBTCAddress(recipient, p.d.Settings.BTCParams); err != nil {
				return apperr.New(apperr.KindValidation, err.Error())
			}
		}
	case models.RecipientPhone, models.RecipientMobileMoney:
		if !phonePattern.MatchString(strings.ReplaceAll(recipient, " ", "")) {
			return apperr.New(apperr.KindValidation, "recipient must be a phone number")
		}
	}
	if err := utils.ValidateAmount(amount, currency, false); err != nil {
		return apperr.New(apperr.KindValidation, err.Error())
	}
	if !freq.Valid() {
		return apperr.Newf(apperr.KindValidation, "unsupported frequency %q", freq)
	}
	if end != nil && !end.After(start) {
		return apperr.New(apperr.KindValidation, "end date must be after start date")
	}
	if maxPayments != nil && *maxPayments < 1 {
		return apperr.New(apperr.KindValidation, "max payments must be at least 1")
	}
	if len(description) > maxDescriptionLen {
		return apperr.Newf(apperr.KindValidation, "description must be at most %d characters", maxDescriptionLen)
	}
	return nil
}

func (p *RecurringPayments) Get(ctx context.Context, userID, id string) (*models.RecurringSchedule, error) {
	s, err := p.d.Repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, apperr.Newf(apperr.KindNotFound, "schedule %s not found", id)
	}
	return s, nil
}

func (p *RecurringPayments) ListByUser(ctx context.Context, userID string, status models.ScheduleStatus) ([]models.RecurringSchedule, error) {
	return p.d.Repo.ListSchedules(ctx, userID, status)
}

func (p *RecurringPayments) Update(ctx context.Context, userID, id string, patch SchedulePatch) (*models.RecurringSchedule, error) {
	now := p.d.Clock.Now()
	s, err := p.mutateOwned(ctx, userID, id, func(s *models.RecurringSchedule) error {
		if s.Status != models.ScheduleActive {
			return apperr.Newf(apperr.KindInvalidTransition, "schedule %s is %s and cannot be changed", s.ID, s.Status)
		}
		next := *s
		if patch.Recipient != nil {
			next.Recipient = strings.TrimSpace(*patch.Recipient)
		}
		if patch.Amount != nil {
			next.Amount = *patch.Amount
		}
		if patch.Frequency != nil {
			next.Frequency = *patch.Frequency
		}
		if patch.EndDate != nil {
			end := *patch.EndDate
			next.EndDate = &end
		}
		if patch.MaxPayments != nil {
			n := *patch.MaxPayments
			next.MaxPayments = &n
		}
		if patch.Description != nil {
			next.Description = strings.TrimSpace(*patch.Description)
		}
		if err := p.validate(next.RecipientKind, next.Recipient, next.Amount, next.Currency, next.Frequency, next.StartDate, next.EndDate, next.MaxPayments, next.Description); err != nil {
			return err
		}
		if next.Frequency != s.Frequency && next.LastPaymentAt != nil {
			due := Advance(next.Frequency, *next.LastPaymentAt, next.StartDate.Day())
			next.NextDueAt = &due
		}
		next.UpdatedAt = now
		*s = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	audit(ctx, p.d, userID, "schedule.updated", "schedule", s.ID)
	return s, nil
}

func (p *RecurringPayments) Cancel(ctx context.Context, userID, id string) (*models.RecurringSchedule, error) {
	now := p.d.Clock.Now()
	s, err := p.mutateOwned(ctx, userID, id, func(s *models.RecurringSchedule) error {
		if s.Status.Terminal() {
			return apperr.Newf(apperr.KindInvalidTransition, "schedule %s is already %s", s.ID, s.Status)
		}
		s.Status = models.ScheduleCancelled
		s.NextDueAt = nil
		s.RetryAt = nil
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.d.Logger.Infof("Cancelled schedule %s", s.ID)
	audit(ctx, p.d, userID, "schedule.cancelled", "schedule", s.ID)
	return s, nil
}

// Resume reactivates a schedule paused after repeated failures.
func (p *RecurringPayments) Resume(ctx context.Context, userID, id string) (*models.RecurringSchedule, error) {
	now := p.d.Clock.Now()
	s, err := p.mutateOwned(ctx, userID, id, func(s *models.RecurringSchedule) error {
		if s.Status != models.SchedulePaused {
			return apperr.Newf(apperr.KindInvalidTransition, "schedule %s is %s, not paused", s.ID, s.Status)
		}
		s.Status = models.ScheduleActive
		s.ConsecutiveFailures = 0
		s.RetryAt = nil
		s.LastFailureReason = ""
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.d.Logger.Infof("Resumed schedule %s", s.ID)
	audit(ctx, p.d, userID, "schedule.resumed", "schedule", s.ID)
	return s, nil
}

func (p *RecurringPayments) mutateOwned(ctx context.Context, userID, id string, fn func(*models.RecurringSchedule) error) (*models.RecurringSchedule, error) {
	return p.d.Repo.MutateSchedule(ctx, id, func(s *models.RecurringSchedule) error {
		if s.UserID != userID {
			return apperr.Newf(apperr.KindNotFound, "schedule %s not found", id)
		}
		return fn(s)
	})
}

// ProcessDue claims every due schedule and executes one payment for each.
// Claims make concurrent ticks on other instances skip the same rows.
func (p *RecurringPayments) ProcessDue(ctx context.Context, now time.Time) (RunReport, error) {
	var report RunReport
	if p.d.Gateway == nil {
		return report, apperr.New(apperr.KindInternal, "no payment gateway configured")
	}
	token := uuid.NewString()
	claimed, err := p.d.Repo.ClaimDueSchedules(ctx, now, now.Add(p.d.Settings.SchedulerClaimTTL), token, p.d.Settings.SchedulerBatchSize)
	if err != nil {
		p.d.Logger.Errorf("Failed to claim due schedules: %v", err)
		return report, err
	}
	report.Claimed = len(claimed)

	for i := range claimed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result := p.processOne(ctx, &claimed[i], token, now)
		p.d.Metrics.ScheduledPayment(result)
		switch result {
		case "succeeded":
			report.Succeeded++
		case "completed":
			report.Succeeded++
			report.Completed++
		case "expired":
			report.Completed++
		case "paused":
			report.Failed++
			report.Paused++
		case "stopped":
			report.Stopped++
		default:
			report.Failed++
		}
	}
	if report.Claimed > 0 {
		p.d.Logger.Infof("Processed %d due schedules: %d succeeded, %d failed, %d completed, %d paused",
			report.Claimed, report.Succeeded, report.Failed, report.Completed, report.Paused)
	}
	return report, nil
}

func (p *RecurringPayments) processOne(ctx context.Context, s *models.RecurringSchedule, token string, now time.Time) string {
	if !s.Frequency.Valid() {
		return p.recordFailure(ctx, s, token, now, nil, fmt.Sprintf("unknown frequency %q", s.Frequency), true)
	}
	if s.EndDate != nil && !now.Before(*s.EndDate) {
		stopped, err := p.finish(ctx, s.ID, token, now, "end date reached")
		switch {
		case err != nil:
			return "error"
		case stopped:
			return "stopped"
		}
		return "expired"
	}

	wallet, err := p.wallets.DefaultWallet(ctx, s.UserID, s.Currency)
	if err != nil {
		permanent := apperr.IsKind(err, apperr.KindNotFound)
		return p.recordFailure(ctx, s, token, now, nil, err.Error(), permanent)
	}

	tx, err := p.transactions.Create(ctx, CreateTransactionInput{
		UserID:      s.UserID,
		WalletID:    wallet.ID,
		Type:        models.TransactionSend,
		Amount:      s.Amount,
		Currency:    s.Currency,
		ToAddress:   s.Recipient,
		Reference:   s.ID,
		Description: s.Description,
	})
	if err != nil {
		permanent := apperr.IsKind(err, apperr.KindValidation) || apperr.IsKind(err, apperr.KindNotFound)
		return p.recordFailure(ctx, s, token, now, nil, apperr.SafeMessage(err), permanent)
	}

	desc := gateway.PaymentDescriptor{
		IdempotencyKey: tx.ID,
		ScheduleID:     s.ID,
		UserID:         s.UserID,
		RecipientKind:  s.RecipientKind,
		Recipient:      s.Recipient,
		Amount:         s.Amount,
		Currency:       s.Currency,
		Description:    s.Description,
	}
	if wallet.ExternalRef != nil {
		desc.WalletRef = *wallet.ExternalRef
	}
	if user, err := p.d.Repo.GetUser(ctx, s.UserID); err == nil && user.CustomerRef != nil {
		desc.CustomerRef = *user.CustomerRef
	}

	gctx, cancel := context.WithTimeout(ctx, p.d.Settings.GatewayTimeout)
	result, gerr := p.d.Gateway.Execute(gctx, desc)
	cancel()

	if gerr == nil && result.TransactionStatus() == models.StatusFailed {
		gerr = &gateway.Error{Message: "payment rejected with status " + result.Status}
	}
	if gerr != nil {
		p.d.Logger.Warnf("Scheduled payment %s for schedule %s failed: %v", tx.ID, s.ID, gerr)
		permanent := !gateway.IsTransient(gerr) && !errors.Is(gerr, context.DeadlineExceeded)
		return p.recordFailure(ctx, s, token, now, tx, gerr.Error(), permanent)
	}

	meta := TransitionMeta{ExternalRef: result.Reference, TxHash: result.TxHash}
	if !result.Fee.IsZero() {
		fee := result.Fee
		meta.Fee = &fee
		meta.FeeCurrency = result.FeeCurrency
	}
	if _, err := p.transactions.Transition(ctx, tx.ID, result.TransactionStatus(), meta); err != nil {
		// The gateway accepted the payment; webhooks will finish the
		// transaction, so the run still counts.
		p.d.Logger.Errorf("Failed to record gateway status for %s: %v", tx.ID, err)
	}
	return p.recordSuccess(ctx, s, token, now, tx)
}

func (p *RecurringPayments) recordSuccess(ctx context.Context, claimed *models.RecurringSchedule, token string, now time.Time, tx *models.Transaction) string {
	var completed, stopped, stuck bool
	s, err := p.d.Repo.MutateSchedule(ctx, claimed.ID, func(s *models.RecurringSchedule) error {
		if s.ClaimToken != token {
			return apperr.Newf(apperr.KindConflict, "claim on schedule %s was lost", s.ID)
		}
		if stopped = releaseIfStopped(s, now); stopped {
			return nil
		}
		s.PaymentsExecuted++
		s.LastPaymentAt = &now
		s.ConsecutiveFailures = 0
		s.RetryAt = nil
		s.LastFailureReason = ""

		// Step from the occurrence just paid so a late run keeps the
		// calendar; missed occurrences are skipped, not paid twice.
		next := now
		if s.NextDueAt != nil {
			next = *s.NextDueAt
		}
		for !next.After(now) {
			step := Advance(s.Frequency, next, s.StartDate.Day())
			if !step.After(next) {
				stuck = true
				break
			}
			next = step
		}
		s.NextDueAt = &next
		if stuck {
			s.Status = models.SchedulePaused
			s.LastFailureReason = fmt.Sprintf("unknown frequency %q", s.Frequency)
		}

		if (s.MaxPayments != nil && s.PaymentsExecuted >= *s.MaxPayments) || (s.EndDate != nil && !now.Before(*s.EndDate)) {
			s.Status = models.ScheduleCompleted
			s.NextDueAt = nil
			completed = true
		}
		releaseClaim(s)
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		p.d.Logger.Errorf("Failed to record payment %s on schedule %s: %v", tx.ID, claimed.ID, err)
		return "error"
	}

	audit(ctx, p.d, s.UserID, "schedule.payment_executed", "schedule", s.ID, "transaction", tx.ID)
	if stopped {
		p.d.Logger.Warnf("Schedule %s became %s while payment %s was in flight", s.ID, s.Status, tx.ID)
		return "stopped"
	}
	p.d.Logger.Infof("Schedule %s paid %s (%d executed)", s.ID, utils.FormatAmount(s.Amount, s.Currency), s.PaymentsExecuted)
	if stuck {
		p.d.Logger.Errorf("Paused schedule %s: %s", s.ID, s.LastFailureReason)
		audit(ctx, p.d, s.UserID, "schedule.paused", "schedule", s.ID)
		return "paused"
	}
	if completed {
		audit(ctx, p.d, s.UserID, "schedule.completed", "schedule", s.ID)
		return "completed"
	}
	return "succeeded"
}

// recordFailure keeps NextDueAt so the same occurrence is retried after an
// exponential backoff. Permanent errors and too many failures in a row pause
// the schedule until Resume.
func (p *RecurringPayments) recordFailure(ctx context.Context, claimed *models.RecurringSchedule, token string, now time.Time, tx *models.Transaction, reason string, permanent bool) string {
	if tx != nil {
		if _, err := p.transactions.Transition(ctx, tx.ID, models.StatusFailed, TransitionMeta{FailureReason: reason}); err != nil {
			p.d.Logger.Errorf("Failed to fail transaction %s: %v", tx.ID, err)
		}
	}
	if len(reason) > 500 {
		reason = reason[:500]
	}

	var paused, stopped bool
	s, err := p.d.Repo.MutateSchedule(ctx, claimed.ID, func(s *models.RecurringSchedule) error {
		if s.ClaimToken != token {
			return apperr.Newf(apperr.KindConflict, "claim on schedule %s was lost", s.ID)
		}
		if stopped = releaseIfStopped(s, now); stopped {
			return nil
		}
		s.ConsecutiveFailures++
		s.LastFailureReason = reason
		if permanent || s.ConsecutiveFailures >= p.d.Settings.SchedulerMaxFailures {
			s.Status = models.SchedulePaused
			s.RetryAt = nil
			paused = true
		} else {
			retry := now.Add(RetryBackoff(p.d.Settings.SchedulerRetryBackoff, s.ConsecutiveFailures))
			s.RetryAt = &retry
		}
		releaseClaim(s)
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		p.d.Logger.Errorf("Failed to record failure on schedule %s: %v", claimed.ID, err)
		return "error"
	}
	if stopped {
		p.d.Logger.Warnf("Schedule %s became %s while its payment was in flight", s.ID, s.Status)
		return "stopped"
	}

	audit(ctx, p.d, s.UserID, "schedule.payment_failed", "schedule", s.ID, "failures", fmt.Sprint(s.ConsecutiveFailures))
	if paused {
		p.d.Logger.Warnf("Paused schedule %s after %d failures: %s", s.ID, s.ConsecutiveFailures, reason)
		audit(ctx, p.d, s.UserID, "schedule.paused", "schedule", s.ID)
		notify(ctx, p.d, "schedule.paused", s.UserID,
			fmt.Sprintf("Recurring payment %s paused after %d failed attempts: %s", s.ID, s.ConsecutiveFailures, reason),
			map[string]string{"schedule_id": s.ID, "reason": reason})
		return "paused"
	}
	return "failed"
}

func (p *RecurringPayments) finish(ctx context.Context, id, token string, now time.Time, reason string) (bool, error) {
	var stopped bool
	s, err := p.d.Repo.MutateSchedule(ctx, id, func(s *models.RecurringSchedule) error {
		if s.ClaimToken != token {
			return apperr.Newf(apperr.KindConflict, "claim on schedule %s was lost", s.ID)
		}
		if stopped = releaseIfStopped(s, now); stopped {
			return nil
		}
		s.Status = models.ScheduleCompleted
		s.NextDueAt = nil
		s.RetryAt = nil
		releaseClaim(s)
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		p.d.Logger.Errorf("Failed to complete schedule %s: %v", id, err)
		return false, err
	}
	if stopped {
		return true, nil
	}
	p.d.Logger.Infof("Completed schedule %s: %s", s.ID, reason)
	audit(ctx, p.d, s.UserID, "schedule.completed", "schedule", s.ID, "reason", reason)
	return false, nil
}

func releaseClaim(s *models.RecurringSchedule) {
	s.ClaimToken = ""
	s.ClaimedUntil = nil
}

// releaseIfStopped drops the claim of a schedule that was cancelled or
// paused while its run was in flight. The run must not touch it further.
func releaseIfStopped(s *models.RecurringSchedule, now time.Time) bool {
	if s.Status == models.ScheduleActive {
		return false
	}
	releaseClaim(s)
	s.UpdatedAt = now
	return true
}

// RetryBackoff doubles base for every consecutive failure, capped at a day.
func RetryBackoff(base time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// Advance returns the next occurrence after from. Monthly and yearly steps
// move by calendar units and land on anchorDay, or the month's last day when
// it is shorter, so Jan 31 goes to Feb 29 and then back to Mar 31. An
// unknown frequency returns from unchanged.
func Advance(freq models.Frequency, from time.Time, anchorDay int) time.Time {
	switch freq {
	case models.FrequencyDaily:
		return from.AddDate(0, 0, 1)
	case models.FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case models.FrequencyMonthly:
		return addMonths(from, 1, anchorDay)
	case models.FrequencyYearly:
		return addMonths(from, 12, anchorDay)
	}
	return from
}

func addMonths(from time.Time, months, anchorDay int) time.Time {
	if anchorDay < 1 {
		anchorDay = from.Day()
	}
	first := time.Date(from.Year(), from.Month()+time.Month(months), 1, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
	day := anchorDay
	if last := daysIn(first.Year(), first.Month(), from.Location()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
