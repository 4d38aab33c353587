package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/apperr"
	"github.com/Fi44er/wallet_ledger/internal/gateway"
	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/Fi44er/wallet_ledger/internal/service"
)

const testPhone = "+256700000001"

func intPtr(n int) *int { return &n }

func (e *testEnv) schedule(t *testing.T, userID string, in service.ScheduleInput) *models.RecurringSchedule {
	t.Helper()
	if in.RecipientKind == "" {
		in.RecipientKind = models.RecipientPhone
		in.Recipient = testPhone
	}
	if in.Amount.IsZero() {
		in.Amount = dec("10")
		in.Currency = models.CurrencyUSD
	}
	if in.Frequency == "" {
		in.Frequency = models.FrequencyMonthly
	}
	s, err := e.svc.Recurring.Create(context.Background(), userID, in)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return s
}

func (e *testEnv) mustSchedule(t *testing.T, id string) *models.RecurringSchedule {
	t.Helper()
	s, err := e.store.GetSchedule(context.Background(), id)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	return s
}

func (e *testEnv) run(t *testing.T) service.RunReport {
	t.Helper()
	report, err := e.svc.Recurring.ProcessDue(context.Background(), e.clock.Now())
	if err != nil {
		t.Fatalf("process due: %v", err)
	}
	return report
}

func fundedPayer(t *testing.T, e *testEnv) (*models.User, *models.Wallet) {
	t.Helper()
	u := e.user(t, "payer@example.com")
	w := e.fund(t, e.wallet(t, u.ID, models.CurrencyUSD, models.WalletKindFiat).ID, "1000")
	return u, w
}

func TestAdvance(t *testing.T) {
	at := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 9, 0, 0, 0, time.UTC) }
	tests := []struct {
		name   string
		freq   models.Frequency
		from   time.Time
		anchor int
		want   time.Time
	}{
		{"daily", models.FrequencyDaily, at(2024, 2, 28), 28, at(2024, 2, 29)},
		{"weekly across month", models.FrequencyWeekly, at(2024, 1, 29), 29, at(2024, 2, 5)},
		{"month end in leap year", models.FrequencyMonthly, at(2024, 1, 31), 31, at(2024, 2, 29)},
		{"back to anchor", models.FrequencyMonthly, at(2024, 2, 29), 31, at(2024, 3, 31)},
		{"thirty day month", models.FrequencyMonthly, at(2024, 3, 31), 31, at(2024, 4, 30)},
		{"month end in common year", models.FrequencyMonthly, at(2023, 1, 31), 31, at(2023, 2, 28)},
		{"december rolls year", models.FrequencyMonthly, at(2024, 12, 15), 15, at(2025, 1, 15)},
		{"yearly from leap day", models.FrequencyYearly, at(2024, 2, 29), 29, at(2025, 2, 28)},
		{"yearly", models.FrequencyYearly, at(2024, 6, 1), 1, at(2025, 6, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := service.Advance(tt.freq, tt.from, tt.anchor); !got.Equal(tt.want) {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	base := 15 * time.Minute
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 15 * time.Minute},
		{1, 15 * time.Minute},
		{2, 30 * time.Minute},
		{3, time.Hour},
		{7, 16 * time.Hour},
		{8, 24 * time.Hour},
		{40, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := service.RetryBackoff(base, tt.failures); got != tt.want {
			t.Fatalf("failures=%d: expected %s, got %s", tt.failures, tt.want, got)
		}
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	e := newEnv(t)
	u := e.user(t, "a@example.com")
	now := e.clock.Now()
	past := now.Add(-time.Hour)
	tests := []struct {
		name string
		in   service.ScheduleInput
	}{
		{"bad phone", service.ScheduleInput{RecipientKind: models.RecipientPhone, Recipient: "12ab", Amount: dec("10"), Currency: models.CurrencyUSD, Frequency: models.FrequencyDaily}},
		{"bad btc address", service.ScheduleInput{RecipientKind: models.RecipientAddress, Recipient: "not-an-address", Amount: dec("0.001"), Currency: models.CurrencyBTC, Frequency: models.FrequencyDaily}},
		{"start in the past", service.ScheduleInput{RecipientKind: models.RecipientPhone, Recipient: testPhone, Amount: dec("10"), Currency: models.CurrencyUSD, Frequency: models.FrequencyDaily, StartDate: past}},
		{"end before start", service.ScheduleInput{RecipientKind: models.RecipientPhone, Recipient: testPhone, Amount: dec("10"), Currency: models.CurrencyUSD, Frequency: models.FrequencyDaily, EndDate: &past}},
		{"zero max payments", service.ScheduleInput{RecipientKind: models.RecipientPhone, Recipient: testPhone, Amount: dec("10"), Currency: models.CurrencyUSD, Frequency: models.FrequencyDaily, MaxPayments: intPtr(0)}},
		{"unknown frequency", service.ScheduleInput{RecipientKind: models.RecipientPhone, Recipient: testPhone, Amount: dec("10"), Currency: models.CurrencyUSD, Frequency: "hourly"}},
		{"too precise", service.ScheduleInput{RecipientKind: models.RecipientPhone, Recipient: testPhone, Amount: dec("10.001"), Currency: models.CurrencyUSD, Frequency: models.FrequencyDaily}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Recurring.Create(context.Background(), u.ID, tt.in)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestMonthlyScheduleFollowsCalendar(t *testing.T) {
	e := newEnv(t)
	u, w := fundedPayer(t, e)
	s := e.schedule(t, u.ID, service.ScheduleInput{})

	if r := e.run(t); r.Succeeded != 1 {
		t.Fatalf("expected one payment, got %+v", r)
	}
	got := e.mustSchedule(t, s.ID)
	if want := time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC); !got.NextDueAt.Equal(want) {
		t.Fatalf("expected next due %s, got %s", want, got.NextDueAt)
	}
	assertBalances(t, e.mustWallet(t, w.ID), "990", "0")

	// Not due again until the next occurrence.
	if r := e.run(t); r.Claimed != 0 {
		t.Fatalf("schedule must not run twice for one occurrence, got %+v", r)
	}

	e.clock.Set(time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC))
	e.run(t)
	got = e.mustSchedule(t, s.ID)
	if want := time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC); !got.NextDueAt.Equal(want) {
		t.Fatalf("expected next due %s, got %s", want, got.NextDueAt)
	}
	if got.PaymentsExecuted != 2 || e.gateway.Calls() != 2 {
		t.Fatalf("expected 2 payments, got %d (%d gateway calls)", got.PaymentsExecuted, e.gateway.Calls())
	}
}

func TestTransientFailuresBackOffThenPause(t *testing.T) {
	e := newEnv(t)
	u, w := fundedPayer(t, e)
	s := e.schedule(t, u.ID, service.ScheduleInput{})
	e.gateway.execute = func(gateway.PaymentDescriptor) (gateway.PaymentResult, error) {
		return gateway.PaymentResult{}, &gateway.Error{StatusCode: 503, Transient: true, Message: "unavailable"}
	}

	if r := e.run(t); r.Failed != 1 || r.Paused != 0 {
		t.Fatalf("unexpected report %+v", r)
	}
	got := e.mustSchedule(t, s.ID)
	if got.ConsecutiveFailures != 1 || got.Status != models.ScheduleActive || got.RetryAt == nil || !got.RetryAt.Equal(e.clock.Now().Add(15*time.Minute)) {
		t.Fatalf("expected retry in 15m, got %+v", got)
	}
	if r := e.run(t); r.Claimed != 0 {
		t.Fatalf("schedule must wait for its retry time, got %+v", r)
	}

	e.clock.Advance(15 * time.Minute)
	e.run(t)
	got = e.mustSchedule(t, s.ID)
	if got.ConsecutiveFailures != 2 || !got.RetryAt.Equal(e.clock.Now().Add(30*time.Minute)) {
		t.Fatalf("expected doubled backoff, got %+v", got)
	}

	e.clock.Advance(30 * time.Minute)
	if r := e.run(t); r.Paused != 1 {
		t.Fatalf("expected pause on third failure, got %+v", r)
	}
	got = e.mustSchedule(t, s.ID)
	if got.Status != models.SchedulePaused || got.LastFailureReason == "" {
		t.Fatalf("expected paused schedule with reason, got %+v", got)
	}
	if !e.notifier.Has("schedule.paused") {
		t.Fatalf("expected a pause notification")
	}
	// Every failed attempt released its hold.
	assertBalances(t, e.mustWallet(t, w.ID), "1000", "0")

	e.clock.Advance(24 * time.Hour)
	if r := e.run(t); r.Claimed != 0 {
		t.Fatalf("paused schedule must not run, got %+v", r)
	}

	if _, err := e.svc.Recurring.Resume(context.Background(), u.ID, s.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	e.gateway.execute = nil
	if r := e.run(t); r.Succeeded != 1 {
		t.Fatalf("expected resumed schedule to pay, got %+v", r)
	}
	got = e.mustSchedule(t, s.ID)
	if got.ConsecutiveFailures != 0 || got.PaymentsExecuted != 1 {
		t.Fatalf("unexpected state after resume %+v", got)
	}
}

func TestPermanentFailurePausesImmediately(t *testing.T) {
	e := newEnv(t)
	u, _ := fundedPayer(t, e)
	s := e.schedule(t, u.ID, service.ScheduleInput{})
	e.gateway.execute = func(gateway.PaymentDescriptor) (gateway.PaymentResult, error) {
		return gateway.PaymentResult{}, &gateway.Error{StatusCode: 422, Message: "recipient not reachable"}
	}

	if r := e.run(t); r.Paused != 1 {
		t.Fatalf("expected pause, got %+v", r)
	}
	if got := e.mustSchedule(t, s.ID); got.Status != models.SchedulePaused || got.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected schedule %+v", got)
	}
}

func TestMissingDefaultWalletPauses(t *testing.T) {
	e := newEnv(t)
	u := e.user(t, "a@example.com")
	s := e.schedule(t, u.ID, service.ScheduleInput{})

	if r := e.run(t); r.Paused != 1 {
		t.Fatalf("expected pause, got %+v", r)
	}
	if e.gateway.Calls() != 0 {
		t.Fatalf("gateway must not be called without a wallet")
	}
	if got := e.mustSchedule(t, s.ID); got.Status != models.SchedulePaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
}

func TestMaxPaymentsCompletesSchedule(t *testing.T) {
	e := newEnv(t)
	u, w := fundedPayer(t, e)
	s := e.schedule(t, u.ID, service.ScheduleInput{Frequency: models.FrequencyDaily, MaxPayments: intPtr(2)})

	e.run(t)
	e.clock.Advance(24 * time.Hour)
	if r := e.run(t); r.Completed != 1 {
		t.Fatalf("expected completion on the last payment, got %+v", r)
	}
	got := e.mustSchedule(t, s.ID)
	if got.Status != models.ScheduleCompleted || got.NextDueAt != nil || got.PaymentsExecuted != 2 {
		t.Fatalf("unexpected schedule %+v", got)
	}
	e.clock.Advance(24 * time.Hour)
	if r := e.run(t); r.Claimed != 0 {
		t.Fatalf("completed schedule must not run, got %+v", r)
	}
	assertBalances(t, e.mustWallet(t, w.ID), "980", "0")
}

func TestPastEndDateCompletesWithoutPaying(t *testing.T) {
	e := newEnv(t)
	u, _ := fundedPayer(t, e)
	end := e.clock.Now().Add(time.Hour)
	s := e.schedule(t, u.ID, service.ScheduleInput{Frequency: models.FrequencyDaily, EndDate: &end})

	e.clock.Advance(2 * time.Hour)
	if r := e.run(t); r.Completed != 1 || r.Succeeded != 0 {
		t.Fatalf("expected completion without payment, got %+v", r)
	}
	if e.gateway.Calls() != 0 {
		t.Fatalf("gateway must not be called after the end date")
	}
	if got := e.mustSchedule(t, s.ID); got.Status != models.ScheduleCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestConcurrentRunsExecuteOnce(t *testing.T) {
	e := newEnv(t)
	u, w := fundedPayer(t, e)
	e.schedule(t, u.ID, service.ScheduleInput{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Recurring.ProcessDue(context.Background(), e.clock.Now()); err != nil {
				t.Errorf("process due: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := e.gateway.Calls(); n != 1 {
		t.Fatalf("expected exactly one gateway call, got %d", n)
	}
	assertBalances(t, e.mustWallet(t, w.ID), "990", "0")
}

func TestScheduleOwnershipAndCancel(t *testing.T) {
	e := newEnv(t)
	u, _ := fundedPayer(t, e)
	other := e.user(t, "other@example.com")
	s := e.schedule(t, u.ID, service.ScheduleInput{})
	ctx := context.Background()

	if _, err := e.svc.Recurring.Get(ctx, other.ID, s.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
	if _, err := e.svc.Recurring.Cancel(ctx, other.ID, s.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}

	amount := dec("25")
	updated, err := e.svc.Recurring.Update(ctx, u.ID, s.ID, service.SchedulePatch{Amount: &amount})
	if err != nil || !updated.Amount.Equal(amount) {
		t.Fatalf("update: %v", err)
	}

	if _, err := e.svc.Recurring.Cancel(ctx, u.ID, s.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.svc.Recurring.Cancel(ctx, u.ID, s.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second cancel, got %v", err)
	}
	if _, err := e.svc.Recurring.Resume(ctx, u.ID, s.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("cancelled schedule must not resume, got %v", err)
	}
	if r := e.run(t); r.Claimed != 0 {
		t.Fatalf("cancelled schedule must not run, got %+v", r)
	}
}

func TestLateRunKeepsCalendar(t *testing.T) {
	e := newEnv(t)
	u, _ := fundedPayer(t, e)
	s := e.schedule(t, u.ID, service.ScheduleInput{})

	e.clock.Set(time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC))
	e.run(t)
	got := e.mustSchedule(t, s.ID)
	if want := time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC); !got.NextDueAt.Equal(want) {
		t.Fatalf("expected next due %s, got %s", want, got.NextDueAt)
	}
}

func TestCancelDuringPaymentStaysCancelled(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		available string
	}{
		{"gateway accepts", nil, "990"},
		{"gateway rejects", &gateway.Error{StatusCode: 400, Message: "bad recipient"}, "1000"},
		{"gateway unavailable", &gateway.Error{StatusCode: 503, Transient: true, Message: "down"}, "1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			u, w := fundedPayer(t, e)
			s := e.schedule(t, u.ID, service.ScheduleInput{})
			e.gateway.execute = func(p gateway.PaymentDescriptor) (gateway.PaymentResult, error) {
				if _, err := e.svc.Recurring.Cancel(context.Background(), u.ID, s.ID); err != nil {
					t.Errorf("cancel: %v", err)
				}
				if tt.err != nil {
					return gateway.PaymentResult{}, tt.err
				}
				return gateway.PaymentResult{Reference: "pay_" + p.IdempotencyKey, Status: "completed"}, nil
			}

			if r := e.run(t); r.Stopped != 1 || r.Paused != 0 {
				t.Fatalf("expected the run to stop, got %+v", r)
			}
			got := e.mustSchedule(t, s.ID)
			if got.Status != models.ScheduleCancelled || got.NextDueAt != nil || got.RetryAt != nil {
				t.Fatalf("cancelled schedule was modified by the run: %+v", got)
			}
			if got.ConsecutiveFailures != 0 || got.PaymentsExecuted != 0 || got.ClaimToken != "" || got.ClaimedUntil != nil {
				t.Fatalf("unexpected counters or claim %+v", got)
			}
			if _, err := e.svc.Recurring.Resume(context.Background(), u.ID, s.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
				t.Fatalf("cancelled schedule must not resume, got %v", err)
			}
			assertBalances(t, e.mustWallet(t, w.ID), tt.available, "0")
		})
	}
}

func TestFrequencyChangeRecomputesNextDue(t *testing.T) {
	e := newEnv(t)
	u, _ := fundedPayer(t, e)
	s := e.schedule(t, u.ID, service.ScheduleInput{})
	paidAt := e.clock.Now()
	e.run(t)

	weekly := models.FrequencyWeekly
	got, err := e.svc.Recurring.Update(context.Background(), u.ID, s.ID, service.SchedulePatch{Frequency: &weekly})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if want := paidAt.AddDate(0, 0, 7); got.NextDueAt == nil || !got.NextDueAt.Equal(want) {
		t.Fatalf("expected next due %s, got %v", want, got.NextDueAt)
	}

	amount := dec("12")
	again, err := e.svc.Recurring.Update(context.Background(), u.ID, s.ID, service.SchedulePatch{Amount: &amount})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !again.NextDueAt.Equal(*got.NextDueAt) {
		t.Fatalf("next due must not move without a frequency change, got %s", again.NextDueAt)
	}
}

func TestUnknownStoredFrequencyPausesWithoutPaying(t *testing.T) {
	e := newEnv(t)
	u, w := fundedPayer(t, e)
	s := e.schedule(t, u.ID, service.ScheduleInput{})
	if _, err := e.store.MutateSchedule(context.Background(), s.ID, func(row *models.RecurringSchedule) error {
		row.Frequency = "hourly"
		return nil
	}); err != nil {
		t.Fatalf("corrupt frequency: %v", err)
	}

	if r := e.run(t); r.Paused != 1 {
		t.Fatalf("expected pause, got %+v", r)
	}
	if e.gateway.Calls() != 0 {
		t.Fatalf("gateway must not be called for an unknown frequency")
	}
	if got := e.mustSchedule(t, s.ID); got.Status != models.SchedulePaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
	assertBalances(t, e.mustWallet(t, w.ID), "1000", "0")
}

func TestAdvanceUnknownFrequencyDoesNotMove(t *testing.T) {
	from := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
	if got := service.Advance("hourly", from, 31); !got.Equal(from) {
		t.Fatalf("expected %s unchanged, got %s", from, got)
	}
}
