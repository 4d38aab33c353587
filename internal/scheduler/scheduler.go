package scheduler

import (
	"context"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/clock"
	"github.com/Fi44er/wallet_ledger/internal/lock"
	"github.com/Fi44er/wallet_ledger/internal/service"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/robfig/cron/v3"
)

const (
	JobProcessDue    = "process_due"
	JobExpirePending = "expire_pending"
	JobSyncWallets   = "sync_wallets"
	JobSettle        = "resume_settlement"
)

type Specs struct {
	ProcessDue    string
	ExpirePending string
	SyncWallets   string
	Settle        string
}

type JobMetrics interface {
	JobRun(job, result string)
}

// Scheduler runs the ledger's background jobs on cron specs. Each run holds
// a cluster lock named after the job so only one instance works per tick.
type Scheduler struct {
	cron    *cron.Cron
	svc     *service.Service
	locker  lock.Locker
	metrics JobMetrics
	clock   clock.Clock
	logger  *utils.Logger
	specs   Specs
	timeout time.Duration
}

func New(svc *service.Service, locker lock.Locker, metrics JobMetrics, clk clock.Clock, logger *utils.Logger, specs Specs) *Scheduler {
	if locker == nil {
		locker = lock.Nop{}
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(logger))))
	return &Scheduler{
		cron:    c,
		svc:     svc,
		locker:  locker,
		metrics: metrics,
		clock:   clk,
		logger:  logger,
		specs:   specs,
		timeout: 5 * time.Minute,
	}
}

// Start registers every job with a non-empty spec and starts the cron loop.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{JobProcessDue, s.specs.ProcessDue, s.ProcessDue},
		{JobExpirePending, s.specs.ExpirePending, s.ExpirePending},
		{JobSyncWallets, s.specs.SyncWallets, s.SyncWallets},
		{JobSettle, s.specs.Settle, s.Settle},
	}
	for _, job := range jobs {
		if job.spec == "" {
			s.logger.Infof("Job %s disabled", job.name)
			continue
		}
		name, run := job.name, job.run
		if _, err := s.cron.AddFunc(job.spec, func() { s.Run(context.Background(), name, run) }); err != nil {
			s.logger.Errorf("Failed to schedule job %s: %v", name, err)
			return err
		}
		s.logger.Infof("Scheduled job %s at %q", name, job.spec)
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stopped before running jobs finished")
	}
}

// Run executes fn once under the job's cluster lock and reports the result.
func (s *Scheduler) Run(ctx context.Context, name string, fn func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	release, ok, err := s.locker.TryLock(ctx, "job:"+name, s.timeout)
	result := "ok"
	switch {
	case err != nil:
		s.logger.Errorf("Failed to take lock for job %s: %v", name, err)
		result = "error"
	case !ok:
		s.logger.Debugf("Job %s is running elsewhere, skipping", name)
		result = "skipped"
	default:
		defer release()
		if err := fn(ctx); err != nil {
			s.logger.Errorf("Job %s failed: %v", name, err)
			result = "error"
		}
	}
	if s.metrics != nil {
		s.metrics.JobRun(name, result)
	}
	return result
}

func (s *Scheduler) ProcessDue(ctx context.Context) error {
	report, err := s.svc.Recurring.ProcessDue(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if report.Claimed > 0 {
		s.logger.Infof("Recurring run: %+v", report)
	}
	return nil
}

func (s *Scheduler) ExpirePending(ctx context.Context) error {
	n, err := s.svc.Transactions.ExpirePending(ctx, s.clock.Now())
	if n > 0 {
		s.logger.Infof("Expired %d pending transactions", n)
	}
	return err
}

func (s *Scheduler) SyncWallets(ctx context.Context) error {
	report, err := s.svc.Wallets.SyncPendingWallets(ctx, 0)
	if report.Synced+report.Failed+report.LocalOnly > 0 {
		s.logger.Infof("Wallet sync: %+v", report)
	}
	return err
}

func (s *Scheduler) Settle(ctx context.Context) error {
	_, err := s.svc.Transactions.SettleOutstanding(ctx)
	return err
}
