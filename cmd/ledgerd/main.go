package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Fi44er/wallet_ledger/config"
	"github.com/Fi44er/wallet_ledger/db"
	"github.com/Fi44er/wallet_ledger/internal/api"
	"github.com/Fi44er/wallet_ledger/internal/clock"
	"github.com/Fi44er/wallet_ledger/internal/gateway"
	"github.com/Fi44er/wallet_ledger/internal/identity"
	"github.com/Fi44er/wallet_ledger/internal/lock"
	"github.com/Fi44er/wallet_ledger/internal/memstore"
	"github.com/Fi44er/wallet_ledger/internal/metrics"
	"github.com/Fi44er/wallet_ledger/internal/notify"
	"github.com/Fi44er/wallet_ledger/internal/repository"
	"github.com/Fi44er/wallet_ledger/internal/scheduler"
	"github.com/Fi44er/wallet_ledger/internal/service"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		utils.InitLogger("info").Fatal("Failed to load config: ", err)
	}
	logger := utils.InitLogger(cfg.LogLevel)

	repo, err := openStore(&cfg, logger)
	if err != nil {
		logger.Fatal(err)
	}

	params, err := utils.NetParams(cfg.BTCNetwork)
	if err != nil {
		logger.Fatal(err)
	}
	var deriver *utils.AddressDeriver
	if cfg.MasterKeySeed != "" {
		deriver, err = utils.NewAddressDeriver(cfg.MasterKeySeed, params)
		if err != nil {
			logger.Fatal("Failed to create address deriver: ", err)
		}
	}

	var gw service.PaymentGateway
	if cfg.GatewayBaseURL != "" {
		gw = gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout, logger)
	} else {
		logger.Warn("GATEWAY_BASE_URL is empty, scheduled payments and gateway wallets are disabled")
	}

	var notifiers notify.Multi
	if cfg.TelegramBotToken != "" && cfg.AdminChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.AdminChatID, logger)
		if err != nil {
			logger.Fatal("Failed to create bot API: ", err)
		}
		notifiers = append(notifiers, tg)
	}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Fatal("Failed to connect to AMQP: ", err)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
	}

	m := metrics.New()
	svc := service.New(service.Deps{
		Repo:     repo,
		Gateway:  gw,
		Notifier: notifiers,
		Metrics:  m,
		Clock:    clock.Real{},
		Logger:   logger,
		Deriver:  deriver,
		Settings: service.Settings{
			WebhookSecret:         cfg.WebhookSecret,
			WebhookTolerance:      cfg.WebhookTolerance,
			EventClaimLease:       cfg.EventClaimLease,
			GatewayTimeout:        cfg.GatewayTimeout,
			SchedulerBatchSize:    cfg.SchedulerBatchSize,
			SchedulerClaimTTL:     cfg.SchedulerClaimTTL,
			SchedulerMaxFailures:  cfg.SchedulerMaxFailures,
			SchedulerRetryBackoff: cfg.SchedulerRetryBackoff,
			WalletSyncMaxAttempts: cfg.WalletSyncMaxAttempts,
			LockoutThreshold:      cfg.LockoutThreshold,
			LockoutDuration:       cfg.LockoutDuration,
			BTCParams:             params,
		},
	})

	locker, closeLocker, err := openLocker(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer closeLocker()

	specs := scheduler.Specs{
		ProcessDue:    cfg.SchedulerSpec,
		ExpirePending: cfg.ExpirySweepSpec,
		SyncWallets:   cfg.WalletSyncSpec,
		Settle:        cfg.SettlementSweepSpec,
	}
	if gw == nil {
		specs.ProcessDue, specs.SyncWallets = "", ""
	}
	sched := scheduler.New(svc, locker, m, clock.Real{}, logger, specs)
	if err := sched.Start(); err != nil {
		logger.Fatal("Failed to start scheduler: ", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(api.NewHandlers(svc, identity.NewVerifier(cfg.JWTSecret), logger), m.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed: ", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}
	sched.Stop(ctx)
}

func openStore(cfg *config.Config, logger *utils.Logger) (service.Repository, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("Using in-memory store, data is lost on restart")
		return memstore.New(), nil
	}
	database, err := db.ConnectDb(cfg.DB_URL, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, cfg.DBAutoMigrate, logger); err != nil {
		return nil, err
	}
	return repository.NewRepository(database, logger), nil
}

// openLocker falls back to a no-op lock for single-instance deployments.
func openLocker(url string, logger *utils.Logger) (lock.Locker, func(), error) {
	if url == "" {
		logger.Warn("REDIS_URL is empty, scheduler jobs are not coordinated across instances")
		return lock.Nop{}, func() {}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	return lock.NewRedis(client, "ledger:"), func() { client.Close() }, nil
}
