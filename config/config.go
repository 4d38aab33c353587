package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	DB_URL        string `mapstructure:"DB_URL"`
	DBAutoMigrate bool   `mapstructure:"DB_AUTO_MIGRATE"`
	HTTPAddr      string `mapstructure:"HTTP_ADDR"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`

	WebhookSecret    string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
	EventClaimLease  time.Duration `mapstructure:"EVENT_CLAIM_LEASE"`
	JWTSecret        string        `mapstructure:"JWT_SECRET"`

	GatewayBaseURL string        `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey  string        `mapstructure:"GATEWAY_API_KEY"`
	GatewayTimeout time.Duration `mapstructure:"GATEWAY_TIMEOUT"`

	SchedulerSpec         string        `mapstructure:"SCHEDULER_SPEC"`
	ExpirySweepSpec       string        `mapstructure:"EXPIRY_SWEEP_SPEC"`
	WalletSyncSpec        string        `mapstructure:"WALLET_SYNC_SPEC"`
	SettlementSweepSpec   string        `mapstructure:"SETTLEMENT_SWEEP_SPEC"`
	SchedulerBatchSize    int           `mapstructure:"SCHEDULER_BATCH_SIZE"`
	SchedulerClaimTTL     time.Duration `mapstructure:"SCHEDULER_CLAIM_TTL"`
	SchedulerMaxFailures  int           `mapstructure:"SCHEDULER_MAX_FAILURES"`
	SchedulerRetryBackoff time.Duration `mapstructure:"SCHEDULER_RETRY_BACKOFF"`
	WalletSyncMaxAttempts int           `mapstructure:"WALLET_SYNC_MAX_ATTEMPTS"`

	LockoutThreshold int           `mapstructure:"LOCKOUT_THRESHOLD"`
	LockoutDuration  time.Duration `mapstructure:"LOCKOUT_DURATION"`

	RedisURL     string `mapstructure:"REDIS_URL"`
	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	AdminChatID      int64  `mapstructure:"ADMIN_CHAT_ID"`
	MasterKeySeed    string `mapstructure:"MASTER_KEY_SEED"`
	BTCNetwork       string `mapstructure:"BTC_NETWORK"`
}

var defaults = map[string]any{
	"STORE_DRIVER":             "postgres",
	"DB_AUTO_MIGRATE":          true,
	"HTTP_ADDR":                ":8080",
	"LOG_LEVEL":                "info",
	"WEBHOOK_TOLERANCE":        "300s",
	"EVENT_CLAIM_LEASE":        "1m",
	"GATEWAY_TIMEOUT":          "15s",
	"SCHEDULER_SPEC":           "@every 1m",
	"EXPIRY_SWEEP_SPEC":        "@every 5m",
	"WALLET_SYNC_SPEC":         "@every 10m",
	"SETTLEMENT_SWEEP_SPEC":    "@every 5m",
	"SCHEDULER_BATCH_SIZE":     50,
	"SCHEDULER_CLAIM_TTL":      "5m",
	"SCHEDULER_MAX_FAILURES":   3,
	"SCHEDULER_RETRY_BACKOFF":  "15m",
	"WALLET_SYNC_MAX_ATTEMPTS": 5,
	"LOCKOUT_THRESHOLD":        5,
	"LOCKOUT_DURATION":         "2h",
	"AMQP_EXCHANGE":            "ledger.events",
	"BTC_NETWORK":              "mainnet",
}

var keys = []string{
	"DB_URL", "WEBHOOK_SECRET", "JWT_SECRET", "GATEWAY_BASE_URL", "GATEWAY_API_KEY",
	"REDIS_URL", "AMQP_URL", "TELEGRAM_BOT_TOKEN", "ADMIN_CHAT_ID", "MASTER_KEY_SEED",
}

// LoadConfig reads the .env file at path when it exists; the environment
// always wins.
func LoadConfig(path string) (config Config, err error) {
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
	viper.AutomaticEnv()
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return config, fmt.Errorf("failed to resolve config path: %w", err)
		}
		viper.SetConfigFile(absPath)
		viper.SetConfigType("env")
		if err := viper.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DB_URL == "" {
			return errors.New("DB_URL is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is required")
	}
	switch c.BTCNetwork {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("unknown BTC_NETWORK %q", c.BTCNetwork)
	}
	if c.SchedulerMaxFailures < 1 || c.SchedulerBatchSize < 1 {
		return errors.New("scheduler batch size and max failures must be positive")
	}
	return nil
}
