package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Configはアプリ全体の設定
type Config struct {
	Port  string // サーバーポート（8080）
	GoEnv string // dev/prod

	DatabaseURL string // 空ならPOSTGRES_*から組み立てる

	PostgresUser     string // DBユーザー
	PostgresPassword string // DBパスワード
	PostgresDB       string // DB名
	PostgresHost     string // DBホスト（localhost）
	PostgresPort     int    // DBポート（5432）
	PostgresSSLMode  string

	JWTSecret string // JWT検証シークレット（発行は認証サービス）

	Gateway    GatewayConfig
	Notify     NotifyConfig
	Retry      RetryConfig
	Scheduler  SchedulerConfig
	Dispatcher DispatcherConfig

	// 定期便の割引率（%）。申込時に固定する
	SubscriptionDiscountPercent int

	WebhookTimeout  time.Duration // webhook 1件の処理上限
	ShutdownTimeout time.Duration
}

// 決済ゲートウェイ
type GatewayConfig struct {
	Name          string // URLの /webhooks/{gateway}
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
	RatePerSecond float64
}

// 通知サービス
type NotifyConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	OpsEmail      string
}

// 外部呼び出しのリトライ（最大回数・初回待ち・上限）
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type SchedulerConfig struct {
	Enabled     bool
	Cron        string
	Timezone    string
	Concurrency int
	UnitTimeout time.Duration
	BatchSize   int
}

type DispatcherConfig struct {
	Workers         int
	PollInterval    time.Duration
	BatchSize       int
	Lease           time.Duration
	TaskMaxAttempts int
}

const (
	defaultPort             = "8080"
	defaultGatewayName      = "razorpay"
	defaultGatewayBaseURL   = "https://api.razorpay.com"
	defaultCurrency         = "INR"
	defaultGatewayTimeout   = 10 * time.Second
	defaultNotifyTimeout    = 5 * time.Second
	defaultRetryAttempts    = 3
	defaultRetryBaseDelay   = 500 * time.Millisecond
	defaultRetryMaxDelay    = 10 * time.Second
	defaultSchedulerCron    = "0 6 * * *"
	defaultSchedulerTZ      = "Asia/Kolkata"
	defaultSweepConcurrency = 4
	defaultUnitTimeout      = 30 * time.Second
	defaultSweepBatch       = 500
	defaultWorkers          = 4
	defaultPollInterval     = time.Second
	defaultDispatchBatch    = 32
	defaultLease            = time.Minute
	defaultTaskAttempts     = 5
	defaultWebhookTimeout   = 10 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
)

// Loadは環境変数
func Load() (Config, error) {
	return load(os.LookupEnv)
}

type envLookup func(string) (string, bool)

func load(lookup envLookup) (Config, error) {
	pgPort, err := getInt(lookup, "POSTGRES_PORT", 5432)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:  getString(lookup, "PORT", defaultPort),
		GoEnv: getString(lookup, "GO_ENV", "dev"),

		DatabaseURL: getString(lookup, "DATABASE_URL", ""),

		PostgresUser:     getString(lookup, "POSTGRES_USER", ""),
		PostgresPassword: getString(lookup, "POSTGRES_PASSWORD", ""),
		PostgresDB:       getString(lookup, "POSTGRES_DB", ""),
		PostgresHost:     getString(lookup, "POSTGRES_HOST", "localhost"),
		PostgresPort:     pgPort,
		PostgresSSLMode:  getString(lookup, "POSTGRES_SSLMODE", "disable"),

		JWTSecret: getString(lookup, "JWT_SECRET", ""),

		Gateway: GatewayConfig{
			Name:          getString(lookup, "GATEWAY_NAME", defaultGatewayName),
			BaseURL:       getString(lookup, "GATEWAY_BASE_URL", defaultGatewayBaseURL),
			KeyID:         getString(lookup, "GATEWAY_KEY_ID", ""),
			KeySecret:     getString(lookup, "GATEWAY_KEY_SECRET", ""),
			WebhookSecret: getString(lookup, "GATEWAY_WEBHOOK_SECRET", ""),
			Currency:      getString(lookup, "CURRENCY", defaultCurrency),
		},
		Notify: NotifyConfig{
			BaseURL:  getString(lookup, "NOTIFY_BASE_URL", ""),
			APIKey:   getString(lookup, "NOTIFY_API_KEY", ""),
			OpsEmail: getString(lookup, "OPS_EMAIL", ""),
		},
		Scheduler: SchedulerConfig{
			Cron:     getString(lookup, "SCHEDULER_CRON", defaultSchedulerCron),
			Timezone: getString(lookup, "SCHEDULER_TZ", defaultSchedulerTZ),
		},
	}

	//数値・期間（不正値はエラー）
	parsers := []func() error{
		func() (err error) {
			cfg.Gateway.Timeout, err = getDuration(lookup, "GATEWAY_TIMEOUT", defaultGatewayTimeout)
			return
		},
		func() (err error) {
			cfg.Gateway.RatePerSecond, err = getFloat(lookup, "GATEWAY_RPS", 20)
			return
		},
		func() (err error) {
			cfg.Notify.Timeout, err = getDuration(lookup, "NOTIFY_TIMEOUT", defaultNotifyTimeout)
			return
		},
		func() (err error) {
			cfg.Notify.RatePerSecond, err = getFloat(lookup, "NOTIFY_RPS", 10)
			return
		},
		func() (err error) {
			cfg.Retry.MaxAttempts, err = getInt(lookup, "RETRY_MAX_ATTEMPTS", defaultRetryAttempts)
			return
		},
		func() (err error) {
			cfg.Retry.BaseDelay, err = getDuration(lookup, "RETRY_BASE_DELAY", defaultRetryBaseDelay)
			return
		},
		func() (err error) {
			cfg.Retry.MaxDelay, err = getDuration(lookup, "RETRY_MAX_DELAY", defaultRetryMaxDelay)
			return
		},
		func() (err error) {
			cfg.Scheduler.Enabled, err = getBool(lookup, "SCHEDULER_ENABLED", true)
			return
		},
		func() (err error) {
			cfg.Scheduler.Concurrency, err = getInt(lookup, "SCHEDULER_CONCURRENCY", defaultSweepConcurrency)
			return
		},
		func() (err error) {
			cfg.Scheduler.UnitTimeout, err = getDuration(lookup, "SCHEDULER_UNIT_TIMEOUT", defaultUnitTimeout)
			return
		},
		func() (err error) {
			cfg.Scheduler.BatchSize, err = getInt(lookup, "SCHEDULER_BATCH", defaultSweepBatch)
			return
		},
		func() (err error) {
			cfg.Dispatcher.Workers, err = getInt(lookup, "DISPATCHER_WORKERS", defaultWorkers)
			return
		},
		func() (err error) {
			cfg.Dispatcher.PollInterval, err = getDuration(lookup, "DISPATCHER_POLL_INTERVAL", defaultPollInterval)
			return
		},
		func() (err error) {
			cfg.Dispatcher.BatchSize, err = getInt(lookup, "DISPATCHER_BATCH", defaultDispatchBatch)
			return
		},
		func() (err error) {
			cfg.Dispatcher.Lease, err = getDuration(lookup, "DISPATCHER_LEASE", defaultLease)
			return
		},
		func() (err error) {
			cfg.Dispatcher.TaskMaxAttempts, err = getInt(lookup, "TASK_MAX_ATTEMPTS", defaultTaskAttempts)
			return
		},
		func() (err error) {
			cfg.SubscriptionDiscountPercent, err = getInt(lookup, "SUBSCRIPTION_DISCOUNT_PERCENT", 0)
			return
		},
		func() (err error) {
			cfg.WebhookTimeout, err = getDuration(lookup, "WEBHOOK_TIMEOUT", defaultWebhookTimeout)
			return
		},
		func() (err error) {
			cfg.ShutdownTimeout, err = getDuration(lookup, "SHUTDOWN_TIMEOUT", defaultShutdownTimeout)
			return
		},
	}
	for _, parse := range parsers {
		if err := parse(); err != nil {
			return Config{}, err
		}
	}

	//必須チェック
	if cfg.DatabaseURL == "" {
		if cfg.PostgresUser == "" {
			return Config{}, fmt.Errorf("POSTGRES_USER is required")
		}
		if cfg.PostgresPassword == "" {
			return Config{}, fmt.Errorf("POSTGRES_PASSWORD is required")
		}
		if cfg.PostgresDB == "" {
			return Config{}, fmt.Errorf("POSTGRES_DB is required")
		}
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Gateway.KeyID == "" || cfg.Gateway.KeySecret == "" {
		return Config{}, fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required")
	}
	if cfg.Gateway.WebhookSecret == "" {
		return Config{}, fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required")
	}
	if cfg.Notify.BaseURL == "" {
		return Config{}, fmt.Errorf("NOTIFY_BASE_URL is required")
	}
	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return Config{}, fmt.Errorf("SCHEDULER_TZ invalid: %w", err)
	}

	if cfg.SubscriptionDiscountPercent < 0 || cfg.SubscriptionDiscountPercent > 100 {
		return Config{}, fmt.Errorf("SUBSCRIPTION_DISCOUNT_PERCENT must be 0-100")
	}

	//下限の補正
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = defaultRetryAttempts
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		cfg.Retry.MaxDelay = cfg.Retry.BaseDelay
	}
	if cfg.Scheduler.Concurrency <= 0 {
		cfg.Scheduler.Concurrency = defaultSweepConcurrency
	}
	if cfg.Dispatcher.Workers <= 0 {
		cfg.Dispatcher.Workers = defaultWorkers
	}
	if cfg.Dispatcher.BatchSize <= 0 {
		cfg.Dispatcher.BatchSize = defaultDispatchBatch
	}
	if cfg.Dispatcher.TaskMaxAttempts <= 0 {
		cfg.Dispatcher.TaskMaxAttempts = defaultTaskAttempts
	}

	return cfg, nil
}

// DSN（DATABASE_URL があれば最優先）
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode,
	)
}

// 定期便の基準タイムゾーン
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getString(lookup envLookup, key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(lookup envLookup, key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be number: %w", key, err)
	}
	return i, nil
}

func getFloat(lookup envLookup, key string, def float64) (float64, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be number: %w", key, err)
	}
	return f, nil
}

func getBool(lookup envLookup, key string, def bool) (bool, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be bool: %w", key, err)
	}
	return b, nil
}

func getDuration(lookup envLookup, key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be duration: %w", key, err)
	}
	return d, nil
}
