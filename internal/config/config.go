package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig                 `mapstructure:"log"`
	HTTP       HTTPConfig                `mapstructure:"http"`
	MySQL      DatabaseConfig            `mapstructure:"mysql"`
	ClickHouse DatabaseConfig            `mapstructure:"clickhouse"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Kafka      KafkaConfig               `mapstructure:"kafka"`
	Security   SecurityConfig            `mapstructure:"security"`
	RateLimit  RateLimitConfig           `mapstructure:"rate_limit"`
	Webhooks   WebhooksConfig            `mapstructure:"webhooks"`
	Scheduler  SchedulerConfig           `mapstructure:"scheduler"`
	Sender     SenderConfig              `mapstructure:"sender"`
	Relay      RelayConfig               `mapstructure:"relay"`
	Platforms  map[string]PlatformConfig `mapstructure:"platforms"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // json|console
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type SecurityConfig struct {
	MasterKey  string `mapstructure:"master_key"`
	KeyID      string `mapstructure:"key_id"`
	KeyVersion int    `mapstructure:"key_version"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type WebhooksConfig struct {
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	DedupeTTL    time.Duration `mapstructure:"dedupe_ttl"`
}

type SchedulerConfig struct {
	Tick        time.Duration `mapstructure:"tick"`
	Workers     int           `mapstructure:"workers"`
	BatchSize   int           `mapstructure:"batch_size"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
	MaxFailures int           `mapstructure:"max_failures"`
	// CleanupCron schedules pruning of webhook_deliveries and published outbox rows.
	CleanupCron string        `mapstructure:"cleanup_cron"`
	Retention   time.Duration `mapstructure:"retention"`
}

type SenderConfig struct {
	WorkerCount int           `mapstructure:"worker_count"`
	BatchSize   int           `mapstructure:"batch_size"`
	BatchWait   time.Duration `mapstructure:"batch_wait"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	// FlushAttempts bounds how often one status batch is retried before the
	// writer drops it.
	FlushAttempts int `mapstructure:"flush_attempts"`
}

type RelayConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type PlatformConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	RPS       float64       `mapstructure:"rps"`
	Burst     int           `mapstructure:"burst"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (ERPHUB_*).
// A .env file in the working directory is loaded first; real env vars win over it.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (ERPHUB_*), nested keys joined with "_"
	v.SetEnvPrefix("ERPHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
