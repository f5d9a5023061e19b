// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Behavior  BehaviorConfig  `mapstructure:"behavior"`
	Engines   EnginesConfig   `mapstructure:"engines"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Session   SessionConfig   `mapstructure:"session"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Stealth   StealthConfig   `mapstructure:"stealth"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Issuer    IssuerConfig    `mapstructure:"issuer"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig governs the executor pool and its retry behavior.
type WorkerConfig struct {
	Concurrency            int `mapstructure:"concurrency"`
	MaxRetries             int `mapstructure:"max_retries"`
	BackoffInitialMs       int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int `mapstructure:"backoff_max_ms"`
	SessionCleanupMinutes  int `mapstructure:"session_cleanup_minutes"`
	ProxyHealthIntervalSec int `mapstructure:"proxy_health_interval_seconds"`
	// StaleAfterMinutes is how long a processing task may go without a write
	// before a sweep reclaims it. Zero disables reclaiming.
	StaleAfterMinutes int `mapstructure:"stale_after_minutes"`
}

// BehaviorConfig tunes simulated input and pre-task browsing.
type BehaviorConfig struct {
	TypoProbability float64  `mapstructure:"typo_probability"`
	Warmup          bool     `mapstructure:"warmup"`
	WarmupURLs      []string `mapstructure:"warmup_urls"`
}

// BrowserConfig configures the chromedp driver and its timeouts.
type BrowserConfig struct {
	Headless               bool   `mapstructure:"headless"`
	ExecPath               string `mapstructure:"exec_path"`
	MaxParallel            int    `mapstructure:"max_parallel"`
	MinFreeMemoryMB        int    `mapstructure:"min_free_memory_mb"`
	NavTimeoutSeconds      int    `mapstructure:"nav_timeout_seconds"`
	InputTimeoutSeconds    int    `mapstructure:"input_timeout_seconds"`
	ResponseTimeoutSeconds int    `mapstructure:"response_timeout_seconds"`
	ViewportWidth          int    `mapstructure:"viewport_width"`
	ViewportHeight         int    `mapstructure:"viewport_height"`
}

// EnginesConfig limits request pacing per engine.
type EnginesConfig struct {
	Enabled      []string `mapstructure:"enabled"`
	RateLimitRPS float64  `mapstructure:"rate_limit_rps"`
	Burst        int      `mapstructure:"burst"`
}

// CaptchaConfig selects how challenges are handled.
type CaptchaConfig struct {
	Strategy       string `mapstructure:"strategy"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SessionConfig controls persisted browser sessions.
type SessionConfig struct {
	Dir      string `mapstructure:"dir"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// ProxyConfig controls the egress proxy pool.
type ProxyConfig struct {
	SourceURL           string   `mapstructure:"source_url"`
	Servers             []string `mapstructure:"servers"`
	CooldownSeconds     int      `mapstructure:"cooldown_seconds"`
	HealthCheckURL      string   `mapstructure:"health_check_url"`
	ProbeTimeoutSeconds int      `mapstructure:"probe_timeout_seconds"`
	PersistState        bool     `mapstructure:"persist_state"`
	StateKey            string   `mapstructure:"state_key"`
}

// StealthConfig selects fingerprint hardening.
type StealthConfig struct {
	Level string `mapstructure:"level"`
}

// QueueConfig selects the handoff queue backend.
type QueueConfig struct {
	Backend        string `mapstructure:"backend"`
	Prefix         string `mapstructure:"prefix"`
	StatusTTLHours int    `mapstructure:"status_ttl_hours"`
}

// RedisConfig holds connection settings shared by the queue and proxy state.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	TasksTable   string `mapstructure:"tasks_table"`
	ResultsTable string `mapstructure:"results_table"`
}

// BlobConfig selects where screenshots and raw HTML are written.
type BlobConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig selects the continuation publisher.
type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig holds broker settings for the Kafka publisher.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// IssuerConfig governs result polling and the continuation call.
type IssuerConfig struct {
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	PollMaxAttempts     int    `mapstructure:"poll_max_attempts"`
	ContinuationStage   string `mapstructure:"continuation_stage"`
}

// ProgressConfig controls worker task events. Publish forwards event
// batches through the configured publisher on Topic.
type ProgressConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Publish     bool   `mapstructure:"publish"`
	Topic       string `mapstructure:"topic"`
	BatchSize   int    `mapstructure:"batch_size"`
	BatchWaitMs int    `mapstructure:"batch_wait_ms"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.backoff_initial_ms", 2000)
	v.SetDefault("worker.backoff_max_ms", 60000)
	v.SetDefault("worker.session_cleanup_minutes", 60)
	v.SetDefault("worker.proxy_health_interval_seconds", 300)
	v.SetDefault("worker.stale_after_minutes", 30)
	v.SetDefault("behavior.typo_probability", 0.02)
	v.SetDefault("behavior.warmup", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.min_free_memory_mb", 512)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.input_timeout_seconds", 15)
	v.SetDefault("browser.response_timeout_seconds", 120)
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 768)
	v.SetDefault("engines.enabled", []string{"chatgpt", "perplexity", "gemini", "copilot", "claude"})
	v.SetDefault("engines.rate_limit_rps", 0.2)
	v.SetDefault("engines.burst", 1)
	v.SetDefault("captcha.strategy", "smart")
	v.SetDefault("captcha.timeout_seconds", 120)
	v.SetDefault("session.dir", "data/sessions")
	v.SetDefault("session.ttl_hours", 24)
	v.SetDefault("proxy.cooldown_seconds", 300)
	v.SetDefault("proxy.health_check_url", "https://www.gstatic.com/generate_204")
	v.SetDefault("proxy.probe_timeout_seconds", 10)
	v.SetDefault("proxy.state_key", "proxy:state")
	v.SetDefault("stealth.level", "medium")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.prefix", "crawl")
	v.SetDefault("queue.status_ttl_hours", 48)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite_path", "data/crawler.db")
	v.SetDefault("db.tasks_table", "crawl_tasks")
	v.SetDefault("db.results_table", "crawl_results")
	v.SetDefault("blob.backend", "memory")
	v.SetDefault("blob.local_dir", "data/artifacts")
	v.SetDefault("blob.prefix", "artifacts")
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("kafka.topic", "answer-engine-continuations")
	v.SetDefault("issuer.poll_interval_seconds", 5)
	v.SetDefault("issuer.poll_max_attempts", 120)
	v.SetDefault("issuer.continuation_stage", "citation_extraction")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.topic", "task_events")
	v.SetDefault("progress.batch_size", 100)
	v.SetDefault("progress.batch_wait_ms", 1000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0")
	}
	if c.Worker.StaleAfterMinutes < 0 {
		return fmt.Errorf("worker.stale_after_minutes must be >= 0")
	}
	if c.Behavior.TypoProbability < 0 || c.Behavior.TypoProbability >= 1 {
		return fmt.Errorf("behavior.typo_probability must be in [0, 1)")
	}
	if c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0")
	}
	if c.Browser.NavTimeoutSeconds <= 0 || c.Browser.InputTimeoutSeconds <= 0 || c.Browser.ResponseTimeoutSeconds <= 0 {
		return fmt.Errorf("browser timeouts must be > 0")
	}
	if c.Engines.RateLimitRPS < 0 {
		return fmt.Errorf("engines.rate_limit_rps must be >= 0")
	}
	if !oneOf(c.Captcha.Strategy, "manual", "auto_wait", "api", "smart") {
		return fmt.Errorf("captcha.strategy %q must be one of manual, auto_wait, api, smart", c.Captcha.Strategy)
	}
	if c.Captcha.TimeoutSeconds < 0 {
		return fmt.Errorf("captcha.timeout_seconds must be >= 0")
	}
	if c.Session.Dir == "" {
		return fmt.Errorf("session.dir must be set")
	}
	if c.Session.TTLHours <= 0 {
		return fmt.Errorf("session.ttl_hours must be > 0")
	}
	if c.Proxy.CooldownSeconds < 0 {
		return fmt.Errorf("proxy.cooldown_seconds must be >= 0")
	}
	if !oneOf(c.Stealth.Level, "low", "medium", "high") {
		return fmt.Errorf("stealth.level %q must be one of low, medium, high", c.Stealth.Level)
	}
	if !oneOf(c.Queue.Backend, "memory", "redis") {
		return fmt.Errorf("queue.backend %q must be memory or redis", c.Queue.Backend)
	}
	if (c.Queue.Backend == "redis" || c.Proxy.PersistState) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis is used")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres store")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite store")
		}
	default:
		return fmt.Errorf("store.backend %q must be memory, postgres or sqlite", c.Store.Backend)
	}
	switch c.Blob.Backend {
	case "memory", "local":
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs blob store")
		}
	default:
		return fmt.Errorf("blob.backend %q must be memory, local or gcs", c.Blob.Backend)
	}
	switch c.Publisher.Backend {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic must be set")
		}
	default:
		return fmt.Errorf("publisher.backend %q must be memory, pubsub or kafka", c.Publisher.Backend)
	}
	if c.Issuer.PollIntervalSeconds <= 0 || c.Issuer.PollMaxAttempts <= 0 {
		return fmt.Errorf("issuer poll interval and attempts must be > 0")
	}
	if c.Progress.Publish && c.Progress.Topic == "" {
		return fmt.Errorf("progress.topic must be set when progress.publish is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SessionTTL returns the configured session lifetime.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLHours) * time.Hour
}

// ProxyCooldown returns the proxy failure cooldown window.
func (c Config) ProxyCooldown() time.Duration {
	return time.Duration(c.Proxy.CooldownSeconds) * time.Second
}

// CaptchaTimeout returns the configured challenge wait budget.
func (c Config) CaptchaTimeout() time.Duration {
	return time.Duration(c.Captcha.TimeoutSeconds) * time.Second
}

// StaleAfter returns how long a processing task may idle before reclaim.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Worker.StaleAfterMinutes) * time.Minute
}

// PollInterval returns the issuer's fixed poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Issuer.PollIntervalSeconds) * time.Second
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
