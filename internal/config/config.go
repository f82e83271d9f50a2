// Package config loads and validates ingester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	KB      KBConfig      `mapstructure:"kb"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the job pool and the per-job crawl.
type CrawlerConfig struct {
	Workers               int     `mapstructure:"workers"`
	QueueDepth            int     `mapstructure:"queue_depth"`
	PageConcurrency       int     `mapstructure:"page_concurrency"`
	MaxPageConcurrency    int     `mapstructure:"max_page_concurrency"`
	MaxPagesDefault       int     `mapstructure:"max_pages_default"`
	BudgetSecondsDefault  int     `mapstructure:"budget_seconds_default"`
	UserAgent             string  `mapstructure:"user_agent"`
	ScopePolicy           string  `mapstructure:"scope_policy"`
	KeepQuery             bool    `mapstructure:"keep_query"`
	RequestsPerSecond     float64 `mapstructure:"requests_per_second"`
	FetchRetries          int     `mapstructure:"fetch_retries"`
	RetryBackoffInitialMs int     `mapstructure:"retry_backoff_initial_ms"`
	RetryBackoffMaxMs     int     `mapstructure:"retry_backoff_max_ms"`
	MaxBodyBytes          int     `mapstructure:"max_body_bytes"`
}

// HTTPConfig configures the page fetcher's HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// KBConfig points at the knowledge-base ingestion service.
type KBConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	IndexingTechnique string `mapstructure:"indexing_technique"`
	ProcessMode       string `mapstructure:"process_mode"`
}

// DBConfig controls the optional Postgres page audit store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for job completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.page_concurrency", 1)
	v.SetDefault("crawler.max_page_concurrency", 8)
	v.SetDefault("crawler.max_pages_default", 1000)
	v.SetDefault("crawler.budget_seconds_default", 3600)
	v.SetDefault("crawler.user_agent", "kb-ingester/0.1")
	v.SetDefault("crawler.scope_policy", string(crawler.ScopeExactHost))
	v.SetDefault("crawler.keep_query", false)
	v.SetDefault("crawler.requests_per_second", 0)
	v.SetDefault("crawler.fetch_retries", 0)
	v.SetDefault("crawler.retry_backoff_initial_ms", 250)
	v.SetDefault("crawler.retry_backoff_max_ms", 5000)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("kb.base_url", "")
	v.SetDefault("kb.api_key", "")
	v.SetDefault("kb.timeout_seconds", 30)
	v.SetDefault("kb.indexing_technique", "high_quality")
	v.SetDefault("kb.process_mode", "automatic")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_pages")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// bindLegacyEnv accepts the unprefixed variable names older deployments export.
// The prefixed name wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	legacy := map[string]string{
		"kb.base_url":  "KB_BASE_URL",
		"kb.api_key":   "KB_API_KEY",
		"auth.api_key": "API_KEY",
	}
	for key, name := range legacy {
		prefixed := "INGESTER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, name); err != nil {
			return fmt.Errorf("bind env %s: %w", name, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Crawler.Workers <= 0 {
		errs = append(errs, errors.New("crawler.workers must be > 0"))
	}
	if c.Crawler.QueueDepth <= 0 {
		errs = append(errs, errors.New("crawler.queue_depth must be > 0"))
	}
	if c.Crawler.PageConcurrency <= 0 {
		errs = append(errs, errors.New("crawler.page_concurrency must be > 0"))
	}
	if c.Crawler.MaxPageConcurrency < c.Crawler.PageConcurrency {
		errs = append(errs, errors.New("crawler.max_page_concurrency must be >= crawler.page_concurrency"))
	}
	if c.Crawler.MaxPagesDefault < 0 {
		errs = append(errs, errors.New("crawler.max_pages_default must be >= 0"))
	}
	if c.Crawler.BudgetSecondsDefault < 0 {
		errs = append(errs, errors.New("crawler.budget_seconds_default must be >= 0"))
	}
	if _, err := crawler.ParseScopePolicy(c.Crawler.ScopePolicy); err != nil {
		errs = append(errs, fmt.Errorf("crawler.scope_policy: %w", err))
	}
	if c.Crawler.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("crawler.requests_per_second must be >= 0"))
	}
	if c.Crawler.FetchRetries < 0 {
		errs = append(errs, errors.New("crawler.fetch_retries must be >= 0"))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("http.timeout_seconds must be > 0"))
	}
	if c.KB.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("kb.timeout_seconds must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.DB.DSN != "" && !validTableName.MatchString(c.DB.Table) {
		errs = append(errs, fmt.Errorf("db.table %q is not a valid identifier", c.DB.Table))
	}
	return errors.Join(errs...)
}

// FetchTimeout is the per-request page fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// JobBudget is the default wall-clock cap for a crawl job.
func (c Config) JobBudget() time.Duration {
	return time.Duration(c.Crawler.BudgetSecondsDefault) * time.Second
}

// KBTimeout bounds each knowledge-base call.
func (c Config) KBTimeout() time.Duration {
	return time.Duration(c.KB.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// RequestTimeout bounds each API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// RetryBackoff returns the initial and maximum retry backoff.
func (c Config) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Crawler.RetryBackoffInitialMs) * time.Millisecond,
		time.Duration(c.Crawler.RetryBackoffMaxMs) * time.Millisecond
}
