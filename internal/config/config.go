// Package config handles configuration management with validation, plus the
// two-tier policy provider that layers configured overrides on top of the
// defaults embedded in each position.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure.
type Config struct {
	App       AppConfig        `yaml:"app"`
	Store     StoreConfig      `yaml:"store"`
	Engine    EngineConfig     `yaml:"engine"`
	Worker    WorkerConfig     `yaml:"worker"`
	Market    MarketHours      `yaml:"market_hours"`
	Quotes    QuotesConfig     `yaml:"quotes"`
	Alerting  AlertingConfig   `yaml:"alerting"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Overrides []PolicyOverride `yaml:"policy_overrides"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	LogLevel string `yaml:"log_level"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite
	Path   string `yaml:"path"`   // required for sqlite
}

// EngineConfig contains lifecycle-manager settings.
type EngineConfig struct {
	IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds"`
}

// WorkerConfig contains the evaluation worker settings.
type WorkerConfig struct {
	IntervalSeconds int     `yaml:"interval_seconds"`
	PoolSize        int     `yaml:"pool_size"`
	PoolBuffer      int     `yaml:"pool_buffer"`
	RateLimit       float64 `yaml:"rate_limit"` // submissions per second
	RateBurst       int     `yaml:"rate_burst"`
}

// MarketHours is a daily trading window on weekdays, HH:MM local to the
// configured location.
type MarketHours struct {
	Open     string `yaml:"open"`
	Close    string `yaml:"close"`
	Timezone string `yaml:"timezone"`
}

// QuotesConfig points at the market data quote service.
type QuotesConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AlertingConfig contains the alert checker thresholds and channels.
type AlertingConfig struct {
	Enabled                bool   `yaml:"enabled"`
	IntervalSeconds        int    `yaml:"interval_seconds"`
	SlackWebhookURL        string `yaml:"slack_webhook_url"`
	TelegramBotToken       string `yaml:"telegram_bot_token"`
	TelegramChatID         string `yaml:"telegram_chat_id"`
	EvaluationStallMinutes int    `yaml:"evaluation_stall_minutes"`
	RejectionSpikeCount    int    `yaml:"rejection_spike_count"`
	GuardrailSkipCount     int    `yaml:"guardrail_skip_count"`
	PriceStaleMinutes      int    `yaml:"price_stale_minutes"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		c.validateApp,
		c.validateStore,
		c.validateWorker,
		c.validateMarketHours,
		c.validateQuotes,
		c.validateAlerting,
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	valid := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if !contains(valid, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "", "memory":
		c.Store.Driver = "memory"
	case "sqlite":
		if c.Store.Path == "" {
			return ValidationError{
				Field:   "store.path",
				Message: "path is required for the sqlite driver",
			}
		}
	default:
		return ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: "must be one of: memory, sqlite",
		}
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.IntervalSeconds <= 0 {
		c.Worker.IntervalSeconds = 60
	}
	if c.Worker.PoolSize <= 0 {
		c.Worker.PoolSize = 4
	}
	if c.Worker.PoolBuffer <= 0 {
		c.Worker.PoolBuffer = 100
	}
	if c.Worker.RateLimit <= 0 {
		c.Worker.RateLimit = 10
	}
	if c.Worker.RateBurst <= 0 {
		c.Worker.RateBurst = int(c.Worker.RateLimit)
	}
	return nil
}

func (c *Config) validateMarketHours() error {
	if c.Market.Open == "" {
		c.Market.Open = "09:30"
	}
	if c.Market.Close == "" {
		c.Market.Close = "16:00"
	}
	if c.Market.Timezone == "" {
		c.Market.Timezone = "UTC"
	}
	if _, err := time.Parse("15:04", c.Market.Open); err != nil {
		return ValidationError{Field: "market_hours.open", Value: c.Market.Open, Message: "must be HH:MM"}
	}
	if _, err := time.Parse("15:04", c.Market.Close); err != nil {
		return ValidationError{Field: "market_hours.close", Value: c.Market.Close, Message: "must be HH:MM"}
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return ValidationError{Field: "market_hours.timezone", Value: c.Market.Timezone, Message: "unknown timezone"}
	}
	return nil
}

func (c *Config) validateQuotes() error {
	if c.Quotes.BaseURL == "" {
		return ValidationError{
			Field:   "quotes.base_url",
			Message: "base_url is required",
		}
	}
	if c.Quotes.TimeoutSeconds <= 0 {
		c.Quotes.TimeoutSeconds = 5
	}
	return nil
}

func (c *Config) validateAlerting() error {
	if !c.Alerting.Enabled {
		return nil
	}
	if c.Alerting.IntervalSeconds <= 0 {
		c.Alerting.IntervalSeconds = 30
	}
	for field, v := range map[string]int{
		"alerting.evaluation_stall_minutes": c.Alerting.EvaluationStallMinutes,
		"alerting.rejection_spike_count":    c.Alerting.RejectionSpikeCount,
		"alerting.guardrail_skip_count":     c.Alerting.GuardrailSkipCount,
		"alerting.price_stale_minutes":      c.Alerting.PriceStaleMinutes,
	} {
		if v < 0 {
			return ValidationError{Field: field, Value: v, Message: "must not be negative"}
		}
	}
	return nil
}

// Within reports whether t falls inside the market window on a weekday.
func (m MarketHours) Within(t time.Time) bool {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	open, err := time.Parse("15:04", m.Open)
	if err != nil {
		return false
	}
	close_, err := time.Parse("15:04", m.Close)
	if err != nil {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= open.Hour()*60+open.Minute() && minutes < close_.Hour()*60+close_.Minute()
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing.
func DefaultConfig() *Config {
	cfg := &Config{
		App:   AppConfig{LogLevel: "INFO"},
		Store: StoreConfig{Driver: "memory"},
		Engine: EngineConfig{
			IdempotencyTTLSeconds: 300,
		},
		Worker: WorkerConfig{
			IntervalSeconds: 60,
			PoolSize:        4,
			PoolBuffer:      100,
			RateLimit:       10,
			RateBurst:       10,
		},
		Market: MarketHours{Open: "09:30", Close: "16:00", Timezone: "UTC"},
		Quotes: QuotesConfig{BaseURL: "http://localhost:8081", TimeoutSeconds: 5},
		Alerting: AlertingConfig{
			Enabled:                true,
			IntervalSeconds:        30,
			EvaluationStallMinutes: 10,
			RejectionSpikeCount:    5,
			GuardrailSkipCount:     3,
			PriceStaleMinutes:      5,
		},
		Telemetry: TelemetryConfig{MetricsPort: 9090, EnableMetrics: true},
	}
	return cfg
}
