// Package config loads process configuration from the environment, after an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all process configuration. User-facing screener settings
// (interval, sort, alerts) live in the settings backend, not here.
type Config struct {
	// Observability
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`

	// Market data
	BinanceRESTURL     string        `env:"BINANCE_REST_URL" envDefault:"https://api.binance.com"`
	BinanceWSURL       string        `env:"BINANCE_WS_URL" envDefault:"wss://stream.binance.com:9443"`
	QuoteAsset         string        `env:"QUOTE_ASSET" envDefault:"USDT"`
	SymbolLimit        int           `env:"SYMBOL_LIMIT" envDefault:"0"`
	HistoryConcurrency int           `env:"HISTORY_CONCURRENCY" envDefault:"16"`
	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`

	// Settings persistence: memory | redis | sqlite
	SettingsBackend   string `env:"SETTINGS_BACKEND" envDefault:"memory"`
	SettingsNamespace string `env:"SETTINGS_NAMESPACE" envDefault:"screener"`
	RedisAddr         string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	RedisDB           int    `env:"REDIS_DB" envDefault:"0"`
	SQLitePath        string `env:"SQLITE_PATH" envDefault:"data/settings.db"`

	// Alert sinks (each optional; alerts are always logged)
	AlertWebhookURL  string        `env:"ALERT_WEBHOOK_URL"`
	TelegramBotToken string        `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string        `env:"TELEGRAM_CHAT_ID"`
	AlertSendTimeout time.Duration `env:"ALERT_SEND_TIMEOUT" envDefault:"10s"`
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.QuoteAsset = strings.ToUpper(strings.TrimSpace(cfg.QuoteAsset))
	cfg.SettingsBackend = strings.ToLower(strings.TrimSpace(cfg.SettingsBackend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return cfg, nil
}

// Validate checks values env parsing cannot.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: invalid log level: %s", c.LogLevel)
	}

	switch c.SettingsBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR is required for the redis backend")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown settings backend %q", c.SettingsBackend)
	}

	if c.SymbolLimit < 0 {
		return fmt.Errorf("config: SYMBOL_LIMIT must not be negative")
	}
	if c.HistoryConcurrency < 1 {
		return fmt.Errorf("config: HISTORY_CONCURRENCY must be at least 1")
	}
	if c.HTTPTimeout < time.Second {
		return fmt.Errorf("config: HTTP_TIMEOUT must be at least 1 second")
	}
	if c.AlertSendTimeout <= 0 {
		return fmt.Errorf("config: ALERT_SEND_TIMEOUT must be positive")
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		return fmt.Errorf("config: TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return nil
}
