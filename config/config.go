// Package config loads runtime configuration from the environment, an
// optional .env file and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultBrokerURL is the trading backend's public API root.
const DefaultBrokerURL = "https://www.tradenstocko.com/api"

// Config holds all application configuration.
type Config struct {
	Feed   FeedConfig   `yaml:"feed"`
	Broker BrokerConfig `yaml:"broker"`

	// Infrastructure
	RedisAddr     string `yaml:"redis_addr"` // empty disables the tick cache
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`
	JournalPath   string `yaml:"journal_path"`
	MetricsAddr   string `yaml:"metrics_addr"`
	LogLevel      string `yaml:"log_level"`

	// Screens
	Categories    []string      `yaml:"categories"`
	LiveWindow    time.Duration `yaml:"live_window"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	Holidays      string        `yaml:"holidays"` // extra YYYY-MM-DD dates, comma separated

	Alerts AlertConfig `yaml:"alerts"`
}

// AlertConfig configures alert delivery. With no webhook or Telegram target,
// alerts are only logged.
type AlertConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	WebhookSecret  string `yaml:"webhook_secret"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	MinLevel       string `yaml:"min_level"` // INFO, WARNING or CRITICAL
}

// FeedConfig configures the market-data socket.
type FeedConfig struct {
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
}

// BrokerConfig configures the REST backend.
type BrokerConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	DeviceID    string        `yaml:"device_id"`
	TOTPSecret  string        `yaml:"totp_secret"`
	Mode        string        `yaml:"mode"` // live or paper
	SlippageBps int64         `yaml:"slippage_bps"`
}

// Load reads .env (if present), then the environment, then the YAML file
// named by TRADEWATCH_CONFIG (if set), and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] .env: %v", err)
	}

	cfg := FromEnv()
	if path := os.Getenv("TRADEWATCH_CONFIG"); path != "" {
		if err := cfg.Overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads configuration from environment variables with defaults.
func FromEnv() *Config {
	return &Config{
		Feed: FeedConfig{
			URL:                  getEnv("FEED_URL", ""),
			MaxReconnectAttempts: getInt("FEED_MAX_RECONNECT_ATTEMPTS", 10),
			ConnectTimeout:       getDuration("FEED_CONNECT_TIMEOUT", 10*time.Second),
			BaseDelay:            getDuration("FEED_BASE_DELAY", time.Second),
			MaxDelay:             getDuration("FEED_MAX_DELAY", 30*time.Second),
		},
		Broker: BrokerConfig{
			URL:         getEnv("BROKER_URL", DefaultBrokerURL),
			Timeout:     getDuration("BROKER_TIMEOUT", 10*time.Second),
			User:        getEnv("BROKER_USER", ""),
			Password:    getEnv("BROKER_PASSWORD", ""),
			DeviceID:    getEnv("BROKER_DEVICE_ID", ""),
			TOTPSecret:  getEnv("BROKER_TOTP_SECRET", ""),
			Mode:        getEnv("TRADING_MODE", "live"),
			SlippageBps: int64(getInt("PAPER_SLIPPAGE_BPS", 5)),
		},

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/watch.db"),
		JournalPath:   getEnv("JOURNAL_PATH", "data/journal.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		Categories:    splitList(getEnv("WATCH_CATEGORIES", "MCX,NSE,OPT")),
		LiveWindow:    getDuration("LIVE_WINDOW", 5*time.Second),
		FlushInterval: getDuration("FLUSH_INTERVAL", 30*time.Second),
		SessionTTL:    getDuration("SESSION_TTL", 12*time.Hour),
		Holidays:      getEnv("MARKET_HOLIDAYS", ""),

		Alerts: AlertConfig{
			WebhookURL:     getEnv("ALERT_WEBHOOK_URL", ""),
			WebhookSecret:  getEnv("ALERT_WEBHOOK_SECRET", ""),
			TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
			MinLevel:       strings.ToUpper(getEnv("ALERT_MIN_LEVEL", "WARNING")),
		},
	}
}

// Overlay applies non-zero values from a YAML file. ${VAR} references in the
// file are expanded from the environment before parsing.
func (c *Config) Overlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var o Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &o); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setStr(&c.Feed.URL, o.Feed.URL)
	setInt(&c.Feed.MaxReconnectAttempts, o.Feed.MaxReconnectAttempts)
	setDur(&c.Feed.ConnectTimeout, o.Feed.ConnectTimeout)
	setDur(&c.Feed.BaseDelay, o.Feed.BaseDelay)
	setDur(&c.Feed.MaxDelay, o.Feed.MaxDelay)

	setStr(&c.Broker.URL, o.Broker.URL)
	setDur(&c.Broker.Timeout, o.Broker.Timeout)
	setStr(&c.Broker.User, o.Broker.User)
	setStr(&c.Broker.Password, o.Broker.Password)
	setStr(&c.Broker.DeviceID, o.Broker.DeviceID)
	setStr(&c.Broker.TOTPSecret, o.Broker.TOTPSecret)
	setStr(&c.Broker.Mode, o.Broker.Mode)
	if o.Broker.SlippageBps > 0 {
		c.Broker.SlippageBps = o.Broker.SlippageBps
	}

	setStr(&c.RedisAddr, o.RedisAddr)
	setStr(&c.RedisPassword, o.RedisPassword)
	setInt(&c.RedisDB, o.RedisDB)
	setStr(&c.SQLitePath, o.SQLitePath)
	setStr(&c.JournalPath, o.JournalPath)
	setStr(&c.MetricsAddr, o.MetricsAddr)
	setStr(&c.LogLevel, o.LogLevel)
	if len(o.Categories) > 0 {
		c.Categories = o.Categories
	}
	setDur(&c.LiveWindow, o.LiveWindow)
	setDur(&c.FlushInterval, o.FlushInterval)
	setDur(&c.SessionTTL, o.SessionTTL)
	setStr(&c.Holidays, o.Holidays)
	setStr(&c.Alerts.WebhookURL, o.Alerts.WebhookURL)
	setStr(&c.Alerts.WebhookSecret, o.Alerts.WebhookSecret)
	setStr(&c.Alerts.TelegramToken, o.Alerts.TelegramToken)
	setStr(&c.Alerts.TelegramChatID, o.Alerts.TelegramChatID)
	setStr(&c.Alerts.MinLevel, strings.ToUpper(o.Alerts.MinLevel))

	log.Printf("[config] applied overlay %s", path)
	return nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	var missing []string
	if c.Feed.URL == "" {
		missing = append(missing, "FEED_URL")
	}
	if c.Broker.URL == "" {
		missing = append(missing, "BROKER_URL")
	}
	if c.Broker.User == "" {
		missing = append(missing, "BROKER_USER")
	}
	if c.Broker.Mode == "live" && c.Broker.Password == "" {
		missing = append(missing, "BROKER_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required settings not set: %s", strings.Join(missing, ", "))
	}
	if c.Broker.Mode != "live" && c.Broker.Mode != "paper" {
		return fmt.Errorf("config: TRADING_MODE must be live or paper, got %q", c.Broker.Mode)
	}
	if c.Feed.MaxReconnectAttempts < 1 {
		return fmt.Errorf("config: FEED_MAX_RECONNECT_ATTEMPTS must be positive")
	}
	return nil
}

// Paper reports whether orders are filled locally instead of by the broker.
func (c *Config) Paper() bool { return c.Broker.Mode == "paper" }

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDur(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
