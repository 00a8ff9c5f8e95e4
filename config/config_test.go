package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("FEED_URL", "wss://feed.example/ws")
	t.Setenv("BROKER_USER", "u1")
	t.Setenv("BROKER_PASSWORD", "secret")
}

func TestFromEnv_Defaults(t *testing.T) {
	setBase(t)
	c := FromEnv()

	if c.Feed.MaxReconnectAttempts != 10 {
		t.Errorf("max attempts: got %d, want 10", c.Feed.MaxReconnectAttempts)
	}
	if c.Feed.BaseDelay != time.Second || c.Feed.MaxDelay != 30*time.Second || c.Feed.ConnectTimeout != 10*time.Second {
		t.Errorf("feed timings: got %+v", c.Feed)
	}
	if c.Broker.URL != DefaultBrokerURL || c.Broker.Timeout != 10*time.Second {
		t.Errorf("broker: got %s %s", c.Broker.URL, c.Broker.Timeout)
	}
	if c.LiveWindow != 5*time.Second {
		t.Errorf("live window: got %s, want 5s", c.LiveWindow)
	}
	if strings.Join(c.Categories, ",") != "MCX,NSE,OPT" {
		t.Errorf("categories: got %v", c.Categories)
	}
	if c.Alerts.MinLevel != "WARNING" || c.Alerts.WebhookURL != "" {
		t.Errorf("alerts: got %+v", c.Alerts)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	setBase(t)
	t.Setenv("FEED_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("FEED_BASE_DELAY", "250ms")
	t.Setenv("LIVE_WINDOW", "bogus")
	t.Setenv("WATCH_CATEGORIES", " MCX , ,NSE")

	c := FromEnv()
	if c.Feed.MaxReconnectAttempts != 3 || c.Feed.BaseDelay != 250*time.Millisecond {
		t.Errorf("feed: got %+v", c.Feed)
	}
	if c.LiveWindow != 5*time.Second {
		t.Errorf("bad duration should fall back: got %s", c.LiveWindow)
	}
	if strings.Join(c.Categories, ",") != "MCX,NSE" {
		t.Errorf("categories: got %v", c.Categories)
	}
}

func TestValidate_Missing(t *testing.T) {
	t.Setenv("FEED_URL", "")
	t.Setenv("BROKER_USER", "")
	t.Setenv("BROKER_PASSWORD", "")
	err := FromEnv().Validate()
	if err == nil {
		t.Fatal("want error")
	}
	for _, k := range []string{"FEED_URL", "BROKER_USER", "BROKER_PASSWORD"} {
		if !strings.Contains(err.Error(), k) {
			t.Errorf("error %q should name %s", err, k)
		}
	}
}

func TestValidate_PaperNeedsNoPassword(t *testing.T) {
	setBase(t)
	t.Setenv("BROKER_PASSWORD", "")
	t.Setenv("TRADING_MODE", "paper")
	c := FromEnv()
	if err := c.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
	if !c.Paper() {
		t.Error("Paper() should be true")
	}

	c.Broker.Mode = "demo"
	if err := c.Validate(); err == nil {
		t.Error("unknown mode: want error")
	}
}

func TestOverlay(t *testing.T) {
	setBase(t)
	t.Setenv("OVERLAY_FEED", "wss://other.example/ws")

	path := filepath.Join(t.TempDir(), "tradewatch.yaml")
	yml := `
feed:
  url: ${OVERLAY_FEED}
  max_delay: 45s
broker:
  mode: paper
categories: [MCX]
live_window: 2s
alerts:
  webhook_url: http://hooks.example/x
  webhook_secret: hooksecret
  min_level: critical
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRADEWATCH_CONFIG", path)

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Feed.URL != "wss://other.example/ws" || c.Feed.MaxDelay != 45*time.Second {
		t.Errorf("feed: got %+v", c.Feed)
	}
	if c.Feed.BaseDelay != time.Second {
		t.Errorf("unset overlay field should keep env value: got %s", c.Feed.BaseDelay)
	}
	if !c.Paper() || c.Broker.User != "u1" {
		t.Errorf("broker: got %+v", c.Broker)
	}
	if len(c.Categories) != 1 || c.LiveWindow != 2*time.Second {
		t.Errorf("screens: got %v %s", c.Categories, c.LiveWindow)
	}
	if c.Alerts.WebhookURL != "http://hooks.example/x" || c.Alerts.WebhookSecret != "hooksecret" || c.Alerts.MinLevel != "CRITICAL" {
		t.Errorf("alerts: got %+v", c.Alerts)
	}
}

func TestOverlay_MissingFile(t *testing.T) {
	c := FromEnv()
	if err := c.Overlay(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("want error")
	}
}
