package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
pricing:
  source: static
  static:
    SOL: 150
accounts: [acct-1, acct-2]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval != 15*time.Second || cfg.Scheduler.ShutdownGrace != 10*time.Second || cfg.Scheduler.SnapshotMaxAge != time.Hour {
		t.Fatalf("unexpected scheduler defaults %+v", cfg.Scheduler)
	}
	if cfg.Alerting.RiskThreshold != 70 || cfg.Alerting.CascadeThreshold != 0.5 || cfg.Alerting.Cooldown != 5*time.Minute {
		t.Fatalf("unexpected alerting defaults %+v", cfg.Alerting)
	}
	if cfg.Alerting.CriticalThreshold != 85 || cfg.Alerting.ResetCooldownOnResolve {
		t.Fatalf("unexpected alerting defaults %+v", cfg.Alerting)
	}
	if len(cfg.Volatility.Windows) != 3 || cfg.Volatility.Windows[2] != 720*time.Minute {
		t.Fatalf("unexpected volatility windows %v", cfg.Volatility.Windows)
	}
	if cfg.Pricing.FreshnessWindow <= 0 || cfg.Pricing.RetryAttempts <= 0 {
		t.Fatalf("pricing options not decoded: %+v", cfg.Pricing.Options)
	}
	if cfg.Pricing.Static["SOL"] != 150 {
		t.Fatalf("unexpected static prices %v", cfg.Pricing.Static)
	}
	if len(cfg.Accounts) != 2 || cfg.Feed.MaxAge != time.Minute || cfg.Retention.Schedule != "@daily" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SENTINEL_PRICING_SOURCE", "static")
	t.Setenv("SENTINEL_ALERTING_RISK_THRESHOLD", "60")
	t.Setenv("SENTINEL_EVENTS_KAFKA_BROKERS", "k1:9092,k2:9092")
	path := writeConfig(t, `
pricing:
  static:
    SOL: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alerting.RiskThreshold != 60 {
		t.Fatalf("env override ignored: %v", cfg.Alerting.RiskThreshold)
	}
	if len(cfg.Events.Kafka.Brokers) != 2 {
		t.Fatalf("comma list not split: %v", cfg.Events.Kafka.Brokers)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		var c Config
		c.Export.MaxDataPoints = 10
		c.Scheduler.Interval = time.Second
		c.Pricing.Source = "static"
		c.Pricing.Static = map[string]float64{"SOL": 1}
		c.Pricing.PrimaryAsset = "SOL"
		c.Alerting.RiskThreshold = 70
		c.Alerting.CascadeThreshold = 0.5
		return c
	}

	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(c *Config){
		"unknown source":     func(c *Config) { c.Pricing.Source = "carrier-pigeon" },
		"http without url":   func(c *Config) { c.Pricing.Source = "http" },
		"chainlink no rpc":   func(c *Config) { c.Pricing.Source = "chainlink" },
		"risk out of range":  func(c *Config) { c.Alerting.RiskThreshold = 101 },
		"cascade range":      func(c *Config) { c.Alerting.CascadeThreshold = 1.5 },
		"kafka without host": func(c *Config) { c.Events.Kafka.Enabled = true },
		"telegram token":     func(c *Config) { c.Notifier.Telegram.Enabled = true },
		"zero interval":      func(c *Config) { c.Scheduler.Interval = 0 },
		"history spacing": func(c *Config) {
			c.Pricing.HistoryInterval = 30 * time.Second
			c.Volatility.SampleInterval = time.Minute
		},
		"history too short": func(c *Config) { c.Pricing.HistoryCapacity = 720 },
		"window off grid": func(c *Config) {
			c.Volatility.Windows = []time.Duration{90 * time.Second}
		},
	}
	for name, mutate := range cases {
		c := base()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidateAcceptsMatchingSubMinuteHistory(t *testing.T) {
	var c Config
	c.Export.MaxDataPoints = 10
	c.Scheduler.Interval = time.Second
	c.Pricing.Source = "static"
	c.Pricing.Static = map[string]float64{"SOL": 1}
	c.Pricing.PrimaryAsset = "SOL"
	c.Pricing.HistoryInterval = 30 * time.Second
	c.Pricing.HistoryCapacity = 121
	c.Volatility.SampleInterval = 30 * time.Second
	c.Volatility.Windows = []time.Duration{time.Hour}
	if err := c.Validate(); err != nil {
		t.Fatalf("matching history rejected: %v", err)
	}
	c.Pricing.HistoryCapacity = 120
	if err := c.Validate(); err == nil {
		t.Fatal("capacity one short of the window should be rejected")
	}
}

func TestAssetListPutsPrimaryFirst(t *testing.T) {
	var c Config
	c.Pricing.PrimaryAsset = "SOL"
	c.Pricing.Assets = []string{"ETH", "SOL", "", "BTC"}
	got := c.AssetList()
	want := []string{"SOL", "ETH", "BTC"}
	if len(got) != len(want) {
		t.Fatalf("unexpected assets %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected assets %v", got)
		}
	}
}

func TestResolveMaxPoints(t *testing.T) {
	var c Config
	c.Export.MaxDataPoints = 500
	if c.ResolveMaxPoints(0) != 500 || c.ResolveMaxPoints(20) != 20 {
		t.Fatal("unexpected max points resolution")
	}
}
