package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"liquidation-sentinel/internal/alerting"
	"liquidation-sentinel/internal/cascade"
	"liquidation-sentinel/internal/feed"
	"liquidation-sentinel/internal/health"
	"liquidation-sentinel/internal/logging"
	"liquidation-sentinel/internal/maintenance"
	"liquidation-sentinel/internal/pricing"
	"liquidation-sentinel/internal/volatility"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig           `mapstructure:"app"`
	Logging    logging.Config      `mapstructure:"logging"`
	Database   DatabaseConfig      `mapstructure:"database"`
	Scheduler  SchedulerConfig     `mapstructure:"scheduler"`
	Pricing    PricingConfig       `mapstructure:"pricing"`
	Volatility volatility.Options  `mapstructure:"volatility"`
	Health     health.Thresholds   `mapstructure:"health"`
	Cascade    cascade.Options     `mapstructure:"cascade"`
	Alerting   AlertingConfig      `mapstructure:"alerting"`
	Feed       feed.Options        `mapstructure:"feed"`
	Events     EventsConfig        `mapstructure:"events"`
	Notifier   NotifierConfig      `mapstructure:"notifier"`
	Metrics    MetricsConfig       `mapstructure:"metrics"`
	Retention  maintenance.Options `mapstructure:"retention"`
	Protection ProtectionConfig    `mapstructure:"protection"`
	Export     ExportConfig        `mapstructure:"export"`
	Accounts   []string            `mapstructure:"accounts"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the monitoring cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	Concurrency     int           `mapstructure:"concurrency"`
	SnapshotMaxAge  time.Duration `mapstructure:"snapshot_max_age"`
}

// PricingConfig selects the price source and tunes the tracker.
type PricingConfig struct {
	pricing.Options `mapstructure:",squash"`

	Source          string             `mapstructure:"source"`
	Assets          []string           `mapstructure:"assets"`
	PrimaryAsset    string             `mapstructure:"primary_asset"`
	RefreshInterval time.Duration      `mapstructure:"refresh_interval"`
	HTTP            HTTPSourceConfig   `mapstructure:"http"`
	Chainlink       ChainlinkConfig    `mapstructure:"chainlink"`
	Static          map[string]float64 `mapstructure:"static"`
}

// HTTPSourceConfig covers the JSON price API.
type HTTPSourceConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	APIKey         string            `mapstructure:"api_key"`
	UserAgent      string            `mapstructure:"user_agent"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	AssetIDs       map[string]string `mapstructure:"asset_ids"`
}

// ChainlinkConfig covers on-chain oracle access.
type ChainlinkConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	Feeds          map[string]string `mapstructure:"feeds"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert thresholds and lifecycle policy.
type AlertingConfig struct {
	alerting.Options `mapstructure:",squash"`

	Enabled           bool    `mapstructure:"enabled"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
	AutoProtect       bool    `mapstructure:"auto_protect"`
}

// EventsConfig routes pipeline events.
type EventsConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Log            bool          `mapstructure:"log"`
	Kafka          KafkaConfig   `mapstructure:"kafka"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

// KafkaConfig describes the Kafka event sink.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RedisConfig describes the Redis pub/sub event sink.
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// NotifierConfig groups operator notification channels.
type NotifierConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ProtectionConfig selects the protection capability.
type ProtectionConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalizeAssets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "liquidation-sentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "15s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c697173))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.shutdown_grace", "10s")
	v.SetDefault("scheduler.concurrency", 8)
	v.SetDefault("scheduler.snapshot_max_age", "1h")

	po := pricing.DefaultOptions()
	v.SetDefault("pricing.source", "http")
	v.SetDefault("pricing.assets", []string{"SOL"})
	v.SetDefault("pricing.primary_asset", "SOL")
	v.SetDefault("pricing.refresh_interval", "0s")
	v.SetDefault("pricing.freshness_window", po.FreshnessWindow.String())
	v.SetDefault("pricing.staleness_window", po.StalenessWindow.String())
	v.SetDefault("pricing.history_capacity", po.HistoryCapacity)
	v.SetDefault("pricing.history_interval", po.HistoryInterval.String())
	v.SetDefault("pricing.fetch_timeout", po.FetchTimeout.String())
	v.SetDefault("pricing.retry_attempts", po.RetryAttempts)
	v.SetDefault("pricing.retry_base_delay", po.RetryBaseDelay.String())
	v.SetDefault("pricing.retry_max_delay", po.RetryMaxDelay.String())
	v.SetDefault("pricing.http.user_agent", "liquidation-sentinel/1.0")
	v.SetDefault("pricing.http.request_timeout", "5s")
	v.SetDefault("pricing.chainlink.request_timeout", "5s")

	vo := volatility.DefaultOptions()
	windows := make([]string, 0, len(vo.Windows))
	for _, w := range vo.Windows {
		windows = append(windows, w.String())
	}
	v.SetDefault("volatility.windows", windows)
	v.SetDefault("volatility.sample_interval", vo.SampleInterval.String())
	v.SetDefault("volatility.medium_min", vo.MediumMin)
	v.SetDefault("volatility.high_min", vo.HighMin)
	v.SetDefault("volatility.extreme_min", vo.ExtremeMin)

	ht := health.DefaultThresholds()
	v.SetDefault("health.liquidation_threshold", ht.LiquidationThreshold)
	v.SetDefault("health.safe_min", ht.SafeMin)
	v.SetDefault("health.caution_min", ht.CautionMin)
	v.SetDefault("health.danger_min", ht.DangerMin)
	v.SetDefault("health.at_risk", ht.AtRisk)

	co := cascade.DefaultOptions()
	v.SetDefault("cascade.volatility_multiplier", co.VolatilityMultiplier)
	v.SetDefault("cascade.volatility_risk_max", co.VolatilityRiskMax)
	v.SetDefault("cascade.cascade_risk_max", co.CascadeRiskMax)
	v.SetDefault("cascade.min_population", co.MinPopulation)
	v.SetDefault("cascade.danger_zone_threshold", co.DangerZoneThreshold)
	v.SetDefault("cascade.correlation_weight", co.CorrelationWeight)
	v.SetDefault("cascade.liquidation_penalty", co.LiquidationPenalty)
	v.SetDefault("cascade.extraction_rate", co.ExtractionRate)
	v.SetDefault("cascade.protect_threshold", co.ProtectThreshold)
	v.SetDefault("cascade.monitor_threshold", co.MonitorThreshold)

	ao := alerting.DefaultOptions()
	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.risk_threshold", ao.RiskThreshold)
	v.SetDefault("alerting.cascade_threshold", ao.CascadeThreshold)
	v.SetDefault("alerting.cooldown", ao.Cooldown.String())
	v.SetDefault("alerting.max_age", ao.MaxAge.String())
	v.SetDefault("alerting.auto_resolve", ao.AutoResolve)
	v.SetDefault("alerting.reset_cooldown_on_resolve", ao.ResetCooldownOnResolve)
	v.SetDefault("alerting.critical_threshold", 85.0)
	v.SetDefault("alerting.auto_protect", false)

	v.SetDefault("feed.reconnect_min", "1s")
	v.SetDefault("feed.reconnect_max", "30s")
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.write_timeout", "5s")
	v.SetDefault("feed.ping_interval", "30s")
	v.SetDefault("feed.max_age", "1m")

	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.publish_timeout", "5s")
	v.SetDefault("events.log", true)
	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "sentinel.risk-events")
	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.channel_prefix", "sentinel:")

	v.SetDefault("notifier.telegram.enabled", false)
	v.SetDefault("notifier.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notifier.telegram.timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("retention.snapshot_ttl", "720h")
	v.SetDefault("retention.alert_ttl", "2160h")
	v.SetDefault("retention.timeout", "5m")

	v.SetDefault("protection.enabled", false)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.ShutdownGrace < 0 {
		return fmt.Errorf("scheduler.shutdown_grace cannot be negative")
	}
	switch c.Pricing.Source {
	case "http":
		if c.Pricing.HTTP.BaseURL == "" {
			return fmt.Errorf("pricing.http.base_url is required for the http source")
		}
	case "chainlink":
		if c.Pricing.Chainlink.RPCURL == "" {
			return fmt.Errorf("pricing.chainlink.rpc_url is required for the chainlink source")
		}
	case "static":
		if len(c.Pricing.Static) == 0 {
			return fmt.Errorf("pricing.static must list at least one price")
		}
	default:
		return fmt.Errorf("pricing.source must be one of http, chainlink, static (got %q)", c.Pricing.Source)
	}
	if c.Pricing.PrimaryAsset == "" {
		return fmt.Errorf("pricing.primary_asset is required")
	}
	if c.Pricing.StalenessWindow < c.Pricing.FreshnessWindow {
		return fmt.Errorf("pricing.staleness_window must not be shorter than pricing.freshness_window")
	}
	if err := c.validateHistory(); err != nil {
		return err
	}
	if c.Health.SafeMin < c.Health.CautionMin || c.Health.CautionMin < c.Health.DangerMin {
		return fmt.Errorf("health tiers must satisfy safe_min >= caution_min >= danger_min")
	}
	if c.Alerting.RiskThreshold < 0 || c.Alerting.RiskThreshold > 100 {
		return fmt.Errorf("alerting.risk_threshold must be within [0, 100]")
	}
	if c.Alerting.CascadeThreshold < 0 || c.Alerting.CascadeThreshold > 1 {
		return fmt.Errorf("alerting.cascade_threshold must be within [0, 1]")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Events.Kafka.Enabled && (len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "") {
		return fmt.Errorf("events.kafka requires brokers and topic")
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		return fmt.Errorf("events.redis.addr is required")
	}
	if c.Notifier.Telegram.Enabled {
		if c.Notifier.Telegram.BotToken == "" {
			return fmt.Errorf("notifier.telegram.bot_token is required")
		}
		if c.Notifier.Telegram.ChatID == "" {
			return fmt.Errorf("notifier.telegram.chat_id is required")
		}
	}
	return nil
}

// validateHistory checks that tracker history matches the spacing the
// volatility windows assume and is long enough for the longest window.
// Zero values stand for the package defaults.
func (c *Config) validateHistory() error {
	po := pricing.DefaultOptions()
	vo := volatility.DefaultOptions()

	interval := c.Pricing.HistoryInterval
	if interval <= 0 {
		interval = po.HistoryInterval
	}
	capacity := c.Pricing.HistoryCapacity
	if capacity <= 0 {
		capacity = po.HistoryCapacity
	}
	sample := c.Volatility.SampleInterval
	if sample <= 0 {
		sample = vo.SampleInterval
	}
	windows := c.Volatility.Windows
	if len(windows) == 0 {
		windows = vo.Windows
	}

	if interval != sample {
		return fmt.Errorf("pricing.history_interval (%s) must equal volatility.sample_interval (%s)", interval, sample)
	}
	var longest time.Duration
	for _, w := range windows {
		if w <= 0 {
			return fmt.Errorf("volatility.windows must be positive (got %s)", w)
		}
		if w%sample != 0 {
			return fmt.Errorf("volatility window %s is not a multiple of volatility.sample_interval %s", w, sample)
		}
		if w > longest {
			longest = w
		}
	}
	if need := int(longest/sample) + 1; capacity < need {
		return fmt.Errorf("pricing.history_capacity %d cannot cover the %s window (needs %d)", capacity, longest, need)
	}
	return nil
}

// normalizeAssets upper-cases asset symbols; viper lower-cases map keys.
func (c *Config) normalizeAssets() {
	c.Pricing.PrimaryAsset = strings.ToUpper(strings.TrimSpace(c.Pricing.PrimaryAsset))
	for i, a := range c.Pricing.Assets {
		c.Pricing.Assets[i] = strings.ToUpper(strings.TrimSpace(a))
	}
	c.Pricing.Static = upperKeys(c.Pricing.Static)
	c.Pricing.HTTP.AssetIDs = upperKeys(c.Pricing.HTTP.AssetIDs)
	c.Pricing.Chainlink.Feeds = upperKeys(c.Pricing.Chainlink.Feeds)
}

func upperKeys[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// AssetList returns the tracked assets with the primary asset first.
func (c *Config) AssetList() []string {
	out := []string{c.Pricing.PrimaryAsset}
	for _, a := range c.Pricing.Assets {
		if a != "" && a != c.Pricing.PrimaryAsset {
			out = append(out, a)
		}
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
