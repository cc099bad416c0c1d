package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"quota-watch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Reset       ResetConfig       `mapstructure:"reset"`
	Analytics   AnalyticsConfig   `mapstructure:"analytics"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Server      ServerConfig      `mapstructure:"server"`
	Sources     []SourceConfig    `mapstructure:"sources"`
	Export      ExportConfig      `mapstructure:"export"`

	// SystemSources need no credentials and run on every cycle. Setting the
	// key replaces the built-in list; an empty list disables it.
	SystemSources []SourceConfig `mapstructure:"system_sources"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// DatabaseConfig selects and tunes the history store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs refresh cadence and fan-out.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	SeedOnEmpty     bool          `mapstructure:"seed_on_empty"`
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
}

// BreakerConfig tunes per-source backoff.
type BreakerConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	MaxDoublings int           `mapstructure:"max_doublings"`
}

// ResetConfig overrides the reset heuristic constants.
type ResetConfig struct {
	QuotaHighPct   float64       `mapstructure:"quota_high_pct"`
	QuotaDropRatio float64       `mapstructure:"quota_drop_ratio"`
	UsageDropRatio float64       `mapstructure:"usage_drop_ratio"`
	ScheduleSlack  time.Duration `mapstructure:"schedule_slack"`
}

// AnalyticsConfig tunes the pull-based analytics.
type AnalyticsConfig struct {
	AnomalyMultiplier    float64 `mapstructure:"anomaly_multiplier"`
	MinSamples           int     `mapstructure:"min_samples"`
	DefaultLookbackHours int     `mapstructure:"default_lookback_hours"`
	DefaultMaxSamples    int     `mapstructure:"default_max_samples"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled       bool             `mapstructure:"enabled"`
	ThresholdPct  float64          `mapstructure:"threshold_pct"`
	Cooldown      time.Duration    `mapstructure:"cooldown"`
	NotifyOnReset bool             `mapstructure:"notify_on_reset"`
	RatePerMinute int              `mapstructure:"rate_per_minute"`
	QuietHours    QuietHoursConfig `mapstructure:"quiet_hours"`
	Telegram      TelegramConfig   `mapstructure:"telegram"`
	Webhook       WebhookConfig    `mapstructure:"webhook"`
}

// QuietHoursConfig suppresses notifications inside a daily window (HH:MM, local to Timezone).
type QuietHoursConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig posts alerts as JSON to an arbitrary endpoint.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MaintenanceConfig controls store housekeeping after each cycle.
type MaintenanceConfig struct {
	RawRetention     time.Duration `mapstructure:"raw_retention"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	Optimize         bool          `mapstructure:"optimize"`
}

// ServerConfig covers the local query API and discovery descriptor.
type ServerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	PortAttempts   int    `mapstructure:"port_attempts"`
	DescriptorPath string `mapstructure:"descriptor_path"`
}

// SourceConfig declares one polled source and the adapter that reads it.
type SourceConfig struct {
	ID          string            `mapstructure:"id"`
	DisplayName string            `mapstructure:"display_name"`
	Adapter     string            `mapstructure:"adapter"`
	Kind        string            `mapstructure:"kind"`
	System      bool              `mapstructure:"system"`
	APIKey      string            `mapstructure:"api_key"`
	AuthSource  string            `mapstructure:"auth_source"`
	AccountName string            `mapstructure:"account_name"`
	Options     map[string]string `mapstructure:"options"`
}

// HasCredentials reports whether an API key is configured.
func (s SourceConfig) HasCredentials() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// Name returns the display name, falling back to the id.
func (s SourceConfig) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUOTAWATCH")
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
	v.SetDefault("app.name", "quotawatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "quotawatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x71756f74))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.fetch_timeout", "30s")
	v.SetDefault("scheduler.max_concurrency", 8)
	v.SetDefault("scheduler.seed_on_empty", true)
	v.SetDefault("scheduler.heartbeat", "1h")

	v.SetDefault("breaker.threshold", 3)
	v.SetDefault("breaker.base_backoff", "60s")
	v.SetDefault("breaker.max_backoff", "30m")
	v.SetDefault("breaker.max_doublings", 6)

	v.SetDefault("reset.quota_high_pct", 50.0)
	v.SetDefault("reset.quota_drop_ratio", 0.3)
	v.SetDefault("reset.usage_drop_ratio", 0.2)
	v.SetDefault("reset.schedule_slack", "1m")

	v.SetDefault("analytics.anomaly_multiplier", 3.0)
	v.SetDefault("analytics.min_samples", 4)
	v.SetDefault("analytics.default_lookback_hours", 72)
	v.SetDefault("analytics.default_max_samples", 500)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 90.0)
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.notify_on_reset", true)
	v.SetDefault("alerting.rate_per_minute", 20)
	v.SetDefault("alerting.quiet_hours.enabled", false)
	v.SetDefault("alerting.quiet_hours.start", "22:00")
	v.SetDefault("alerting.quiet_hours.end", "07:00")
	v.SetDefault("alerting.quiet_hours.timezone", "Local")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")

	v.SetDefault("maintenance.raw_retention", "336h")
	v.SetDefault("maintenance.history_retention", "720h")
	v.SetDefault("maintenance.optimize", true)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5100)
	v.SetDefault("server.port_attempts", 100)
	v.SetDefault("server.descriptor_path", ".quotawatch.json")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("system_sources", []map[string]any{{
		"id":           DefaultSystemSourceID,
		"display_name": "quotawatch agent",
		"adapter":      "static",
		"kind":         "quota",
		"options":      map[string]string{"status": "agent heartbeat"},
	}})
}

// DefaultSystemSourceID names the built-in system source.
const DefaultSystemSourceID = "quotawatch"

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
	if c.Scheduler.FetchTimeout <= 0 {
		return fmt.Errorf("scheduler.fetch_timeout must be greater than zero")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be greater than zero")
	}
	if c.Breaker.BaseBackoff <= 0 || c.Breaker.MaxBackoff < c.Breaker.BaseBackoff {
		return fmt.Errorf("breaker backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if c.Alerting.ThresholdPct < 0 || c.Alerting.ThresholdPct > 100 {
		return fmt.Errorf("alerting.threshold_pct must be within [0, 100]")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url must be set when the webhook is enabled")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if strings.TrimSpace(src.ID) == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("sources[%d].id %q is duplicated", i, src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	// A configured source shadows a system source with the same id.
	system := make(map[string]struct{}, len(c.SystemSources))
	for i, src := range c.SystemSources {
		if strings.TrimSpace(src.ID) == "" {
			return fmt.Errorf("system_sources[%d].id is required", i)
		}
		if strings.TrimSpace(src.Adapter) == "" {
			return fmt.Errorf("system_sources[%d].adapter is required", i)
		}
		if _, dup := system[src.ID]; dup {
			return fmt.Errorf("system_sources[%d].id %q is duplicated", i, src.ID)
		}
		system[src.ID] = struct{}{}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
