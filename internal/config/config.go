// Package config materialises application configuration from file,
// environment, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/PedroDnT/delos-oracle/internal/logging"
)

// Config is the full application configuration tree.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	BCB       BCBConfig       `mapstructure:"bcb"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	API       APIConfig       `mapstructure:"api"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig locates the embedded SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BCBConfig covers the statistics API and its retry policy.
type BCBConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// OracleConfig covers on-chain access and submission.
type OracleConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
}

// AnomalyConfig tunes the statistical screens.
type AnomalyConfig struct {
	StdThreshold      float64 `mapstructure:"std_threshold"`
	VelocityThreshold float64 `mapstructure:"velocity_threshold"`
	MinHistorySize    int     `mapstructure:"min_history_size"`
	LookbackDays      int     `mapstructure:"lookback_days"`
}

// SchedulerConfig governs job cadence. Times are wall-clock in Timezone.
type SchedulerConfig struct {
	Timezone         string        `mapstructure:"timezone"`
	CalendarMIC      string        `mapstructure:"calendar_mic"`
	DailyHour        int           `mapstructure:"daily_hour"`
	DailyMinute      int           `mapstructure:"daily_minute"`
	DailyGrace       time.Duration `mapstructure:"daily_grace"`
	MonthlyDay       int           `mapstructure:"monthly_day"`
	MonthlyHour      int           `mapstructure:"monthly_hour"`
	MonthlyMinute    int           `mapstructure:"monthly_minute"`
	MonthlyGrace     time.Duration `mapstructure:"monthly_grace"`
	StaleSweepEvery  time.Duration `mapstructure:"stale_sweep_every"`
	BusinessDaysOnly bool          `mapstructure:"business_days_only"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram delivery channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DELOS")
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
	v.SetDefault("app.name", "delos-oracle")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.path", "data/rates.db")

	v.SetDefault("bcb.base_url", "https://api.bcb.gov.br/dados/serie")
	v.SetDefault("bcb.request_timeout", "30s")
	v.SetDefault("bcb.user_agent", "delos-oracle/1.0")
	v.SetDefault("bcb.max_retries", 3)
	v.SetDefault("bcb.retry_base_delay", "1s")
	v.SetDefault("bcb.retry_max_delay", "60s")

	v.SetDefault("oracle.rpc_url", "https://sepolia-rollup.arbitrum.io/rpc")
	v.SetDefault("oracle.request_timeout", "10s")
	v.SetDefault("oracle.confirm_timeout", "3m")

	v.SetDefault("anomaly.std_threshold", 3.0)
	v.SetDefault("anomaly.velocity_threshold", 0.5)
	v.SetDefault("anomaly.min_history_size", 5)
	v.SetDefault("anomaly.lookback_days", 30)

	v.SetDefault("scheduler.timezone", "America/Sao_Paulo")
	v.SetDefault("scheduler.calendar_mic", "bvmf")
	v.SetDefault("scheduler.daily_hour", 19)
	v.SetDefault("scheduler.daily_minute", 0)
	v.SetDefault("scheduler.daily_grace", "1h")
	v.SetDefault("scheduler.monthly_day", 10)
	v.SetDefault("scheduler.monthly_hour", 10)
	v.SetDefault("scheduler.monthly_minute", 0)
	v.SetDefault("scheduler.monthly_grace", "24h")
	v.SetDefault("scheduler.stale_sweep_every", "4h")
	v.SetDefault("scheduler.business_days_only", true)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

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
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must be set")
	}
	if c.BCB.MaxRetries < 0 {
		return fmt.Errorf("bcb.max_retries cannot be negative")
	}
	if c.Anomaly.StdThreshold <= 0 {
		return fmt.Errorf("anomaly.std_threshold must be greater than zero")
	}
	if c.Anomaly.LookbackDays <= 0 {
		return fmt.Errorf("anomaly.lookback_days must be greater than zero")
	}
	if c.Scheduler.DailyHour < 0 || c.Scheduler.DailyHour > 23 {
		return fmt.Errorf("scheduler.daily_hour out of range")
	}
	if c.Scheduler.MonthlyDay < 1 || c.Scheduler.MonthlyDay > 28 {
		return fmt.Errorf("scheduler.monthly_day must be between 1 and 28")
	}
	if c.Scheduler.StaleSweepEvery <= 0 {
		return fmt.Errorf("scheduler.stale_sweep_every must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
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
