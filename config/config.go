package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Market    MarketConfig    `mapstructure:"market"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Traders   []TraderConfig  `mapstructure:"traders"`
	Log       LogConfig       `mapstructure:"log"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
}

type ExchangeConfig struct {
	Category string     `mapstructure:"category"` // e.g. "linear", "spot"
	REST     RESTConfig `mapstructure:"rest"`
	WS       WSConfig   `mapstructure:"ws"`
}

type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}
type WSConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MarketConfig tunes the in-memory series cache and backfill behavior.
type MarketConfig struct {
	Retention       int        `mapstructure:"retention"`        // bars kept per series
	PrimaryInterval string     `mapstructure:"primary_interval"` // interval fetched at full depth
	PrimaryLimit    int        `mapstructure:"primary_limit"`
	SecondaryLimit  int        `mapstructure:"secondary_limit"`
	BusBuffer       int        `mapstructure:"bus_buffer"`
	Rate            RateConfig `mapstructure:"rate"`
}

type RateConfig struct {
	Capacity     int `mapstructure:"capacity"`
	RefillPerSec int `mapstructure:"refill_per_sec"`
}

// SchedulerConfig tunes trader admission and lifecycle handling.
type SchedulerConfig struct {
	GlobalLimit   int            `mapstructure:"global_limit"`
	TierLimits    map[string]int `mapstructure:"tier_limits"`
	StopTimeout   time.Duration  `mapstructure:"stop_timeout"`
	RetryCooldown time.Duration  `mapstructure:"retry_cooldown"`
	RetryBudget   int            `mapstructure:"retry_budget"`
	GCGrace       time.Duration  `mapstructure:"gc_grace"`
	LoopTick      time.Duration  `mapstructure:"loop_tick"`
}

// TraderConfig declares one roster entry started at boot.
type TraderConfig struct {
	ID       string         `mapstructure:"id"`
	Owner    string         `mapstructure:"owner"`
	Tier     string         `mapstructure:"tier"`
	Keys     []KeyConfig    `mapstructure:"keys"`
	Strategy StrategyConfig `mapstructure:"strategy"`
}

type KeyConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Interval string `mapstructure:"interval"`
}

type StrategyConfig struct {
	Fast int `mapstructure:"fast"`
	Slow int `mapstructure:"slow"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}
	v.AddConfigPath("./config")

	// Support environment variables with dot notation (e.g., EXCHANGE_WS_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	return &cfg
}
