// Package config loads the node's configuration: defaults, then an optional
// YAML file, then environment variables (which always win). A .env file is
// honored when present.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/quantfeed/klined/internal/domain"
)

// Config is the full environment surface of the node.
type Config struct {
	Symbols     []string `env:"SYMBOLS" envSeparator:"," yaml:"symbols"`
	Intervals   []string `env:"INTERVALS" envSeparator:"," yaml:"intervals"`
	QuoteAssets []string `env:"QUOTE_ASSETS" envSeparator:"," yaml:"quote_assets"`

	DBURL      string `env:"DB_URL" yaml:"db_url"`
	DBPoolSize int    `env:"DB_POOL_SIZE" yaml:"db_pool_size"`

	CacheURL         string `env:"CACHE_URL" yaml:"cache_url"`
	CacheTTLSec      int    `env:"CACHE_TTL_SEC_KLINES" yaml:"cache_ttl_sec_klines"`

	BinanceBase string `env:"BINANCE_BASE" yaml:"binance_base"`

	EnableFetcher    bool `env:"ENABLE_FETCHER" yaml:"enable_fetcher"`
	EnableAggregator bool `env:"ENABLE_AGGREGATOR" yaml:"enable_aggregator"`
	FetchConcurrency int  `env:"FETCH_CONCURRENCY" yaml:"fetch_concurrency"`

	InitBackfillDays int  `env:"INIT_BACKFILL_DAYS" yaml:"init_backfill_days"`
	BackfillPull4h   bool `env:"BACKFILL_PULL_4H" yaml:"backfill_pull_4h"`
	InitPull4h       int  `env:"INIT_PULL_4H" yaml:"init_pull_4h"`
	InitPull1m       int  `env:"INIT_PULL_1M" yaml:"init_pull_1m"`

	AutoSyncSymbols       bool `env:"AUTO_SYNC_SYMBOLS" yaml:"auto_sync_symbols"`
	SymbolSyncIntervalSec int  `env:"SYMBOL_SYNC_INTERVAL_SEC" yaml:"symbol_sync_interval_sec"`

	HTTPAddr string `env:"HTTP_ADDR" yaml:"http_addr"`
	LogLevel string `env:"LOG_LEVEL" yaml:"log_level"`
}

// Default returns the configuration the node runs with when nothing is set.
func Default() Config {
	return Config{
		Symbols:               []string{"BTCUSDT", "ETHUSDT"},
		Intervals:             []string{"1m", "3m", "5m", "15m", "1h", "4h", "1d"},
		QuoteAssets:           []string{"USDT"},
		DBURL:                 "sqlite:///data/klines.db",
		DBPoolSize:            10,
		CacheTTLSec:           10,
		BinanceBase:           "https://fapi.binance.com",
		EnableFetcher:         true,
		EnableAggregator:      true,
		FetchConcurrency:      8,
		AutoSyncSymbols:       true,
		SymbolSyncIntervalSec: 300,
		HTTPAddr:              ":8000",
		LogLevel:              "INFO",
	}
}

// Load builds the config: defaults <- optional CONFIG_FILE yaml <- env.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the constraints a running node depends on. Failures here
// are fatal at startup.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: SYMBOLS must not be empty")
	}
	for _, itv := range c.Intervals {
		if _, err := domain.ParseInterval(itv); err != nil {
			return fmt.Errorf("config: INTERVALS: %w", err)
		}
	}
	if c.DBURL == "" {
		return fmt.Errorf("config: DB_URL must not be empty")
	}
	if !strings.HasPrefix(c.DBURL, "sqlite://") && !strings.HasPrefix(c.DBURL, "postgres://") && !strings.HasPrefix(c.DBURL, "postgresql://") {
		return fmt.Errorf("config: DB_URL must be sqlite:// or postgres://, got %q", c.DBURL)
	}
	if c.DBPoolSize < 1 {
		return fmt.Errorf("config: DB_POOL_SIZE must be >= 1")
	}
	if c.CacheTTLSec < 1 {
		return fmt.Errorf("config: CACHE_TTL_SEC_KLINES must be >= 1")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("config: FETCH_CONCURRENCY must be >= 1")
	}
	if c.InitBackfillDays < 0 {
		return fmt.Errorf("config: INIT_BACKFILL_DAYS must be >= 0")
	}
	return nil
}

// UsesPostgres reports whether DB_URL selects the networked backend.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DBURL, "postgres://") || strings.HasPrefix(c.DBURL, "postgresql://")
}
