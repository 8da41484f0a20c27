// Package config loads the engine configuration from the environment, with
// an optional .env file preloaded.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/pair"
)

// Config is the full runtime configuration.
type Config struct {
	Port string

	// Storage
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration

	// Pool
	WalletID         string
	WalletAutocreate bool

	// Trade cycle
	TradeInterval       time.Duration
	TopN                int
	QuoteAsset          string
	AllocationPercent   decimal.Decimal
	MinAllocation       decimal.Decimal
	MaxAllocation       decimal.Decimal
	MaxConcurrentTrades int
	DryRun              bool
	FailedBuyPolicy     string
	TakeProfitPct       decimal.Decimal
	StopLossPct         decimal.Decimal
	WinProbability      float64

	// Lock
	LockBackend string
	LockTTL     time.Duration

	// Exchange
	BinanceTestnet    bool
	BinanceAPIKey     string
	BinanceAPISecret  string
	ExchangeRateLimit int

	// Growth simulator
	GrowthInterval time.Duration
	GrowthMinPct   decimal.Decimal
	GrowthMaxPct   decimal.Decimal

	// Telegram
	TelegramToken       string
	TelegramAdminChatID int64

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    p.duration("CACHE_TTL", 30*time.Second),

		WalletID:         getEnv("WALLET_ID", "main"),
		WalletAutocreate: p.boolean("WALLET_AUTOCREATE", true),

		TradeInterval:       time.Duration(p.integer("TRADE_INTERVAL_MINUTES", 60)) * time.Minute,
		TopN:                p.integer("TOP_N", 100),
		QuoteAsset:          strings.ToUpper(getEnv("QUOTE_ASSET", "USDT")),
		AllocationPercent:   p.decimal("ALLOCATION_PERCENT_PER_TRADE", "0.01"),
		MinAllocation:       p.decimal("MIN_ALLOCATION", "1"),
		MaxAllocation:       p.decimal("MAX_ALLOCATION", "0"),
		MaxConcurrentTrades: p.integer("MAX_CONCURRENT_TRADES", 10),
		DryRun:              p.boolean("DRY_RUN", true),
		FailedBuyPolicy:     getEnv("FAILED_BUY_POLICY", "refund"),
		TakeProfitPct:       p.decimal("TAKE_PROFIT_PCT", "0.10"),
		StopLossPct:         p.decimal("STOP_LOSS_PCT", "0.02"),
		WinProbability:      p.float("WIN_PROBABILITY", 0.5),

		LockBackend: strings.ToLower(getEnv("LOCK_BACKEND", "store")),
		LockTTL:     p.duration("LOCK_TTL", 15*time.Minute),

		BinanceTestnet:    p.boolean("BINANCE_TESTNET", true),
		BinanceAPIKey:     getEnv("BINANCE_API_KEY", ""),
		BinanceAPISecret:  getEnv("BINANCE_API_SECRET", ""),
		ExchangeRateLimit: p.integer("EXCHANGE_RATE_LIMIT", 10),

		GrowthInterval: p.duration("GROWTH_INTERVAL", 0),
		GrowthMinPct:   p.decimal("GROWTH_MIN_PCT", "4"),
		GrowthMaxPct:   p.decimal("GROWTH_MAX_PCT", "15"),

		TelegramToken:       getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAdminChatID: p.int64("TELEGRAM_ADMIN_CHAT_ID", 0),

		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  p.integer("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups: p.integer("LOG_MAX_BACKUPS", 3),
		LogMaxAgeDays: p.integer("LOG_MAX_AGE_DAYS", 28),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that parsing alone cannot.
func (c *Config) Validate() error {
	if c.WalletID == "" {
		return fmt.Errorf("WALLET_ID must not be empty")
	}
	if !pair.ValidAsset(c.QuoteAsset) {
		return fmt.Errorf("QUOTE_ASSET must be an asset code such as USDT, got %q", c.QuoteAsset)
	}
	if c.TradeInterval < time.Minute {
		return fmt.Errorf("TRADE_INTERVAL_MINUTES must be >= 1")
	}
	if c.TopN < 1 {
		return fmt.Errorf("TOP_N must be >= 1")
	}
	if c.MaxConcurrentTrades < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TRADES must be >= 1")
	}
	one := decimal.NewFromInt(1)
	if !c.AllocationPercent.IsPositive() || c.AllocationPercent.GreaterThan(one) {
		return fmt.Errorf("ALLOCATION_PERCENT_PER_TRADE must be in (0, 1]")
	}
	if c.WinProbability < 0 || c.WinProbability > 1 {
		return fmt.Errorf("WIN_PROBABILITY must be in [0, 1]")
	}
	if c.TakeProfitPct.IsNegative() || c.StopLossPct.IsNegative() || c.StopLossPct.GreaterThanOrEqual(one) {
		return fmt.Errorf("TAKE_PROFIT_PCT must be >= 0 and STOP_LOSS_PCT in [0, 1)")
	}
	if c.GrowthMaxPct.LessThan(c.GrowthMinPct) {
		return fmt.Errorf("GROWTH_MAX_PCT must be >= GROWTH_MIN_PCT")
	}
	if c.LockTTL < time.Minute {
		return fmt.Errorf("LOCK_TTL must be >= 1m and outlast the longest cycle")
	}
	switch c.LockBackend {
	case "store":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be store or redis, got %q", c.LockBackend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// parser keeps the first malformed value it sees.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) integer(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) int64(key string, fallback int64) int64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return f
}

func (p *parser) boolean(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return b
}

func (p *parser) decimal(key, fallback string) decimal.Decimal {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, v, err)
		return decimal.Zero
	}
	return d
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return dur
}
