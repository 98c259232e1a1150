package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the trading core
type Config struct {
	// Mode
	Debug bool

	// Exchange
	ExchangeBaseURL   string
	ExchangeAPIKey    string
	ExchangeAPISecret string
	MaxOpenPositions  int // cap on venue-reported open positions per fetch

	// Rate limiting / retries
	RateLimitCalls  int
	RateLimitWindow time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMultiplier float64

	// Guardrails
	DailyLossLimitPct    decimal.Decimal // fraction of portfolio, e.g. 0.05
	WeeklyLossLimitPct   decimal.Decimal
	MaxDrawdownPct       decimal.Decimal
	MaxConcurrent        int
	MaxPositionFraction  decimal.Decimal // of portfolio per position
	MinConfidence        decimal.Decimal
	MinVolume24h         decimal.Decimal
	MaxSpreadPct         decimal.Decimal
	TradingHourStart     int // UTC hour, inclusive
	TradingHourEnd       int // UTC hour, exclusive; start==end means always on
	MaxConsecutiveLosses int
	FlashCrashPct        decimal.Decimal
	FlashCrashWindow     time.Duration
	ExtremeVolatilityPct decimal.Decimal
	HibernationCooldown  time.Duration

	// Exits
	StopLossPct         decimal.Decimal
	TakeProfitPct       decimal.Decimal
	PartialTakeFrac     decimal.Decimal // fraction closed at each TP rung
	TrailingStartPct    decimal.Decimal
	TrailingDistancePct decimal.Decimal
	MaxHoldTime         time.Duration

	// Ledger
	DatabasePath   string
	StaleThreshold time.Duration

	// Coordinator
	TickInterval      time.Duration
	ReconcileInterval time.Duration
	InitialEquity     decimal.Decimal

	// Feeds
	TickerWSURL string

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", "https://api.exchange.local"),
		ExchangeAPIKey:    os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret: os.Getenv("EXCHANGE_API_SECRET"),
		MaxOpenPositions:  getEnvInt("MAX_OPEN_POSITIONS", 50),

		RateLimitCalls:  getEnvInt("RATE_LIMIT_CALLS", 60),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		MaxRetries:      getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay:  getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMultiplier: getEnvFloat("RETRY_MULTIPLIER", 2.0),

		DailyLossLimitPct:    getEnvDecimal("DAILY_LOSS_LIMIT_PCT", decimal.NewFromFloat(0.05)),
		WeeklyLossLimitPct:   getEnvDecimal("WEEKLY_LOSS_LIMIT_PCT", decimal.NewFromFloat(0.10)),
		MaxDrawdownPct:       getEnvDecimal("MAX_DRAWDOWN_PCT", decimal.NewFromFloat(0.15)),
		MaxConcurrent:        getEnvInt("MAX_CONCURRENT_POSITIONS", 5),
		MaxPositionFraction:  getEnvDecimal("MAX_POSITION_FRACTION", decimal.NewFromFloat(0.25)),
		MinConfidence:        getEnvDecimal("MIN_CONFIDENCE", decimal.NewFromFloat(0.55)),
		MinVolume24h:         getEnvDecimal("MIN_VOLUME_24H", decimal.NewFromInt(1_000_000)),
		MaxSpreadPct:         getEnvDecimal("MAX_SPREAD_PCT", decimal.NewFromFloat(0.5)),
		TradingHourStart:     getEnvInt("TRADING_HOUR_START", 0),
		TradingHourEnd:       getEnvInt("TRADING_HOUR_END", 0),
		MaxConsecutiveLosses: getEnvInt("MAX_CONSECUTIVE_LOSSES", 4),
		FlashCrashPct:        getEnvDecimal("FLASH_CRASH_PCT", decimal.NewFromFloat(0.08)),
		FlashCrashWindow:     getEnvDuration("FLASH_CRASH_WINDOW", 5*time.Minute),
		ExtremeVolatilityPct: getEnvDecimal("EXTREME_VOLATILITY_PCT", decimal.NewFromFloat(0.06)),
		HibernationCooldown:  getEnvDuration("HIBERNATION_COOLDOWN", time.Hour),

		StopLossPct:         getEnvDecimal("STOP_LOSS_PCT", decimal.NewFromFloat(0.03)),
		TakeProfitPct:       getEnvDecimal("TAKE_PROFIT_PCT", decimal.NewFromFloat(0.06)),
		PartialTakeFrac:     getEnvDecimal("PARTIAL_TAKE_FRACTION", decimal.NewFromFloat(0.5)),
		TrailingStartPct:    getEnvDecimal("TRAILING_START_PCT", decimal.NewFromFloat(0.04)),
		TrailingDistancePct: getEnvDecimal("TRAILING_DISTANCE_PCT", decimal.NewFromFloat(0.02)),
		MaxHoldTime:         getEnvDuration("MAX_HOLD_TIME", 48*time.Hour),

		DatabasePath:   getEnv("DATABASE_PATH", "data/tradeguard.db"),
		StaleThreshold: getEnvDuration("STALE_POSITION_THRESHOLD", 72*time.Hour),

		TickInterval:      getEnvDuration("TICK_INTERVAL", 30*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		InitialEquity:     getEnvDecimal("INITIAL_EQUITY", decimal.NewFromInt(10000)),

		TickerWSURL: os.Getenv("TICKER_WS_URL"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.RateLimitCalls <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_CALLS must be positive")
	}
	if cfg.TradingHourStart < 0 || cfg.TradingHourStart > 23 || cfg.TradingHourEnd < 0 || cfg.TradingHourEnd > 23 {
		return nil, fmt.Errorf("trading hours must be within 0-23")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
