package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Polymarket API
	PolymarketAPIURL  string
	PolymarketCLOBURL string

	// CLOB Credentials
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string

	// Wallet
	WalletPrivateKey string
	WalletAddress    string

	// Copy Trading
	TargetWallets    []string
	CopyMode         string          // "proportional" or "fixed"
	FixedStake       decimal.Decimal // USD per copied trade in fixed mode
	MinStake         decimal.Decimal
	MaxStake         decimal.Decimal
	MaxSlippage      decimal.Decimal // max premium over the counterpart's price
	MaxBuysPerMarket int
	ReentryCooldown  time.Duration
	WatchInterval    time.Duration

	// Exit Engine
	ProfitTriggerPct      decimal.Decimal // start managing at this unrealized profit
	TrailingStopPct       decimal.Decimal
	SportsTrailingStopPct decimal.Decimal // wider trail for volatile sports markets
	SportsPatterns        []string
	UpdateThresholdPct    decimal.Decimal // reposition when order lags peak by this much
	ExitPollInterval      time.Duration
	MaxUpdateAttempts     int
	StopLossEnabled       bool

	// PnL Tracker
	PnLInterval time.Duration

	// Persistence
	StateFile    string
	DatabaseURL  string
	DatabasePath string

	// Telegram
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		PolymarketAPIURL:  getEnv("POLYMARKET_API_URL", "https://data-api.polymarket.com"),
		PolymarketCLOBURL: getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),

		CLOBApiKey:     os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:  os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase: os.Getenv("CLOB_PASSPHRASE"),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		WalletAddress:    os.Getenv("WALLET_ADDRESS"),

		TargetWallets:    getEnvList("TARGET_WALLETS"),
		CopyMode:         getEnv("COPY_MODE", "proportional"),
		FixedStake:       getEnvDecimal("FIXED_STAKE", decimal.NewFromInt(10)),
		MinStake:         getEnvDecimal("MIN_STAKE", decimal.NewFromInt(5)),
		MaxStake:         getEnvDecimal("MAX_STAKE", decimal.NewFromInt(100)),
		MaxSlippage:      getEnvDecimal("MAX_SLIPPAGE", decimal.NewFromFloat(0.05)),
		MaxBuysPerMarket: getEnvInt("MAX_BUYS_PER_MARKET", 2),
		ReentryCooldown:  getEnvDuration("REENTRY_COOLDOWN", 30*time.Minute),
		WatchInterval:    getEnvDuration("WATCH_INTERVAL", 5*time.Second),

		ProfitTriggerPct:      getEnvDecimal("PROFIT_TRIGGER_PCT", decimal.NewFromFloat(0.10)),
		TrailingStopPct:       getEnvDecimal("TRAILING_STOP_PCT", decimal.NewFromFloat(0.15)),
		SportsTrailingStopPct: getEnvDecimal("SPORTS_TRAILING_STOP_PCT", decimal.NewFromFloat(0.25)),
		SportsPatterns:        getEnvListDefault("SPORTS_PATTERNS", []string{"NBA", "NFL", "NHL", "MLB", "UFC", " vs. ", " vs "}),
		UpdateThresholdPct:    getEnvDecimal("UPDATE_THRESHOLD_PCT", decimal.NewFromFloat(0.05)),
		ExitPollInterval:      getEnvDuration("EXIT_POLL_INTERVAL", 2*time.Second),
		MaxUpdateAttempts:     getEnvInt("MAX_UPDATE_ATTEMPTS", 3),
		StopLossEnabled:       getEnvBool("STOP_LOSS_ENABLED", true),

		PnLInterval: getEnvDuration("PNL_INTERVAL", 30*time.Second),

		StateFile:    getEnv("STATE_FILE", "data/tracked_positions.json"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DatabasePath: getEnv("DATABASE_PATH", "data/polycopy.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.CopyMode != "proportional" && cfg.CopyMode != "fixed" {
		return nil, fmt.Errorf("invalid COPY_MODE %q (want proportional or fixed)", cfg.CopyMode)
	}

	if len(cfg.TargetWallets) == 0 {
		return nil, fmt.Errorf("TARGET_WALLETS is required")
	}

	if cfg.WalletAddress == "" {
		return nil, fmt.Errorf("WALLET_ADDRESS is required")
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

func getEnvList(key string) []string {
	return getEnvListDefault(key, nil)
}

func getEnvListDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
