// Polycopy - Copy-trading bot for Polymarket
//
// Watches designated wallets, mirrors their buys proportionally to our
// own balance, and manages every resulting position's exit with a
// trailing take-profit engine backed by an emergency liquidation
// cascade. Tracking state survives restarts via a local JSON table
// reconciled against the live position set on boot.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/bot"
	"github.com/web3guy0/polycopy/core"
	"github.com/web3guy0/polycopy/exec"
	"github.com/web3guy0/polycopy/feeds"
	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/storage"
)

const version = "1.2.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Strs("wallets", cfg.TargetWallets).
		Str("mode", cfg.CopyMode).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ Polycopy starting...")

	// Trade journal (SQLite by default, Postgres via DATABASE_URL)
	db, err := storage.New(cfg.DatabasePath, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open journal database")
	}

	// Durable tracking table for the exit engine
	store := storage.NewFileStore(cfg.StateFile)

	// Execution client
	executor, err := exec.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize execution client")
	}

	// Data API client
	data := feeds.NewDataClient(cfg.PolymarketAPIURL)

	// Wire everything
	copyBot := core.NewBot(cfg, executor, data, db, store)

	// Telegram (optional)
	telegram, err := bot.NewTelegramBot(cfg, copyBot)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}
	if telegram != nil {
		copyBot.Engine().SetNotifier(telegram)
		copyBot.Watcher().SetNotifier(telegram)
		telegram.Start()
	}

	if err := copyBot.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bot")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	copyBot.Stop()
	telegram.Stop()

	log.Info().Msg("👋 Goodbye!")
}
