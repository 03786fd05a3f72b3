package core

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/exec"
	"github.com/web3guy0/polycopy/exit"
	"github.com/web3guy0/polycopy/feeds"
	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/pnl"
	"github.com/web3guy0/polycopy/risk"
	"github.com/web3guy0/polycopy/storage"
	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BOT - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Watcher → Sizer → Execution        (entries)
//   Data API → Exit Engine → Execution (exits)
//   Data API → PnL Tracker → Session   (closure bookkeeping)
//
// All session state lives in owned structs passed into components;
// nothing is process-global.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Bot struct {
	cfg *config.Config

	executor *exec.Client
	data     *feeds.DataClient
	prices   *feeds.PriceFeed
	db       *storage.Database

	session *risk.Session
	watcher *Watcher
	engine  *exit.Engine
	tracker *pnl.Tracker
}

// NewBot wires all components together
func NewBot(cfg *config.Config, executor *exec.Client, data *feeds.DataClient, db *storage.Database, store storage.Store) *Bot {
	session := risk.NewSession(cfg.MaxBuysPerMarket, cfg.ReentryCooldown)
	sizer := risk.NewSizer(risk.SizeMode(cfg.CopyMode), cfg.FixedStake, cfg.MinStake, cfg.MaxStake)
	prices := feeds.NewPriceFeed()

	engine := exit.NewEngine(cfg, executor, data, store)
	engine.SetPriceFeed(prices)
	engine.SetJournal(db)

	tracker := pnl.NewTracker(executor, data, cfg.WalletAddress, cfg.PnLInterval)
	tracker.SetJournal(db)
	tracker.OnPositionClosed(session.RecordClosure)

	watcher := NewWatcher(cfg, data, executor, sizer, session)
	watcher.SetJournal(db)

	return &Bot{
		cfg:      cfg,
		executor: executor,
		data:     data,
		prices:   prices,
		db:       db,
		session:  session,
		watcher:  watcher,
		engine:   engine,
		tracker:  tracker,
	}
}

// Engine exposes the exit engine for notifier wiring
func (b *Bot) Engine() *exit.Engine { return b.engine }

// Watcher exposes the wallet watcher for notifier wiring
func (b *Bot) Watcher() *Watcher { return b.watcher }

// Start brings components up: price feed first so the engine recovers
// with live prices available, tracker last so its first snapshot sees
// any recovered positions
func (b *Bot) Start() error {
	b.prices.Start()

	if err := b.engine.Start(); err != nil {
		return err
	}

	b.watcher.Start()
	b.tracker.Start()

	log.Info().Msg("✅ All systems online")
	return nil
}

// Stop shuts components down in reverse order
func (b *Bot) Stop() {
	b.tracker.Stop()
	b.watcher.Stop()
	b.engine.Stop()
	b.prices.Stop()
}

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM STATS INTERFACE
// ═══════════════════════════════════════════════════════════════════════════════

// SessionStats returns win/loss counts plus realized and unrealized PnL
func (b *Bot) SessionStats() (wins, losses int, realized, unrealized decimal.Decimal) {
	wins, losses, realized = b.tracker.Stats()
	unrealized = b.tracker.UnrealizedPnL()
	return
}

// OpenPositions returns the latest portfolio snapshot's positions
func (b *Bot) OpenPositions() []types.PositionSnapshot {
	return b.tracker.OpenPositions()
}

// TrackedCount returns how many positions the exit engine manages
func (b *Bot) TrackedCount() int {
	return b.engine.TrackedCount()
}

// Balance returns current free USDC
func (b *Bot) Balance() (decimal.Decimal, error) {
	return b.executor.GetBalance()
}
