package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/feeds"
	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/risk"
	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WALLET WATCHER - Trade detection and copy execution
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls each target wallet's trade history, dedups by trade id, sizes
// every new BUY through the position sizer, and mirrors it with a
// capped slippage premium. SELLs are mirrored by liquidating our own
// holding of the same token; the exit engine handles everything after
// entry.
//
// ═══════════════════════════════════════════════════════════════════════════════

const tradeFetchLimit = 50

// Executor is the order capability the watcher needs
type Executor interface {
	ExecuteTrade(tokenID string, side types.Side, usdAmount, price decimal.Decimal, orderType types.OrderType) (*types.TradeResult, error)
	GetBalance() (decimal.Decimal, error)
}

// CopyJournal records copy trades
type CopyJournal interface {
	LogTrade(orderID, tokenID, market string, side, action string, price, usdAmount decimal.Decimal, wallet string)
}

// CopyNotifier announces executed copies
type CopyNotifier interface {
	NotifyCopy(market string, side types.Side, price, usdAmount decimal.Decimal, wallet string)
}

type Watcher struct {
	mu sync.Mutex

	cfg      *config.Config
	data     *feeds.DataClient
	executor Executor
	sizer    *risk.Sizer
	session  *risk.Session

	journal  CopyJournal
	notifier CopyNotifier

	// wallet -> trade ids from the last fetch window. The feed is
	// newest-first with a fixed limit, so an id that leaves the window
	// cannot return; replacing the set each poll bounds it at the limit.
	seen map[string]map[string]struct{}

	running bool
	stopCh  chan struct{}
}

// NewWatcher creates the wallet watcher
func NewWatcher(cfg *config.Config, data *feeds.DataClient, executor Executor, sizer *risk.Sizer, session *risk.Session) *Watcher {
	return &Watcher{
		cfg:      cfg,
		data:     data,
		executor: executor,
		sizer:    sizer,
		session:  session,
		seen:     make(map[string]map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// SetJournal wires the trade log
func (w *Watcher) SetJournal(j CopyJournal) { w.journal = j }

// SetNotifier wires copy notifications
func (w *Watcher) SetNotifier(n CopyNotifier) { w.notifier = n }

// Start begins polling target wallets
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.loop()

	log.Info().
		Strs("wallets", w.cfg.TargetWallets).
		Dur("interval", w.cfg.WatchInterval).
		Msg("👀 Wallet watcher started")
}

// Stop halts the watcher
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)

	log.Info().Msg("Wallet watcher stopped")
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.cycle()
		}
	}
}

func (w *Watcher) cycle() {
	for _, wallet := range w.cfg.TargetWallets {
		trades, err := w.data.GetTrades(wallet, tradeFetchLimit)
		if err != nil {
			log.Warn().Err(err).Str("wallet", wallet).Msg("Trade fetch failed")
			continue
		}

		w.mu.Lock()
		prev := w.seen[wallet]
		current := make(map[string]struct{}, len(trades))
		fresh := make([]types.ObservedTrade, 0, len(trades))
		for _, tr := range trades {
			current[tr.ID] = struct{}{}
			if _, dup := prev[tr.ID]; dup {
				continue
			}
			fresh = append(fresh, tr)
		}
		w.seen[wallet] = current
		w.mu.Unlock()

		// First poll only seeds the dedup window; replaying a wallet's
		// entire visible history would copy stale trades
		if prev == nil {
			log.Info().
				Str("wallet", wallet).
				Int("seeded", len(fresh)).
				Msg("Trade history seeded")
			continue
		}

		// Oldest first so multi-trade bursts replay in order
		for i := len(fresh) - 1; i >= 0; i-- {
			w.processTrade(fresh[i])
		}
	}
}

func (w *Watcher) processTrade(tr types.ObservedTrade) {
	switch tr.Side {
	case types.SideBuy:
		w.copyBuy(tr)
	case types.SideSell:
		w.mirrorSell(tr)
	}
}

// copyBuy sizes and places our copy of a counterpart's buy
func (w *Watcher) copyBuy(tr types.ObservedTrade) {
	if !w.session.CanBuy(tr.TokenID) {
		return
	}

	ourBalance, err := w.executor.GetBalance()
	if err != nil {
		log.Warn().Err(err).Msg("Balance fetch failed, skipping copy")
		return
	}

	theirBalance, err := w.data.GetPortfolioValue(tr.Wallet)
	if err != nil {
		log.Debug().Err(err).Str("wallet", tr.Wallet).Msg("Counterpart value unknown")
		theirBalance = decimal.Zero
	}

	stake := w.sizer.Stake(tr.UsdAmount, theirBalance, ourBalance)

	// Pay at most a capped premium over the counterpart's fill
	limit := tr.Price.Mul(decimal.NewFromInt(1).Add(w.cfg.MaxSlippage))
	if maxPrice := decimal.NewFromFloat(0.99); limit.GreaterThan(maxPrice) {
		limit = maxPrice
	}
	limit = limit.Round(3)

	res, err := w.executor.ExecuteTrade(tr.TokenID, types.SideBuy, stake, limit, types.OrderGTC)
	if err != nil {
		log.Error().Err(err).Str("market", tr.MarketLabel).Msg("Copy buy failed")
		return
	}
	if !res.Success {
		log.Warn().
			Str("market", tr.MarketLabel).
			Str("error", res.Error).
			Msg("Copy buy rejected")
		return
	}

	w.session.RecordBuy(tr.TokenID)

	log.Info().
		Str("market", tr.MarketLabel).
		Str("wallet", tr.Wallet).
		Str("their_usd", tr.UsdAmount.StringFixed(2)).
		Str("our_usd", stake.StringFixed(2)).
		Str("limit", limit.StringFixed(3)).
		Msg("📋 Copy buy placed")

	if w.journal != nil {
		w.journal.LogTrade(res.OrderID, tr.TokenID, tr.MarketLabel, string(types.SideBuy), "COPY_BUY", limit, stake, tr.Wallet)
	}
	if w.notifier != nil {
		w.notifier.NotifyCopy(tr.MarketLabel, types.SideBuy, limit, stake, tr.Wallet)
	}
}

// mirrorSell liquidates our holding when the counterpart sells theirs
func (w *Watcher) mirrorSell(tr types.ObservedTrade) {
	ours, err := w.data.GetPositions(w.cfg.WalletAddress)
	if err != nil {
		log.Warn().Err(err).Msg("Own position fetch failed, skipping mirror sell")
		return
	}

	var held *types.Position
	for i := range ours {
		if ours[i].TokenID == tr.TokenID {
			held = &ours[i]
			break
		}
	}
	if held == nil {
		return
	}

	// Accept a capped discount below the counterpart's fill
	limit := tr.Price.Mul(decimal.NewFromInt(1).Sub(w.cfg.MaxSlippage)).Round(3)
	if limit.LessThanOrEqual(decimal.Zero) {
		return
	}
	usd := held.Size.Mul(limit)

	res, err := w.executor.ExecuteTrade(tr.TokenID, types.SideSell, usd, limit, types.OrderGTC)
	if err != nil {
		log.Error().Err(err).Str("market", tr.MarketLabel).Msg("Mirror sell failed")
		return
	}
	if !res.Success {
		log.Warn().
			Str("market", tr.MarketLabel).
			Str("error", res.Error).
			Msg("Mirror sell rejected")
		return
	}

	log.Info().
		Str("market", tr.MarketLabel).
		Str("wallet", tr.Wallet).
		Str("limit", limit.StringFixed(3)).
		Str("usd", usd.StringFixed(2)).
		Msg("📋 Mirror sell placed")

	if w.journal != nil {
		w.journal.LogTrade(res.OrderID, tr.TokenID, tr.MarketLabel, string(types.SideSell), "MIRROR_SELL", limit, usd, tr.Wallet)
	}
	if w.notifier != nil {
		w.notifier.NotifyCopy(tr.MarketLabel, types.SideSell, limit, usd, tr.Wallet)
	}
}
