package exit

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/storage"
	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT ENGINE - Trailing take-profit with emergency liquidation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the tracked-position table. Each poll cycle:
//   1. drop tracked entries whose instrument left the live position set
//   2. start tracking positions that crossed the profit trigger
//   3. for tracked positions: ratchet the peak, reposition the sell
//      order as price moves, and escalate to the liquidation cascade
//      when the trailing stop breaches or repositioning keeps failing
//
// The table is persisted on every state-defining mutation plus a
// periodic safety net, and reconciled against live positions on start.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Sell orders rest this fraction below the current price
var orderDiscount = decimal.NewFromFloat(0.02)

// Guaranteed-minimum-profit floor: no normal exit order below entry × 1.03
var minProfitFloor = decimal.NewFromFloat(1.03)

// lossTolerance is the worst realized loss (vs entry) a trailing-stop
// sale may accept. Kept as a named constant; whether it should track
// fees instead is an open question upstream.
var lossTolerance = decimal.NewFromFloat(-0.01)

const (
	repositionInterval = 60 * time.Second // at most one reposition per window
	persistInterval    = 60 * time.Second // safety-net save cadence
	wsPriceMaxAge      = 10 * time.Second
)

// Trader is the order-placement capability the engine consumes
type Trader interface {
	ExecuteTrade(tokenID string, side types.Side, usdAmount, price decimal.Decimal, orderType types.OrderType) (*types.TradeResult, error)
	CancelOrder(orderID string) bool
	GetBestBid(tokenID string) (decimal.Decimal, error)
}

// PositionSource returns the authoritative live position set
type PositionSource interface {
	GetPositions(wallet string) ([]types.Position, error)
}

// PriceSource provides fresher prices between position polls
type PriceSource interface {
	GetPrice(tokenID string, maxAge time.Duration) (decimal.Decimal, bool)
	Subscribe(tokenID string)
	Unsubscribe(tokenID string)
}

// Journal records order actions for the trade log
type Journal interface {
	LogTrade(orderID, tokenID, market string, side, action string, price, usdAmount decimal.Decimal, wallet string)
}

// Notifier pushes exit events to the operator
type Notifier interface {
	NotifyExit(event, market string, price, pnlPct decimal.Decimal)
}

type Engine struct {
	mu sync.Mutex

	cfg    *config.Config
	trader Trader
	source PositionSource
	store  storage.Store
	wallet string

	// Optional wiring
	prices   PriceSource
	journal  Journal
	notifier Notifier

	tracked     map[string]*types.TrackedPosition
	lastPersist time.Time

	running bool
	stopCh  chan struct{}
}

// NewEngine creates the exit engine
func NewEngine(cfg *config.Config, trader Trader, source PositionSource, store storage.Store) *Engine {
	return &Engine{
		cfg:     cfg,
		trader:  trader,
		source:  source,
		store:   store,
		wallet:  cfg.WalletAddress,
		tracked: make(map[string]*types.TrackedPosition),
		stopCh:  make(chan struct{}),
	}
}

// SetPriceFeed wires the live price cache
func (e *Engine) SetPriceFeed(prices PriceSource) { e.prices = prices }

// SetJournal wires the trade log
func (e *Engine) SetJournal(j Journal) { e.journal = j }

// SetNotifier wires operator notifications
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Start recovers persisted state and begins the poll loop
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if err := e.recover(); err != nil {
		return err
	}

	go e.loop()

	log.Info().
		Str("profit_trigger", e.cfg.ProfitTriggerPct.String()).
		Str("trailing_stop", e.cfg.TrailingStopPct.String()).
		Bool("stop_loss", e.cfg.StopLossEnabled).
		Msg("⚡ Exit engine started")

	return nil
}

// Stop halts the poll loop after the current cycle and saves state
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
	e.persistLocked()

	log.Info().Msg("Exit engine stopped")
}

// TrackedCount returns how many positions are under management
func (e *Engine) TrackedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracked)
}

// Tracked returns a copy of the tracking table
func (e *Engine) Tracked() []types.TrackedPosition {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.TrackedPosition, 0, len(e.tracked))
	for _, t := range e.tracked {
		out = append(out, *t)
	}
	return out
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.cfg.ExitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.cycle()
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

// recover loads the persisted table and reconciles it against the live
// position set. Orders may have filled or been cancelled while the
// process was down, so saved order ids are always discarded; the market
// may have moved up, so the peak is ratcheted to the current price.
func (e *Engine) recover() error {
	saved, err := e.store.Load()
	if err != nil {
		return err
	}
	if len(saved) == 0 {
		return nil
	}

	live, err := e.source.GetPositions(e.wallet)
	liveByToken := make(map[string]types.Position, len(live))
	if err != nil {
		// Keep the saved table; the first successful cycle reconciles.
		// Saved order ids are still discarded, they may have filled or
		// died while the process was down.
		log.Warn().Err(err).Msg("Recovery position fetch failed, deferring reconciliation")
		for i := range saved {
			t := saved[i]
			t.ActiveOrderID = ""
			t.ActiveOrderPrice = decimal.Zero
			e.tracked[t.TokenID] = &t
		}
		return nil
	}
	for _, p := range live {
		liveByToken[p.TokenID] = p
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := 0
	for i := range saved {
		t := saved[i]
		pos, held := liveByToken[t.TokenID]
		if !held {
			log.Info().
				Str("market", t.MarketLabel).
				Msg("🧹 Dropping tracked position no longer held")
			continue
		}

		t.ActiveOrderID = ""
		t.ActiveOrderPrice = decimal.Zero
		t.Size = pos.Size
		if pos.CurrentPrice.GreaterThan(t.HighestPrice) {
			t.HighestPrice = pos.CurrentPrice
		}

		e.tracked[t.TokenID] = &t
		e.subscribe(t.TokenID)
		kept++
	}

	e.persistLocked()

	log.Info().
		Int("recovered", kept).
		Int("dropped", len(saved)-kept).
		Msg("♻️ Tracking table recovered")

	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// POLL CYCLE
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) cycle() {
	positions, err := e.source.GetPositions(e.wallet)
	if err != nil {
		log.Warn().Err(err).Msg("Position fetch failed, retrying next cycle")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sweepClosedLocked(positions)

	for i := range positions {
		e.evaluateLocked(&positions[i])
	}

	if time.Since(e.lastPersist) >= persistInterval {
		e.persistLocked()
	}
}

// sweepClosedLocked removes tracked entries whose instrument left the
// live position set, logging the outcome inferred from the last order
func (e *Engine) sweepClosedLocked(live []types.Position) {
	liveSet := make(map[string]struct{}, len(live))
	for _, p := range live {
		liveSet[p.TokenID] = struct{}{}
	}

	removed := false
	for tokenID, t := range e.tracked {
		if _, held := liveSet[tokenID]; held {
			continue
		}

		outcome := "UNKNOWN"
		pnlPct := decimal.Zero
		if !t.ActiveOrderPrice.IsZero() && !t.EntryPrice.IsZero() {
			pnlPct = t.ActiveOrderPrice.Sub(t.EntryPrice).Div(t.EntryPrice)
			if pnlPct.IsPositive() {
				outcome = "WIN"
			} else {
				outcome = "LOSS"
			}
		}

		log.Info().
			Str("market", t.MarketLabel).
			Str("outcome", outcome).
			Str("pnl_pct", pnlPct.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%").
			Msg("📊 Tracked position closed")

		delete(e.tracked, tokenID)
		e.unsubscribe(tokenID)
		removed = true
	}

	if removed {
		e.persistLocked()
	}
}

// evaluateLocked runs one position through the state machine
func (e *Engine) evaluateLocked(pos *types.Position) {
	price := e.currentPrice(pos)
	if price.IsZero() {
		return
	}

	t, tracking := e.tracked[pos.TokenID]
	if !tracking {
		e.maybeStartTrackingLocked(pos, price)
		return
	}

	t.Size = pos.Size

	if price.GreaterThan(t.HighestPrice) {
		e.onNewPeakLocked(t, price)
		return
	}

	// Drawdown path
	if t.HighestPrice.IsPositive() {
		dropFromPeak := t.HighestPrice.Sub(price).Div(t.HighestPrice)
		if e.cfg.StopLossEnabled && dropFromPeak.GreaterThanOrEqual(e.trailingStopFor(t.MarketLabel)) {
			e.maybeEmergencyLocked(t, price, "trailing_stop")
			return
		}
	}

	e.maybeChaseLocked(t, price)
}

// currentPrice prefers a fresh websocket price over the polled one
func (e *Engine) currentPrice(pos *types.Position) decimal.Decimal {
	if e.prices != nil {
		if p, ok := e.prices.GetPrice(pos.TokenID, wsPriceMaxAge); ok {
			return p
		}
	}
	return pos.CurrentPrice
}

// trailingStopFor returns the effective trailing-stop percent; sports
// markets swing harder and get the wider band
func (e *Engine) trailingStopFor(marketLabel string) decimal.Decimal {
	if matchesAny(marketLabel, e.cfg.SportsPatterns) {
		return e.cfg.SportsTrailingStopPct
	}
	return e.cfg.TrailingStopPct
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRACKING START
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) maybeStartTrackingLocked(pos *types.Position, price decimal.Decimal) {
	if pos.AvgPrice.LessThanOrEqual(decimal.Zero) {
		return
	}

	profitPct := price.Sub(pos.AvgPrice).Div(pos.AvgPrice)
	if profitPct.LessThan(e.cfg.ProfitTriggerPct) {
		return
	}

	t := &types.TrackedPosition{
		TokenID:      pos.TokenID,
		EntryPrice:   pos.AvgPrice,
		Size:         pos.Size,
		HighestPrice: price,
		MarketLabel:  pos.MarketLabel,
		StartedAt:    time.Now(),
	}
	e.tracked[pos.TokenID] = t
	e.subscribe(pos.TokenID)
	e.persistLocked()

	log.Info().
		Str("market", t.MarketLabel).
		Str("entry", t.EntryPrice.StringFixed(3)).
		Str("current", price.StringFixed(3)).
		Str("profit", profitPct.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%").
		Msg("🎯 Profit trigger hit, tracking position")

	e.placeSellLocked(t, price, "EXIT_ORDER")

	if e.notifier != nil {
		e.notifier.NotifyExit("TRACKING", t.MarketLabel, price, profitPct)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PEAK / REPOSITION
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) onNewPeakLocked(t *types.TrackedPosition, price decimal.Decimal) {
	t.HighestPrice = price
	t.UpdateAttempts = 0

	log.Debug().
		Str("market", t.MarketLabel).
		Str("peak", price.StringFixed(3)).
		Msg("New peak")

	// Reposition only when the live order lags the new peak materially
	if t.ActiveOrderID != "" && !t.ActiveOrderPrice.IsZero() {
		lag := price.Sub(t.ActiveOrderPrice).Div(price)
		if lag.LessThan(e.cfg.UpdateThresholdPct) {
			return
		}
	}

	if !e.repositionAllowed(t) {
		return
	}

	if t.ActiveOrderID != "" {
		e.trader.CancelOrder(t.ActiveOrderID)
		t.ActiveOrderID = ""
		t.ActiveOrderPrice = decimal.Zero
	}
	e.placeSellLocked(t, price, "REPOSITION")
}

// maybeChaseLocked handles a live order sitting materially above the
// market. Each rate-limited reposition attempt that cannot improve the
// order counts toward the forced-emergency ceiling.
func (e *Engine) maybeChaseLocked(t *types.TrackedPosition, price decimal.Decimal) {
	if t.ActiveOrderID == "" || t.ActiveOrderPrice.IsZero() {
		if e.repositionAllowed(t) {
			e.placeSellLocked(t, price, "EXIT_ORDER")
		}
		return
	}

	stale := t.ActiveOrderPrice.GreaterThan(price.Mul(decimal.NewFromInt(1).Add(e.cfg.UpdateThresholdPct)))
	if !stale || !e.repositionAllowed(t) {
		return
	}

	want := e.sellPrice(t, price)
	t.LastUpdateTime = time.Now()

	if want.GreaterThanOrEqual(t.ActiveOrderPrice) {
		// Floor is binding: cannot chase the market down any further
		t.UpdateAttempts++
		log.Debug().
			Str("market", t.MarketLabel).
			Int("attempts", t.UpdateAttempts).
			Msg("Order stale but floor prevents chasing")
	} else {
		e.trader.CancelOrder(t.ActiveOrderID)
		t.ActiveOrderID = ""
		t.ActiveOrderPrice = decimal.Zero
		if !e.placeSellLocked(t, price, "REPOSITION") {
			t.UpdateAttempts++
		}
	}

	if t.UpdateAttempts > e.cfg.MaxUpdateAttempts {
		log.Warn().
			Str("market", t.MarketLabel).
			Int("attempts", t.UpdateAttempts).
			Msg("⚠️ Reposition ceiling hit, forcing emergency exit")
		e.maybeEmergencyLocked(t, price, "reposition_exhausted")
	}
}

func (e *Engine) repositionAllowed(t *types.TrackedPosition) bool {
	return time.Since(t.LastUpdateTime) >= repositionInterval
}

// sellPrice computes the limit price for a normal exit order: a small
// discount below current, never under the minimum-profit floor
func (e *Engine) sellPrice(t *types.TrackedPosition, current decimal.Decimal) decimal.Decimal {
	price := current.Mul(decimal.NewFromInt(1).Sub(orderDiscount))
	floor := t.EntryPrice.Mul(minProfitFloor)
	if price.LessThan(floor) {
		price = floor
	}
	return price.Round(3)
}

// placeSellLocked places a GTC limit sell and records it on the entry.
// Returns false on rejection; a terminal market error deregisters.
func (e *Engine) placeSellLocked(t *types.TrackedPosition, current decimal.Decimal, action string) bool {
	price := e.sellPrice(t, current)
	usd := t.Size.Mul(price)

	res, err := e.trader.ExecuteTrade(t.TokenID, types.SideSell, usd, price, types.OrderGTC)
	if err != nil {
		log.Warn().Err(err).Str("market", t.MarketLabel).Msg("Sell order failed")
		return false
	}
	if !res.Success {
		if isTerminalMarketError(res.Error) {
			e.deregisterLocked(t, "market terminal: "+res.Error)
			return false
		}
		log.Warn().Str("market", t.MarketLabel).Str("error", res.Error).Msg("Sell order rejected")
		return false
	}

	t.ActiveOrderID = res.OrderID
	t.ActiveOrderPrice = price
	t.LastUpdateTime = time.Now()
	e.persistLocked()

	if e.journal != nil {
		e.journal.LogTrade(res.OrderID, t.TokenID, t.MarketLabel, string(types.SideSell), action, price, usd, "")
	}

	log.Info().
		Str("market", t.MarketLabel).
		Str("price", price.StringFixed(3)).
		Str("action", action).
		Msg("📌 Exit order resting")

	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// EMERGENCY LIQUIDATION
// ═══════════════════════════════════════════════════════════════════════════════

// maybeEmergencyLocked gates the cascade behind the loss tolerance and
// the failure backoff ladder before running it
func (e *Engine) maybeEmergencyLocked(t *types.TrackedPosition, price decimal.Decimal, reason string) {
	if !t.EntryPrice.IsPositive() {
		return
	}

	// Never force a sale that locks in a loss beyond tolerance; hold
	// and re-evaluate next cycle instead
	pnlPct := price.Sub(t.EntryPrice).Div(t.EntryPrice)
	if pnlPct.LessThan(lossTolerance) {
		log.Debug().
			Str("market", t.MarketLabel).
			Str("pnl_pct", pnlPct.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%").
			Msg("Emergency blocked by loss tolerance, holding")
		return
	}

	if wait := backoffFor(t.EmergencyFailedCount); wait > 0 {
		if time.Since(t.LastEmergencyAttemptTime) < wait {
			log.Debug().
				Str("market", t.MarketLabel).
				Int("failures", t.EmergencyFailedCount).
				Dur("backoff", wait).
				Msg("Emergency backoff active")
			return
		}
	}

	e.emergencyExitLocked(t, price, reason)
}

// emergencyExitLocked cancels any resting order and walks the
// liquidation cascade
func (e *Engine) emergencyExitLocked(t *types.TrackedPosition, price decimal.Decimal, reason string) {
	log.Warn().
		Str("market", t.MarketLabel).
		Str("reason", reason).
		Str("current", price.StringFixed(3)).
		Msg("🚨 Emergency exit")

	t.LastEmergencyAttemptTime = time.Now()

	if t.ActiveOrderID != "" {
		e.trader.CancelOrder(t.ActiveOrderID)
		t.ActiveOrderID = ""
		t.ActiveOrderPrice = decimal.Zero
	}

	ref, err := e.trader.GetBestBid(t.TokenID)
	if err != nil || ref.IsZero() {
		// No book to hit; fall back to the last seen price
		log.Warn().Err(err).Str("market", t.MarketLabel).Msg("Best bid unavailable")
		ref = price
	}
	if ref.IsZero() {
		t.EmergencyFailedCount++
		e.persistLocked()
		return
	}

	// The gate above checked tolerance against the current price; a thin
	// book can put tier prices far below that. Never execute a tier that
	// would realize a loss beyond tolerance.
	one := decimal.NewFromInt(1)
	minAcceptable := t.EntryPrice.Mul(one.Add(lossTolerance))

	for i, tier := range liquidationTiers {
		tierPrice := ref.Mul(one.Sub(tier.discount)).Round(3)
		if tierPrice.LessThan(minAcceptable) {
			log.Warn().
				Int("tier", i+1).
				Str("market", t.MarketLabel).
				Str("price", tierPrice.StringFixed(3)).
				Str("floor", minAcceptable.StringFixed(3)).
				Msg("Tier price below loss tolerance, skipping")
			continue
		}
		usd := t.Size.Mul(tierPrice)

		res, err := e.trader.ExecuteTrade(t.TokenID, types.SideSell, usd, tierPrice, tier.orderType)
		if err != nil {
			log.Warn().Err(err).Int("tier", i+1).Str("market", t.MarketLabel).Msg("Liquidation tier failed")
			continue
		}
		if !res.Success {
			if isTerminalMarketError(res.Error) {
				e.deregisterLocked(t, "market terminal: "+res.Error)
				return
			}
			log.Warn().
				Int("tier", i+1).
				Str("market", t.MarketLabel).
				Str("error", res.Error).
				Msg("Liquidation tier rejected")
			continue
		}

		if e.journal != nil {
			action := "EMERGENCY"
			if tier.orderType == types.OrderGTC {
				action = "EMERGENCY_FALLBACK"
			}
			e.journal.LogTrade(res.OrderID, t.TokenID, t.MarketLabel, string(types.SideSell), action, tierPrice, usd, "")
		}

		pnlPct := decimal.Zero
		if t.EntryPrice.IsPositive() {
			pnlPct = tierPrice.Sub(t.EntryPrice).Div(t.EntryPrice)
		}

		if tier.orderType == types.OrderFOK {
			// Filled in full: the position is gone
			log.Info().
				Str("market", t.MarketLabel).
				Int("tier", i+1).
				Str("price", tierPrice.StringFixed(3)).
				Msg("✅ Emergency liquidation filled")
			if e.notifier != nil {
				e.notifier.NotifyExit("EMERGENCY_FILLED", t.MarketLabel, tierPrice, pnlPct)
			}
			e.deregisterLocked(t, "emergency fill")
			return
		}

		// Standing fallback order stays live; keep tracking it
		t.ActiveOrderID = res.OrderID
		t.ActiveOrderPrice = tierPrice
		t.LastUpdateTime = time.Now()
		e.persistLocked()

		log.Warn().
			Str("market", t.MarketLabel).
			Str("price", tierPrice.StringFixed(3)).
			Msg("📌 Emergency fallback order resting")
		if e.notifier != nil {
			e.notifier.NotifyExit("EMERGENCY_FALLBACK", t.MarketLabel, tierPrice, pnlPct)
		}
		return
	}

	// Cascade exhausted: record the failure and back off
	t.EmergencyFailedCount++
	e.persistLocked()

	log.Error().
		Str("market", t.MarketLabel).
		Int("failures", t.EmergencyFailedCount).
		Dur("next_backoff", backoffFor(t.EmergencyFailedCount)).
		Msg("❌ Liquidation cascade exhausted")
}

// deregisterLocked removes an entry from the table
func (e *Engine) deregisterLocked(t *types.TrackedPosition, reason string) {
	delete(e.tracked, t.TokenID)
	e.unsubscribe(t.TokenID)
	e.persistLocked()

	log.Info().
		Str("market", t.MarketLabel).
		Str("reason", reason).
		Msg("Position deregistered")
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) persistLocked() {
	positions := make([]types.TrackedPosition, 0, len(e.tracked))
	for _, t := range e.tracked {
		positions = append(positions, *t)
	}

	if err := e.store.Save(positions); err != nil {
		log.Error().Err(err).Msg("Failed to persist tracking table")
		return
	}
	e.lastPersist = time.Now()
}

func (e *Engine) subscribe(tokenID string) {
	if e.prices != nil {
		e.prices.Subscribe(tokenID)
	}
}

func (e *Engine) unsubscribe(tokenID string) {
	if e.prices != nil {
		e.prices.Unsubscribe(tokenID)
	}
}

func matchesAny(label string, patterns []string) bool {
	lower := strings.ToLower(label)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
