package pnl

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PNL TRACKER - Snapshot diffing and realized-PnL accounting
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each poll builds a fresh portfolio snapshot and diffs the instrument
// set against the previous one. An instrument that was present and is
// now gone is a closed position: its last-known unrealized PnL becomes
// realized, and the closure callback fires exactly once.
//
// Session PnL is realized PnL only. Unrealized is reported separately
// and never mixed into the session figure.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Win/loss classification band; closures inside it are breakeven
var breakevenBand = decimal.NewFromFloat(0.01)

// BalanceSource returns the operator's free balance
type BalanceSource interface {
	GetBalance() (decimal.Decimal, error)
}

// PositionSource returns the operator's live positions
type PositionSource interface {
	GetPositions(wallet string) ([]types.Position, error)
}

// ClosureJournal records detected closures
type ClosureJournal interface {
	LogClosure(tokenID, market string, pnl decimal.Decimal, outcome string)
}

// ClosureHandler is invoked once per detected closure, before the
// previous snapshot is discarded
type ClosureHandler func(tokenID, marketLabel string)

type Tracker struct {
	mu sync.Mutex

	balance  BalanceSource
	source   PositionSource
	wallet   string
	interval time.Duration

	prev     *types.PortfolioSnapshot
	realized decimal.Decimal
	wins     int
	losses   int

	onClosed ClosureHandler
	journal  ClosureJournal

	running bool
	stopCh  chan struct{}
}

// NewTracker creates a PnL tracker polling the given wallet
func NewTracker(balance BalanceSource, source PositionSource, wallet string, interval time.Duration) *Tracker {
	return &Tracker{
		balance:  balance,
		source:   source,
		wallet:   wallet,
		interval: interval,
		realized: decimal.Zero,
		stopCh:   make(chan struct{}),
	}
}

// OnPositionClosed registers the closure callback
func (t *Tracker) OnPositionClosed(fn ClosureHandler) { t.onClosed = fn }

// SetJournal wires the closure log
func (t *Tracker) SetJournal(j ClosureJournal) { t.journal = j }

// Start begins the poll loop
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.loop()
	log.Info().Dur("interval", t.interval).Msg("📈 PnL tracker started")
}

// Stop halts the poll loop
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)

	log.Info().
		Str("realized", "$"+t.realized.StringFixed(2)).
		Int("wins", t.wins).
		Int("losses", t.losses).
		Msg("PnL tracker stopped")
}

func (t *Tracker) loop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cycle()
		}
	}
}

// cycle takes one snapshot and processes closures. Fetch failures are
// swallowed; the previous snapshot survives for the next attempt.
func (t *Tracker) cycle() {
	snap, err := t.snapshot()
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot failed, keeping previous")
		return
	}

	t.mu.Lock()
	prev := t.prev
	t.prev = snap
	t.mu.Unlock()

	if prev == nil {
		return
	}

	for tokenID, was := range prev.Positions {
		if _, still := snap.Positions[tokenID]; still {
			continue
		}
		t.recordClosure(was)
	}
}

// snapshot fetches balance and positions and builds the portfolio view
func (t *Tracker) snapshot() (*types.PortfolioSnapshot, error) {
	balance, err := t.balance.GetBalance()
	if err != nil {
		return nil, err
	}

	positions, err := t.source.GetPositions(t.wallet)
	if err != nil {
		return nil, err
	}

	snap := &types.PortfolioSnapshot{
		Timestamp:      time.Now(),
		FreeBalance:    balance,
		PositionsValue: decimal.Zero,
		Positions:      make(map[string]types.PositionSnapshot, len(positions)),
	}

	for _, p := range positions {
		cost := p.Size.Mul(p.AvgPrice)
		value := p.Size.Mul(p.CurrentPrice)
		snap.Positions[p.TokenID] = types.PositionSnapshot{
			TokenID:       p.TokenID,
			Size:          p.Size,
			AvgPrice:      p.AvgPrice,
			CurrentPrice:  p.CurrentPrice,
			MarketLabel:   p.MarketLabel,
			CostBasis:     cost,
			CurrentValue:  value,
			UnrealizedPnL: value.Sub(cost),
		}
		snap.PositionsValue = snap.PositionsValue.Add(value)
	}
	snap.TotalEquity = snap.FreeBalance.Add(snap.PositionsValue)

	return snap, nil
}

// recordClosure realizes a vanished position's last-known PnL
func (t *Tracker) recordClosure(was types.PositionSnapshot) {
	pnl := was.UnrealizedPnL

	outcome := "BREAKEVEN"
	t.mu.Lock()
	t.realized = t.realized.Add(pnl)
	switch {
	case pnl.GreaterThan(breakevenBand):
		t.wins++
		outcome = "WIN"
	case pnl.LessThan(breakevenBand.Neg()):
		t.losses++
		outcome = "LOSS"
	}
	t.mu.Unlock()

	log.Info().
		Str("market", was.MarketLabel).
		Str("pnl", "$"+pnl.StringFixed(2)).
		Str("outcome", outcome).
		Str("session_realized", "$"+t.RealizedPnL().StringFixed(2)).
		Msg("💰 Position closed")

	if t.journal != nil {
		t.journal.LogClosure(was.TokenID, was.MarketLabel, pnl, outcome)
	}

	if t.onClosed != nil {
		t.onClosed(was.TokenID, was.MarketLabel)
	}
}

// RealizedPnL returns cumulative realized PnL for this session
func (t *Tracker) RealizedPnL() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.realized
}

// Stats returns session win/loss counts and realized PnL
func (t *Tracker) Stats() (wins, losses int, realized decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wins, t.losses, t.realized
}

// UnrealizedPnL sums open-position PnL from the latest snapshot
func (t *Tracker) UnrealizedPnL() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := decimal.Zero
	if t.prev == nil {
		return total
	}
	for _, p := range t.prev.Positions {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}

// OpenPositions returns the latest snapshot's positions for display
func (t *Tracker) OpenPositions() []types.PositionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.prev == nil {
		return nil
	}
	out := make([]types.PositionSnapshot, 0, len(t.prev.Positions))
	for _, p := range t.prev.Positions {
		out = append(out, p)
	}
	return out
}
