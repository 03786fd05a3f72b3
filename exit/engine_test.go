package exit

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FAKES
// ═══════════════════════════════════════════════════════════════════════════════

type tradeCall struct {
	tokenID   string
	side      types.Side
	usd       decimal.Decimal
	price     decimal.Decimal
	orderType types.OrderType
}

type fakeTrader struct {
	bestBid decimal.Decimal
	bidErr  error

	// Queued results consumed per ExecuteTrade call; once drained,
	// every trade succeeds with a generated order id
	results []*types.TradeResult
	err     error

	calls     []tradeCall
	cancelled []string
}

func (f *fakeTrader) ExecuteTrade(tokenID string, side types.Side, usd, price decimal.Decimal, orderType types.OrderType) (*types.TradeResult, error) {
	f.calls = append(f.calls, tradeCall{tokenID, side, usd, price, orderType})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		return r, nil
	}
	return &types.TradeResult{Success: true, OrderID: fmt.Sprintf("ord-%d", len(f.calls))}, nil
}

func (f *fakeTrader) CancelOrder(orderID string) bool {
	f.cancelled = append(f.cancelled, orderID)
	return true
}

func (f *fakeTrader) GetBestBid(string) (decimal.Decimal, error) {
	return f.bestBid, f.bidErr
}

type fakeSource struct {
	positions []types.Position
	err       error
}

func (f *fakeSource) GetPositions(string) ([]types.Position, error) {
	return f.positions, f.err
}

type memStore struct {
	data  []types.TrackedPosition
	saves int
}

func (m *memStore) Load() ([]types.TrackedPosition, error) { return m.data, nil }
func (m *memStore) Save(p []types.TrackedPosition) error {
	m.data = p
	m.saves++
	return nil
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testConfig() *config.Config {
	return &config.Config{
		WalletAddress:         "0xme",
		ProfitTriggerPct:      dec(0.10),
		TrailingStopPct:       dec(0.15),
		SportsTrailingStopPct: dec(0.25),
		SportsPatterns:        []string{"NBA", " vs "},
		UpdateThresholdPct:    dec(0.05),
		ExitPollInterval:      time.Second,
		MaxUpdateAttempts:     3,
		StopLossEnabled:       true,
	}
}

func newTestEngine(trader *fakeTrader, source *fakeSource) (*Engine, *memStore) {
	store := &memStore{}
	return NewEngine(testConfig(), trader, source, store), store
}

func pos(token string, size, avg, cur float64) types.Position {
	return types.Position{
		TokenID:      token,
		Size:         dec(size),
		AvgPrice:     dec(avg),
		CurrentPrice: dec(cur),
		MarketLabel:  "Market " + token,
	}
}

// track seeds a tracked entry directly, bypassing the trigger path
func track(e *Engine, t *types.TrackedPosition) {
	e.tracked[t.TokenID] = t
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRACKING START
// ═══════════════════════════════════════════════════════════════════════════════

func TestProfitTriggerStartsTracking(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.575)}}
	e, store := newTestEngine(trader, source)

	e.cycle()

	require.Equal(t, 1, e.TrackedCount())
	tracked := e.Tracked()[0]
	assert.True(t, tracked.HighestPrice.Equal(dec(0.575)))
	assert.NotEmpty(t, tracked.ActiveOrderID)

	// Initial sell: at or below current, never under the profit floor
	require.Len(t, trader.calls, 1)
	call := trader.calls[0]
	assert.Equal(t, types.SideSell, call.side)
	assert.Equal(t, types.OrderGTC, call.orderType)
	assert.True(t, call.price.LessThanOrEqual(dec(0.575)), "order price %s above market", call.price)
	assert.True(t, call.price.GreaterThanOrEqual(dec(0.50).Mul(minProfitFloor)), "order price %s below floor", call.price)

	assert.Greater(t, store.saves, 0, "tracking start must persist")
}

func TestBelowTriggerStaysUntracked(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.52)}}
	e, _ := newTestEngine(trader, source)

	e.cycle()

	assert.Zero(t, e.TrackedCount())
	assert.Empty(t, trader.calls)
}

func TestFloorBindsWhenDiscountDipsBelowIt(t *testing.T) {
	trader := &fakeTrader{}
	// Price faded to where current×0.98 sits under entry×1.03
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.52)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:      "X",
		EntryPrice:   dec(0.50),
		Size:         dec(100),
		HighestPrice: dec(0.55),
	})

	e.cycle()

	require.Len(t, trader.calls, 1)
	assert.True(t, trader.calls[0].price.Equal(dec(0.515)), "got %s", trader.calls[0].price)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PEAK TRACKING & REPOSITIONING
// ═══════════════════════════════════════════════════════════════════════════════

func TestPeakIsMonotonic(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.575)}}
	e, _ := newTestEngine(trader, source)

	e.cycle()

	// Small dip: peak must not move
	source.positions = []types.Position{pos("X", 100, 0.50, 0.560)}
	e.cycle()
	assert.True(t, e.Tracked()[0].HighestPrice.Equal(dec(0.575)))

	// New high ratchets up
	source.positions = []types.Position{pos("X", 100, 0.50, 0.60)}
	e.cycle()
	assert.True(t, e.Tracked()[0].HighestPrice.Equal(dec(0.60)))
}

func TestNewPeakResetsUpdateAttempts(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.60)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:        "X",
		EntryPrice:     dec(0.50),
		Size:           dec(100),
		HighestPrice:   dec(0.575),
		UpdateAttempts: 2,
		LastUpdateTime: time.Now(), // rate limit holds the order still
	})

	e.cycle()

	assert.Zero(t, e.tracked["X"].UpdateAttempts)
}

func TestRepositionRateLimited(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.70)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:          "X",
		EntryPrice:       dec(0.50),
		Size:             dec(100),
		HighestPrice:     dec(0.575),
		ActiveOrderID:    "ord-old",
		ActiveOrderPrice: dec(0.564),
		LastUpdateTime:   time.Now(),
	})

	e.cycle()

	// Peak updated but the fresh order survives inside the window
	assert.True(t, e.tracked["X"].HighestPrice.Equal(dec(0.70)))
	assert.Empty(t, trader.calls)
	assert.Empty(t, trader.cancelled)
}

func TestRepositionChasesNewPeak(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.70)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:          "X",
		EntryPrice:       dec(0.50),
		Size:             dec(100),
		HighestPrice:     dec(0.575),
		ActiveOrderID:    "ord-old",
		ActiveOrderPrice: dec(0.564),
		LastUpdateTime:   time.Now().Add(-2 * time.Minute),
	})

	e.cycle()

	// Old order cancelled, replaced 2% under the new peak
	assert.Equal(t, []string{"ord-old"}, trader.cancelled)
	require.Len(t, trader.calls, 1)
	assert.True(t, trader.calls[0].price.Equal(dec(0.686)), "got %s", trader.calls[0].price)
	assert.Equal(t, "ord-1", e.tracked["X"].ActiveOrderID)
}

func TestSmallPeakLagSkipsReposition(t *testing.T) {
	trader := &fakeTrader{}
	// Order lags the new peak by under the update threshold
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.58)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:          "X",
		EntryPrice:       dec(0.50),
		Size:             dec(100),
		HighestPrice:     dec(0.575),
		ActiveOrderID:    "ord-old",
		ActiveOrderPrice: dec(0.564),
		LastUpdateTime:   time.Now().Add(-2 * time.Minute),
	})

	e.cycle()

	assert.Empty(t, trader.cancelled)
	assert.Empty(t, trader.calls)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EMERGENCY LIQUIDATION
// ═══════════════════════════════════════════════════════════════════════════════

func TestTrailingStopTriggersEmergencyFill(t *testing.T) {
	trader := &fakeTrader{bestBid: dec(0.65)}
	// 17.5% off the 0.80 peak, still well above entry
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.66)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:      "X",
		EntryPrice:   dec(0.50),
		Size:         dec(100),
		HighestPrice: dec(0.80),
	})

	e.cycle()

	require.Len(t, trader.calls, 1)
	call := trader.calls[0]
	assert.Equal(t, types.OrderFOK, call.orderType)
	assert.True(t, call.price.Equal(dec(0.644)), "tier price %s", call.price) // bestBid × 0.99

	assert.Zero(t, e.TrackedCount(), "FOK fill closes the position")
}

func TestLossToleranceBlocksTrailingStopSale(t *testing.T) {
	trader := &fakeTrader{bestBid: dec(0.48)}
	// Massive drawdown from peak, but selling here locks in -2%
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.49)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:      "X",
		EntryPrice:   dec(0.50),
		Size:         dec(100),
		HighestPrice: dec(0.80),
	})

	e.cycle()

	assert.Empty(t, trader.calls, "must hold rather than realize a loss beyond tolerance")
	assert.Equal(t, 1, e.TrackedCount())
}

func TestStopLossDisabledNeverEscalates(t *testing.T) {
	trader := &fakeTrader{bestBid: dec(0.65)}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.66)}}
	e, _ := newTestEngine(trader, source)
	e.cfg.StopLossEnabled = false

	track(e, &types.TrackedPosition{
		TokenID:          "X",
		EntryPrice:       dec(0.50),
		Size:             dec(100),
		HighestPrice:     dec(0.80),
		ActiveOrderID:    "ord-live",
		ActiveOrderPrice: dec(0.647),
	})

	e.cycle()

	// Normal chase logic still applies; what must never happen is an
	// emergency liquidation
	for _, c := range trader.calls {
		assert.NotEqual(t, types.OrderFOK, c.orderType)
	}
	assert.Equal(t, 1, e.TrackedCount())
}

func TestSportsMarketsGetWiderTrail(t *testing.T) {
	trader := &fakeTrader{bestBid: dec(0.65)}
	source := &fakeSource{positions: []types.Position{{
		TokenID:      "X",
		Size:         dec(100),
		AvgPrice:     dec(0.50),
		CurrentPrice: dec(0.66), // -17.5% from peak: inside the 25% sports band
		MarketLabel:  "Lakers vs Celtics",
	}}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:        "X",
		EntryPrice:     dec(0.50),
		Size:           dec(100),
		HighestPrice:   dec(0.80),
		MarketLabel:    "Lakers vs Celtics",
		LastUpdateTime: time.Now(), // keep the chase path quiet
	})

	e.cycle()

	assert.Empty(t, trader.calls, "sports trail should not trigger at 17.5%%")
	assert.Equal(t, 1, e.TrackedCount())
}

func TestCascadeWalksTiersInOrder(t *testing.T) {
	trader := &fakeTrader{
		bestBid: dec(0.60),
		results: []*types.TradeResult{
			{Success: false, Error: "insufficient liquidity"},
			{Success: false, Error: "insufficient liquidity"},
			{Success: true, OrderID: "fallback-1"},
		},
	}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.64)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:      "X",
		EntryPrice:   dec(0.50),
		Size:         dec(100),
		HighestPrice: dec(0.80),
	})

	e.cycle()

	require.Len(t, trader.calls, 3)
	assert.Equal(t, types.OrderFOK, trader.calls[0].orderType)
	assert.Equal(t, types.OrderFOK, trader.calls[1].orderType)
	assert.Equal(t, types.OrderGTC, trader.calls[2].orderType)

	// Discounts deepen down the cascade
	assert.True(t, trader.calls[0].price.GreaterThan(trader.calls[1].price))
	assert.True(t, trader.calls[1].price.GreaterThan(trader.calls[2].price))

	// GTC fallback stays live and tracked
	require.Equal(t, 1, e.TrackedCount())
	got := e.tracked["X"]
	assert.Equal(t, "fallback-1", got.ActiveOrderID)
	assert.Zero(t, got.EmergencyFailedCount)
}

func TestExhaustedCascadeBacksOff(t *testing.T) {
	reject := &types.TradeResult{Success: false, Error: "insufficient liquidity"}
	trader := &fakeTrader{
		bestBid: dec(0.60),
		results: []*types.TradeResult{reject, reject, reject},
	}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.64)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:      "X",
		EntryPrice:   dec(0.50),
		Size:         dec(100),
		HighestPrice: dec(0.80),
	})

	e.cycle()

	got := e.tracked["X"]
	assert.Equal(t, 1, got.EmergencyFailedCount)
	assert.False(t, got.LastEmergencyAttemptTime.IsZero())
	require.Len(t, trader.calls, 3)

	// Next cycle: 1-minute backoff gates a fresh attempt
	e.cycle()
	assert.Len(t, trader.calls, 3, "backoff must suppress immediate retry")

	// Backoff elapsed: cascade runs again
	got.LastEmergencyAttemptTime = time.Now().Add(-2 * time.Minute)
	e.cycle()
	assert.Greater(t, len(trader.calls), 3)
}

func TestThinBookNeverFillsBeyondLossTolerance(t *testing.T) {
	// Current price passes the tolerance gate at -0.4%, but the book is
	// so thin that every tier price would realize a deep loss
	trader := &fakeTrader{bestBid: dec(0.40)}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.498)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:      "X",
		EntryPrice:   dec(0.50),
		Size:         dec(100),
		HighestPrice: dec(0.80),
	})

	e.cycle()

	assert.Empty(t, trader.calls, "no tier may execute below entry × (1 + tolerance)")
	require.Equal(t, 1, e.TrackedCount())

	// Counts as a failed attempt so the backoff ladder still engages
	got := e.tracked["X"]
	assert.Equal(t, 1, got.EmergencyFailedCount)
	assert.False(t, got.LastEmergencyAttemptTime.IsZero())
}

func TestTerminalMarketErrorDeregisters(t *testing.T) {
	trader := &fakeTrader{
		bestBid: dec(0.60),
		results: []*types.TradeResult{{Success: false, Error: "market closed"}},
	}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.64)}}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{
		TokenID:      "X",
		EntryPrice:   dec(0.50),
		Size:         dec(100),
		HighestPrice: dec(0.80),
	})

	e.cycle()

	assert.Len(t, trader.calls, 1, "no retries once the market is gone")
	assert.Zero(t, e.TrackedCount())
}

func TestRepositionFailuresForceEmergency(t *testing.T) {
	reject := &types.TradeResult{Success: false, Error: "invalid price"}
	trader := &fakeTrader{bestBid: dec(0.54)}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.55)}}
	e, _ := newTestEngine(trader, source)

	entry := &types.TrackedPosition{
		TokenID:          "X",
		EntryPrice:       dec(0.50),
		Size:             dec(100),
		HighestPrice:     dec(0.62),
		ActiveOrderID:    "ord-high",
		ActiveOrderPrice: dec(0.608), // stale: >5% above market
	}
	track(e, entry)

	// Every rate-limited chase attempt gets rejected
	for i := 0; i < 4; i++ {
		trader.results = append(trader.results, reject)
	}

	for i := 0; i < 4; i++ {
		entry.LastUpdateTime = time.Now().Add(-2 * time.Minute)
		entry.ActiveOrderID = "ord-high"
		entry.ActiveOrderPrice = dec(0.608)
		e.cycle()
	}

	assert.Greater(t, entry.UpdateAttempts, e.cfg.MaxUpdateAttempts)

	// The final cycle escalated past normal repositioning into the cascade
	var fok int
	for _, c := range trader.calls {
		if c.orderType == types.OrderFOK {
			fok++
		}
	}
	assert.Greater(t, fok, 0, "forced emergency should hit the cascade")
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLOSURE SWEEP & RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

func TestSweepDropsVanishedInstruments(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{positions: []types.Position{pos("KEEP", 100, 0.50, 0.51)}}
	e, store := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{TokenID: "KEEP", EntryPrice: dec(0.50), Size: dec(100), HighestPrice: dec(0.55), LastUpdateTime: time.Now()})
	track(e, &types.TrackedPosition{TokenID: "GONE", EntryPrice: dec(0.40), Size: dec(50), HighestPrice: dec(0.52), ActiveOrderPrice: dec(0.51)})

	e.cycle()

	require.Equal(t, 1, e.TrackedCount())
	assert.Equal(t, "KEEP", e.Tracked()[0].TokenID)
	require.Len(t, store.data, 1)
	assert.Equal(t, "KEEP", store.data[0].TokenID)
}

func TestFetchFailureSkipsCycle(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{err: errors.New("timeout")}
	e, _ := newTestEngine(trader, source)

	track(e, &types.TrackedPosition{TokenID: "X", EntryPrice: dec(0.50), Size: dec(100), HighestPrice: dec(0.80)})

	e.cycle()

	// A failed poll must not be mistaken for closures
	assert.Equal(t, 1, e.TrackedCount())
	assert.Empty(t, trader.calls)
}

func TestRecoveryReconcilesAgainstLivePositions(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{positions: []types.Position{pos("HELD", 80, 0.50, 0.70)}}
	store := &memStore{data: []types.TrackedPosition{
		{
			TokenID:          "HELD",
			EntryPrice:       dec(0.50),
			Size:             dec(100),
			HighestPrice:     dec(0.60),
			ActiveOrderID:    "ord-stale",
			ActiveOrderPrice: dec(0.588),
		},
		{
			TokenID:      "SOLD_WHILE_DOWN",
			EntryPrice:   dec(0.30),
			Size:         dec(50),
			HighestPrice: dec(0.45),
		},
	}}
	e := NewEngine(testConfig(), trader, source, store)

	require.NoError(t, e.recover())

	require.Equal(t, 1, e.TrackedCount())
	got := e.tracked["HELD"]

	// Stale order discarded: it may have filled or died while offline
	assert.Empty(t, got.ActiveOrderID)
	assert.True(t, got.ActiveOrderPrice.IsZero())

	// Peak ratchets up to the live price, size follows the live set
	assert.True(t, got.HighestPrice.Equal(dec(0.70)))
	assert.True(t, got.Size.Equal(dec(80)))
}

func TestRecoveryFetchFailureStillClearsOrders(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{err: errors.New("timeout")}
	store := &memStore{data: []types.TrackedPosition{{
		TokenID:          "X",
		EntryPrice:       dec(0.50),
		Size:             dec(100),
		HighestPrice:     dec(0.60),
		ActiveOrderID:    "ord-stale",
		ActiveOrderPrice: dec(0.588),
	}}}
	e := NewEngine(testConfig(), trader, source, store)

	require.NoError(t, e.recover())

	// Table kept for the first successful cycle to reconcile, but the
	// saved order id is gone either way
	require.Equal(t, 1, e.TrackedCount())
	got := e.tracked["X"]
	assert.Empty(t, got.ActiveOrderID)
	assert.True(t, got.ActiveOrderPrice.IsZero())
}

func TestRecoveryWithEmptyStoreIsNoop(t *testing.T) {
	trader := &fakeTrader{}
	source := &fakeSource{}
	e, _ := newTestEngine(trader, source)

	require.NoError(t, e.recover())
	assert.Zero(t, e.TrackedCount())
}

// ═══════════════════════════════════════════════════════════════════════════════
// END-TO-END SCENARIO
// ═══════════════════════════════════════════════════════════════════════════════

// Profit trigger → tracking with floored order → 16% drawdown while
// still +5% over entry → emergency fill → instrument vanishes.
func TestLifecycleScenario(t *testing.T) {
	trader := &fakeTrader{bestBid: dec(0.52)}
	source := &fakeSource{positions: []types.Position{pos("X", 100, 0.50, 0.575)}}
	e, _ := newTestEngine(trader, source)

	// +15%: tracking starts, order placed within [entry×1.03, current]
	e.cycle()
	require.Equal(t, 1, e.TrackedCount())
	require.Len(t, trader.calls, 1)
	assert.True(t, trader.calls[0].price.GreaterThanOrEqual(dec(0.515)))
	assert.True(t, trader.calls[0].price.LessThanOrEqual(dec(0.575)))

	// Rally to 0.625: peak ratchets
	source.positions = []types.Position{pos("X", 100, 0.50, 0.625)}
	e.cycle()
	assert.True(t, e.tracked["X"].HighestPrice.Equal(dec(0.625)))

	// 16% off the peak, still +5% vs entry: emergency exit at a
	// best-bid discount, resting order cancelled first
	source.positions = []types.Position{pos("X", 100, 0.50, 0.525)}
	e.cycle()

	last := trader.calls[len(trader.calls)-1]
	assert.Equal(t, types.OrderFOK, last.orderType)
	assert.True(t, last.price.Equal(dec(0.515)), "got %s", last.price) // 0.52 × 0.99
	assert.NotEmpty(t, trader.cancelled)
	assert.Zero(t, e.TrackedCount())

	// Vanished from the live set: sweep stays clean
	source.positions = nil
	e.cycle()
	assert.Zero(t, e.TrackedCount())
}
