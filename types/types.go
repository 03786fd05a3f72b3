package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// OrderType selects how an exit order rests on the book
type OrderType string

const (
	OrderFOK OrderType = "FOK" // fill immediately in full or cancel
	OrderGTC OrderType = "GTC" // rest until filled or cancelled
)

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TrackedPosition is the exit engine's per-instrument record.
// Owned exclusively by the engine; persisted across restarts.
type TrackedPosition struct {
	TokenID          string          `json:"token_id"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Size             decimal.Decimal `json:"size"`
	HighestPrice     decimal.Decimal `json:"highest_price"`
	ActiveOrderID    string          `json:"active_order_id,omitempty"`
	ActiveOrderPrice decimal.Decimal `json:"active_order_price"`
	MarketLabel      string          `json:"market_label"`
	StartedAt        time.Time       `json:"started_at"`

	// Consecutive failed repositions since the last new peak
	UpdateAttempts int       `json:"update_attempts"`
	LastUpdateTime time.Time `json:"last_update_time"`

	// Emergency liquidation backoff state
	EmergencyFailedCount     int       `json:"emergency_failed_count"`
	LastEmergencyAttemptTime time.Time `json:"last_emergency_attempt_time"`
}

// Position is a live holding as reported by the data API
type Position struct {
	TokenID      string
	Size         decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
	MarketLabel  string
}

// PositionSnapshot is a single position's mark-to-market view,
// rebuilt from scratch each PnL poll
type PositionSnapshot struct {
	TokenID       string
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	CurrentPrice  decimal.Decimal
	MarketLabel   string
	CostBasis     decimal.Decimal
	CurrentValue  decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// PortfolioSnapshot is one full poll of balance plus positions
type PortfolioSnapshot struct {
	Timestamp      time.Time
	FreeBalance    decimal.Decimal
	PositionsValue decimal.Decimal
	TotalEquity    decimal.Decimal
	Positions      map[string]PositionSnapshot // keyed by token id
}

// TradeResult is the execution client's response to an order
type TradeResult struct {
	Success bool
	OrderID string
	Error   string
}

// OrderBook holds both sides of the book for an instrument
type OrderBook struct {
	Bids []BookLevel
	Asks []BookLevel
}

// BookLevel is a single price level
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// ObservedTrade is a counterpart wallet's trade as seen by the watcher
type ObservedTrade struct {
	ID          string
	Wallet      string
	TokenID     string
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	UsdAmount   decimal.Decimal
	MarketLabel string
	Timestamp   time.Time
}
