package exit

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EMERGENCY LIQUIDATION CASCADE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tiers are tried in order, stopping at the first success or terminal
// market error. The final GTC tier is a standing fallback that stays on
// the book if it does not fill immediately.
//
// ═══════════════════════════════════════════════════════════════════════════════

type liquidationTier struct {
	orderType types.OrderType
	discount  decimal.Decimal // fraction below best bid
}

var liquidationTiers = []liquidationTier{
	{orderType: types.OrderFOK, discount: decimal.NewFromFloat(0.01)},
	{orderType: types.OrderFOK, discount: decimal.NewFromFloat(0.03)},
	{orderType: types.OrderGTC, discount: decimal.NewFromFloat(0.05)},
}

// emergencyBackoff gates repeated liquidation attempts after full
// cascade failures, indexed by consecutive failure count
var emergencyBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// backoffFor returns the wait before the next emergency attempt
func backoffFor(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > len(emergencyBackoff) {
		failures = len(emergencyBackoff)
	}
	return emergencyBackoff[failures-1]
}

// terminalMarkers identify market-closed/resolved rejections that make
// retrying pointless
var terminalMarkers = []string{
	"market closed",
	"market resolved",
	"market not found",
	"market is closed",
	"not accepting orders",
	"delisted",
	"trading disabled",
}

// isTerminalMarketError reports whether an order rejection means the
// market itself is gone, as opposed to a pricing/liquidity problem
func isTerminalMarketError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range terminalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
