package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Converts a counterpart trade into our stake
// ═══════════════════════════════════════════════════════════════════════════════
//
// proportional: stake = observed * (our balance / their balance)
// fixed:        stake = configured amount
//
// Every observed trade is worth copying; the clamp to [min, max] is the
// only gate. Clamping is logged, never silent.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SizeMode selects the sizing formula
type SizeMode string

const (
	ModeProportional SizeMode = "proportional"
	ModeFixed        SizeMode = "fixed"
)

type Sizer struct {
	mode     SizeMode
	fixed    decimal.Decimal
	minStake decimal.Decimal
	maxStake decimal.Decimal
}

// NewSizer creates a position sizer
func NewSizer(mode SizeMode, fixed, minStake, maxStake decimal.Decimal) *Sizer {
	return &Sizer{
		mode:     mode,
		fixed:    fixed,
		minStake: minStake,
		maxStake: maxStake,
	}
}

// Stake computes the USD amount to copy an observed trade with.
// Unknown or zero balances in proportional mode fall back to the floor.
func (s *Sizer) Stake(observedUSD, counterpartBalance, ourBalance decimal.Decimal) decimal.Decimal {
	if s.mode == ModeFixed {
		return s.clamp(s.fixed)
	}

	if counterpartBalance.LessThanOrEqual(decimal.Zero) || ourBalance.LessThanOrEqual(decimal.Zero) {
		log.Debug().
			Str("counterpart_balance", counterpartBalance.String()).
			Str("our_balance", ourBalance.String()).
			Msg("Balance unknown, using minimum stake")
		return s.minStake
	}

	raw := observedUSD.Mul(ourBalance.Div(counterpartBalance))
	return s.clamp(raw)
}

// clamp enforces the [min, max] stake band
func (s *Sizer) clamp(stake decimal.Decimal) decimal.Decimal {
	if stake.LessThan(s.minStake) {
		log.Info().
			Str("raw", stake.StringFixed(4)).
			Str("min", s.minStake.String()).
			Msg("Stake clamped to floor")
		return s.minStake
	}
	if stake.GreaterThan(s.maxStake) {
		log.Info().
			Str("raw", stake.StringFixed(4)).
			Str("max", s.maxStake.String()).
			Msg("Stake clamped to ceiling")
		return s.maxStake
	}
	return stake
}
