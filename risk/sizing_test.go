package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestFixedModeIgnoresBalances(t *testing.T) {
	s := NewSizer(ModeFixed, dec(10), dec(5), dec(100))

	stake := s.Stake(dec(5000), dec(1_000_000), dec(50))
	assert.True(t, stake.Equal(dec(10)), "got %s", stake)
}

func TestFixedModeStillClamped(t *testing.T) {
	s := NewSizer(ModeFixed, dec(500), dec(5), dec(100))

	stake := s.Stake(dec(10), dec(100), dec(100))
	assert.True(t, stake.Equal(dec(100)), "got %s", stake)
}

func TestProportionalScalesByBalanceRatio(t *testing.T) {
	s := NewSizer(ModeProportional, dec(10), dec(5), dec(1000))

	// They bet 100 with a 10k bankroll; we hold 1k, so we bet 10
	stake := s.Stake(dec(100), dec(10_000), dec(1000))
	assert.True(t, stake.Equal(dec(10)), "got %s", stake)
}

func TestProportionalClampsToFloor(t *testing.T) {
	// Tiny operator vs whale: raw result ~0.005 clamps to the floor
	s := NewSizer(ModeProportional, dec(10), dec(5), dec(100))

	stake := s.Stake(dec(1700), dec(3_500_000), dec(10))
	assert.True(t, stake.Equal(dec(5)), "got %s", stake)
}

func TestProportionalClampsToCeiling(t *testing.T) {
	s := NewSizer(ModeProportional, dec(10), dec(5), dec(100))

	// They bet half their bankroll; we cap at max stake
	stake := s.Stake(dec(5000), dec(10_000), dec(10_000))
	assert.True(t, stake.Equal(dec(100)), "got %s", stake)
}

func TestUnknownBalancesFallBackToMinimum(t *testing.T) {
	s := NewSizer(ModeProportional, dec(10), dec(5), dec(100))

	assert.True(t, s.Stake(dec(100), decimal.Zero, dec(50)).Equal(dec(5)))
	assert.True(t, s.Stake(dec(100), dec(1000), decimal.Zero).Equal(dec(5)))
}
