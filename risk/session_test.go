package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuyLimitPerMarket(t *testing.T) {
	s := NewSession(2, time.Hour)

	assert.True(t, s.CanBuy("tok"))
	s.RecordBuy("tok")
	assert.True(t, s.CanBuy("tok"))
	s.RecordBuy("tok")
	assert.False(t, s.CanBuy("tok"))

	// Other markets unaffected
	assert.True(t, s.CanBuy("other"))
}

func TestClosureStartsCooldown(t *testing.T) {
	s := NewSession(2, time.Hour)

	s.RecordBuy("tok")
	s.RecordClosure("tok", "Some market")

	assert.False(t, s.CanBuy("tok"), "cooldown should block re-entry")
}

func TestCooldownExpires(t *testing.T) {
	s := NewSession(2, time.Hour)

	s.RecordClosure("tok", "Some market")
	s.closedAt["tok"] = time.Now().Add(-2 * time.Hour)

	assert.True(t, s.CanBuy("tok"))
}

func TestClosureFreesBuySlot(t *testing.T) {
	s := NewSession(1, time.Hour)

	s.RecordBuy("tok")
	assert.False(t, s.CanBuy("tok"))

	s.RecordClosure("tok", "Some market")
	s.closedAt["tok"] = time.Now().Add(-2 * time.Hour)

	assert.True(t, s.CanBuy("tok"), "buy count should reset after closure")
}
