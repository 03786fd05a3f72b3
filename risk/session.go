package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION - Per-run copy bookkeeping
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the buy counts and re-entry cooldowns that gate the watcher.
// Explicit struct passed into components; no process-wide state.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Session struct {
	mu sync.Mutex

	maxBuysPerMarket int
	cooldown         time.Duration

	buyCounts map[string]int       // token id -> copy buys this run
	closedAt  map[string]time.Time // token id -> last closure time
	startedAt time.Time
}

// NewSession creates session bookkeeping
func NewSession(maxBuysPerMarket int, cooldown time.Duration) *Session {
	return &Session{
		maxBuysPerMarket: maxBuysPerMarket,
		cooldown:         cooldown,
		buyCounts:        make(map[string]int),
		closedAt:         make(map[string]time.Time),
		startedAt:        time.Now(),
	}
}

// CanBuy reports whether a copy buy into this token is allowed
func (s *Session) CanBuy(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buyCounts[tokenID] >= s.maxBuysPerMarket {
		log.Debug().
			Str("token", tokenID).
			Int("count", s.buyCounts[tokenID]).
			Msg("Buy limit reached for market")
		return false
	}

	if closed, ok := s.closedAt[tokenID]; ok {
		if remaining := s.cooldown - time.Since(closed); remaining > 0 {
			log.Debug().
				Str("token", tokenID).
				Dur("remaining", remaining).
				Msg("Re-entry cooldown active")
			return false
		}
	}

	return true
}

// RecordBuy increments the buy count for a token
func (s *Session) RecordBuy(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buyCounts[tokenID]++
}

// RecordClosure starts the re-entry cooldown and frees the buy slot.
// Invoked from the PnL tracker's closure callback.
func (s *Session) RecordClosure(tokenID, marketLabel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closedAt[tokenID] = time.Now()
	delete(s.buyCounts, tokenID)

	log.Info().
		Str("token", tokenID).
		Str("market", marketLabel).
		Dur("cooldown", s.cooldown).
		Msg("⏳ Re-entry cooldown started")
}

// Uptime returns how long this session has been running
func (s *Session) Uptime() time.Duration {
	return time.Since(s.startedAt)
}
