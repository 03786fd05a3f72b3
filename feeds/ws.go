package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET WEBSOCKET PRICE CACHE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Connects to the Polymarket market channel and keeps a last-known price
// per token. The exit engine prefers a fresh websocket price between
// polls and falls back to the polled snapshot price otherwise.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	PolymarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	reconnectDelay  = 5 * time.Second
	pingInterval    = 30 * time.Second
)

type wsPrice struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// PriceFeed maintains the websocket connection and price cache
type PriceFeed struct {
	mu sync.RWMutex

	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	// Tokens to (re)subscribe after each connect
	tokens map[string]struct{}

	// Last seen price per token id
	prices map[string]wsPrice
}

// NewPriceFeed creates a new feed instance
func NewPriceFeed() *PriceFeed {
	return &PriceFeed{
		wsURL:  PolymarketWSURL,
		stopCh: make(chan struct{}),
		tokens: make(map[string]struct{}),
		prices: make(map[string]wsPrice),
	}
}

// Start connects and begins processing
func (f *PriceFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📡 Price feed started")
}

// Stop closes the connection
func (f *PriceFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}

	log.Info().Msg("Price feed stopped")
}

// Subscribe registers a token for live price updates
func (f *PriceFeed) Subscribe(tokenID string) {
	f.mu.Lock()
	_, known := f.tokens[tokenID]
	f.tokens[tokenID] = struct{}{}
	conn := f.conn
	f.mu.Unlock()

	if known || conn == nil {
		return
	}
	f.sendSubscribe(conn, []string{tokenID})
}

// Unsubscribe stops tracking a token. The server keeps streaming until
// reconnect; stale entries are just ignored.
func (f *PriceFeed) Unsubscribe(tokenID string) {
	f.mu.Lock()
	delete(f.tokens, tokenID)
	delete(f.prices, tokenID)
	f.mu.Unlock()
}

// GetPrice returns the last seen price for a token when it is not older
// than maxAge. The second return reports whether a usable price exists.
func (f *PriceFeed) GetPrice(tokenID string, maxAge time.Duration) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[tokenID]
	if !ok || time.Since(p.updatedAt) > maxAge {
		return decimal.Zero, false
	}
	return p.price, true
}

// connectionLoop maintains the WebSocket connection
func (f *PriceFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("WS connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

// connect establishes the WebSocket connection and resubscribes
func (f *PriceFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	tokens := make([]string, 0, len(f.tokens))
	for t := range f.tokens {
		tokens = append(tokens, t)
	}
	f.mu.Unlock()

	log.Info().Int("tokens", len(tokens)).Msg("🔌 WebSocket connected")

	if len(tokens) > 0 {
		f.sendSubscribe(conn, tokens)
	}

	go f.pingLoop()

	return nil
}

func (f *PriceFeed) sendSubscribe(conn *websocket.Conn, tokens []string) {
	msg := map[string]interface{}{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": tokens,
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Msg("WS subscribe failed")
	}
}

// pingLoop keeps the connection alive
func (f *PriceFeed) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			connected := f.connected
			f.mu.RUnlock()

			if connected && conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

// readLoop reads messages until the connection drops
func (f *PriceFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("WS read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

type wsMessage struct {
	EventType string          `json:"event_type"`
	Asset     string          `json:"asset_id"`
	Price     string          `json:"price"`
	Bids      [][]interface{} `json:"bids"`
	Asks      [][]interface{} `json:"asks"`
}

// processMessage handles incoming WebSocket messages
func (f *PriceFeed) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		// Try single message
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "book":
			f.handleBook(msg)
		case "price_change", "last_trade_price":
			f.handlePrice(msg)
		}
	}
}

// handleBook derives a mid price from the top of book
func (f *PriceFeed) handleBook(msg wsMessage) {
	bestBid := topLevel(msg.Bids)
	bestAsk := topLevel(msg.Asks)
	if bestBid.IsZero() || bestAsk.IsZero() {
		return
	}

	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	f.setPrice(msg.Asset, mid)
}

func (f *PriceFeed) handlePrice(msg wsMessage) {
	price, err := decimal.NewFromString(msg.Price)
	if err != nil || price.IsZero() {
		return
	}
	f.setPrice(msg.Asset, price)
}

func (f *PriceFeed) setPrice(tokenID string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, tracked := f.tokens[tokenID]; !tracked {
		return
	}
	f.prices[tokenID] = wsPrice{price: price, updatedAt: time.Now()}
}

// topLevel extracts the best price from book levels shaped [price, size]
func topLevel(levels [][]interface{}) decimal.Decimal {
	best := decimal.Zero
	for _, lvl := range levels {
		if len(lvl) == 0 {
			continue
		}
		s, ok := lvl[0].(string)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		if price.GreaterThan(best) {
			best = price
		}
	}
	return best
}
