package exec

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order placement and management against the Polymarket CLOB API.
// EIP-712 style signing for order auth, HMAC headers for the L2 API.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string
	dryRun     bool
	httpClient *http.Client
}

// NewClient creates a new execution client
func NewClient(cfg *config.Config) (*Client, error) {
	client := &Client{
		baseURL:    cfg.PolymarketCLOBURL,
		apiKey:     cfg.CLOBApiKey,
		apiSecret:  cfg.CLOBApiSecret,
		passphrase: cfg.CLOBPassphrase,
		dryRun:     cfg.DryRun,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if cfg.WalletPrivateKey != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.WalletPrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		client.privateKey = pk
		client.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	mode := "DRY RUN"
	if !client.dryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("address", client.address).
		Msg("🚀 Execution client initialized")

	return client, nil
}

// ExecuteTrade places an order. The USD amount is converted to shares
// at the given limit price.
func (c *Client) ExecuteTrade(tokenID string, side types.Side, usdAmount, price decimal.Decimal, orderType types.OrderType) (*types.TradeResult, error) {
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("invalid limit price %s", price)
	}
	size := usdAmount.Div(price).Truncate(2)

	if c.dryRun {
		orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("token", shortToken(tokenID)).
			Str("side", string(side)).
			Str("type", string(orderType)).
			Str("price", price.StringFixed(3)).
			Str("usd", usdAmount.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return &types.TradeResult{Success: true, OrderID: orderID}, nil
	}

	order := map[string]interface{}{
		"tokenID":       tokenID,
		"price":         price.String(),
		"size":          size.String(),
		"side":          string(side),
		"orderType":     string(orderType),
		"expiration":    time.Now().Add(24 * time.Hour).Unix(),
		"nonce":         time.Now().UnixNano(),
		"feeRateBps":    "0",
		"signatureType": 2,
	}

	signature, err := c.signOrder(order)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	order["signature"] = signature

	resp, err := c.post("/order", order)
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if result.Error != "" {
		return &types.TradeResult{Success: false, Error: result.Error}, nil
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Str("side", string(side)).
		Str("type", string(orderType)).
		Msg("✅ Order placed")

	return &types.TradeResult{Success: true, OrderID: result.OrderID}, nil
}

// CancelOrder cancels an existing order
func (c *Client) CancelOrder(orderID string) bool {
	if c.dryRun {
		log.Info().Str("order_id", orderID).Msg("📝 DRY RUN: Order would be cancelled")
		return true
	}

	if _, err := c.delete("/order/" + orderID); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("Cancel failed")
		return false
	}
	return true
}

// GetBestBid returns the highest resting bid for a token,
// or an error when the book is empty
func (c *Client) GetBestBid(tokenID string) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	if len(book.Bids) == 0 {
		return decimal.Zero, fmt.Errorf("no bids for %s", shortToken(tokenID))
	}

	best := book.Bids[0].Price
	for _, lvl := range book.Bids[1:] {
		if lvl.Price.GreaterThan(best) {
			best = lvl.Price
		}
	}
	return best, nil
}

// GetOrderBook fetches the full book for a token
func (c *Client) GetOrderBook(tokenID string) (*types.OrderBook, error) {
	resp, err := c.get("/book?token_id=" + tokenID)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Bids []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"asks"`
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("parse book: %w", err)
	}

	book := &types.OrderBook{}
	for _, b := range raw.Bids {
		price, _ := decimal.NewFromString(b.Price)
		size, _ := decimal.NewFromString(b.Size)
		book.Bids = append(book.Bids, types.BookLevel{Price: price, Size: size})
	}
	for _, a := range raw.Asks {
		price, _ := decimal.NewFromString(a.Price)
		size, _ := decimal.NewFromString(a.Size)
		book.Asks = append(book.Asks, types.BookLevel{Price: price, Size: size})
	}

	return book, nil
}

// GetBalance returns current USDC balance
func (c *Client) GetBalance() (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromFloat(100), nil // Simulated balance
	}

	resp, err := c.get("/balance")
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}

	balance, _ := decimal.NewFromString(result.Balance)
	return balance, nil
}

// IsDryRun returns true if in dry run mode
func (c *Client) IsDryRun() bool {
	return c.dryRun
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(path string) ([]byte, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) post(path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) delete(path string) ([]byte, error) {
	req, err := http.NewRequest("DELETE", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		message := timestamp + req.Method + req.URL.Path
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) signOrder(order map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, _ := json.Marshal(order)
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(sig), nil
}

func (c *Client) hmacSign(message string) string {
	hash := crypto.Keccak256([]byte(message + c.apiSecret))
	return hexutil.Encode(hash)
}
