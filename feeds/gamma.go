package feeds

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATA API CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Read-only client for the Polymarket data API: wallet positions,
// portfolio value, and trade history. Both the PnL tracker and the
// exit engine re-read positions here independently.
//
// ═══════════════════════════════════════════════════════════════════════════════

type DataClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDataClient creates a data API client
func NewDataClient(baseURL string) *DataClient {
	return &DataClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type apiPosition struct {
	Asset    string  `json:"asset"`
	Size     float64 `json:"size"`
	AvgPrice float64 `json:"avgPrice"`
	CurPrice float64 `json:"curPrice"`
	Title    string  `json:"title"`
}

// GetPositions returns a wallet's open positions
func (c *DataClient) GetPositions(wallet string) ([]types.Position, error) {
	body, err := c.get("/positions?user=" + url.QueryEscape(wallet))
	if err != nil {
		return nil, err
	}

	var raw []apiPosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	positions := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		if p.Size <= 0 {
			continue
		}
		positions = append(positions, types.Position{
			TokenID:      p.Asset,
			Size:         decimal.NewFromFloat(p.Size),
			AvgPrice:     decimal.NewFromFloat(p.AvgPrice),
			CurrentPrice: decimal.NewFromFloat(p.CurPrice),
			MarketLabel:  p.Title,
		})
	}

	return positions, nil
}

// GetPortfolioValue returns the total value of a wallet's holdings
func (c *DataClient) GetPortfolioValue(wallet string) (decimal.Decimal, error) {
	body, err := c.get("/value?user=" + url.QueryEscape(wallet))
	if err != nil {
		return decimal.Zero, err
	}

	var raw []struct {
		User  string  `json:"user"`
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return decimal.Zero, fmt.Errorf("parse value: %w", err)
	}
	if len(raw) == 0 {
		return decimal.Zero, nil
	}

	return decimal.NewFromFloat(raw[0].Value), nil
}

type apiTrade struct {
	TransactionHash string  `json:"transactionHash"`
	ProxyWallet     string  `json:"proxyWallet"`
	Asset           string  `json:"asset"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	Size            float64 `json:"size"`
	Title           string  `json:"title"`
	Timestamp       int64   `json:"timestamp"`
}

// GetTrades returns a wallet's most recent trades, newest first
func (c *DataClient) GetTrades(wallet string, limit int) ([]types.ObservedTrade, error) {
	path := fmt.Sprintf("/trades?user=%s&limit=%d", url.QueryEscape(wallet), limit)
	body, err := c.get(path)
	if err != nil {
		return nil, err
	}

	var raw []apiTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse trades: %w", err)
	}

	trades := make([]types.ObservedTrade, 0, len(raw))
	for _, t := range raw {
		price := decimal.NewFromFloat(t.Price)
		size := decimal.NewFromFloat(t.Size)
		trades = append(trades, types.ObservedTrade{
			ID:          t.TransactionHash,
			Wallet:      t.ProxyWallet,
			TokenID:     t.Asset,
			Side:        types.Side(t.Side),
			Price:       price,
			Size:        size,
			UsdAmount:   price.Mul(size),
			MarketLabel: t.Title,
			Timestamp:   time.Unix(t.Timestamp, 0),
		})
	}

	return trades, nil
}

func (c *DataClient) get(path string) ([]byte, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
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
