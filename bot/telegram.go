package bot

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   📋 Copy-trade notifications
//   🚨 Exit engine events (tracking start, emergency exits)
//   💰 Closure alerts with session PnL
//   🎛️ Commands: /status /positions /pnl /help
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider supplies the numbers behind the commands
type StatsProvider interface {
	SessionStats() (wins, losses int, realized, unrealized decimal.Decimal)
	OpenPositions() []types.PositionSnapshot
	TrackedCount() int
	Balance() (decimal.Decimal, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	stats   StatsProvider
	running bool
	stopCh  chan struct{}
}

// NewTelegramBot creates a new Telegram bot. Returns nil without error
// when no token is configured; all notify methods are nil-safe.
func NewTelegramBot(cfg *config.Config, stats StatsProvider) (*TelegramBot, error) {
	if cfg.TelegramToken == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, notifications disabled")
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &TelegramBot{
		api:    api,
		chatID: cfg.TelegramChatID,
		stats:  stats,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins the command loop
func (b *TelegramBot) Start() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()

	b.send("🤖 Polycopy online")
	log.Info().Str("bot", b.api.Self.UserName).Msg("📱 Telegram bot started")
}

// Stop halts the command loop
func (b *TelegramBot) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	b.api.StopReceivingUpdates()
}

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if b.chatID != 0 && update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message.Command())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd string) {
	switch cmd {
	case "status":
		b.sendStatus()
	case "positions":
		b.sendPositions()
	case "pnl":
		b.sendPnL()
	case "help":
		b.send("Commands:\n/status - balance & tracking overview\n/positions - open positions\n/pnl - session PnL")
	}
}

func (b *TelegramBot) sendStatus() {
	balance, err := b.stats.Balance()
	balanceStr := "unavailable"
	if err == nil {
		balanceStr = "$" + balance.StringFixed(2)
	}

	wins, losses, realized, _ := b.stats.SessionStats()

	var sb strings.Builder
	sb.WriteString("📊 *Status*\n")
	fmt.Fprintf(&sb, "Balance: %s\n", balanceStr)
	fmt.Fprintf(&sb, "Open positions: %d\n", len(b.stats.OpenPositions()))
	fmt.Fprintf(&sb, "Under exit management: %d\n", b.stats.TrackedCount())
	fmt.Fprintf(&sb, "Session: %dW / %dL, realized $%s", wins, losses, realized.StringFixed(2))

	b.send(sb.String())
}

func (b *TelegramBot) sendPositions() {
	positions := b.stats.OpenPositions()
	if len(positions) == 0 {
		b.send("No open positions")
		return
	}

	var sb strings.Builder
	sb.WriteString("📋 *Open Positions*\n")
	for _, p := range positions {
		pct := decimal.Zero
		if p.CostBasis.IsPositive() {
			pct = p.UnrealizedPnL.Div(p.CostBasis).Mul(decimal.NewFromInt(100))
		}
		fmt.Fprintf(&sb, "• %s\n  %s @ %s → %s (%s%%)\n",
			trim(p.MarketLabel, 48),
			p.Size.StringFixed(1),
			p.AvgPrice.StringFixed(3),
			p.CurrentPrice.StringFixed(3),
			pct.StringFixed(1))
	}

	b.send(sb.String())
}

func (b *TelegramBot) sendPnL() {
	wins, losses, realized, unrealized := b.stats.SessionStats()

	var sb strings.Builder
	sb.WriteString("💰 *Session PnL*\n")
	fmt.Fprintf(&sb, "Realized: $%s\n", realized.StringFixed(2))
	fmt.Fprintf(&sb, "Unrealized (open): $%s\n", unrealized.StringFixed(2))
	fmt.Fprintf(&sb, "Wins: %d  Losses: %d", wins, losses)

	b.send(sb.String())
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyCopy announces an executed copy trade
func (b *TelegramBot) NotifyCopy(market string, side types.Side, price, usdAmount decimal.Decimal, wallet string) {
	if b == nil {
		return
	}
	emoji := "🟢"
	if side == types.SideSell {
		emoji = "🔴"
	}
	b.send(fmt.Sprintf("%s Copied %s\n%s\n$%s @ %s (from %s)",
		emoji, side, trim(market, 48), usdAmount.StringFixed(2), price.StringFixed(3), trim(wallet, 10)))
}

// NotifyExit announces an exit engine event
func (b *TelegramBot) NotifyExit(event, market string, price, pnlPct decimal.Decimal) {
	if b == nil {
		return
	}
	var header string
	switch event {
	case "TRACKING":
		header = "🎯 Tracking for take-profit"
	case "EMERGENCY_FILLED":
		header = "🚨 Emergency exit filled"
	case "EMERGENCY_FALLBACK":
		header = "⚠️ Emergency fallback order resting"
	default:
		header = event
	}
	b.send(fmt.Sprintf("%s\n%s\n@ %s (%s%% vs entry)",
		header, trim(market, 48), price.StringFixed(3),
		pnlPct.Mul(decimal.NewFromInt(100)).StringFixed(1)))
}

func (b *TelegramBot) send(text string) {
	if b == nil || b.chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
