package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Trade journal
// ═══════════════════════════════════════════════════════════════════════════════
//
// Records every copy buy, exit order, emergency attempt, and detected
// closure. SQLite by default; Postgres when DATABASE_URL is set.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

type TradeLog struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	OrderID   string          `gorm:"index"`
	TokenID   string          `gorm:"index"`
	Market    string
	Side      string          // BUY or SELL
	Action    string          // COPY_BUY, EXIT_ORDER, REPOSITION, EMERGENCY, EMERGENCY_FALLBACK
	Price     decimal.Decimal `gorm:"type:decimal(10,6)"`
	UsdAmount decimal.Decimal `gorm:"type:decimal(20,6)"`
	Wallet    string          // counterpart wallet for copy buys
	CreatedAt time.Time
}

type ClosureLog struct {
	ID          uint            `gorm:"primaryKey;autoIncrement"`
	TokenID     string          `gorm:"index"`
	Market      string
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,6)"`
	Outcome     string          // WIN, LOSS, BREAKEVEN
	CreatedAt   time.Time
}

type DailyStat struct {
	Date     string `gorm:"primaryKey"` // YYYY-MM-DD
	Closures int
	Wins     int
	Losses   int
	PnL      decimal.Decimal `gorm:"type:decimal(20,6)"`
}

// New opens the journal database. A non-empty postgresURL selects
// Postgres, otherwise a local SQLite file is used.
func New(sqlitePath, postgresURL string) (*Database, error) {
	var dialector gorm.Dialector
	if dsn := postgresURL; dsn != "" {
		dialector = postgres.Open(dsn)
		log.Info().Msg("💾 Using Postgres journal")
	} else {
		if dir := filepath.Dir(sqlitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		dialector = sqlite.Open(sqlitePath)
		log.Info().Str("path", sqlitePath).Msg("💾 Using SQLite journal")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&TradeLog{}, &ClosureLog{}, &DailyStat{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// LogTrade records an order action
func (d *Database) LogTrade(orderID, tokenID, market string, side, action string, price, usdAmount decimal.Decimal, wallet string) {
	if d == nil {
		return
	}
	entry := TradeLog{
		OrderID:   orderID,
		TokenID:   tokenID,
		Market:    market,
		Side:      side,
		Action:    action,
		Price:     price,
		UsdAmount: usdAmount,
		Wallet:    wallet,
	}
	if err := d.db.Create(&entry).Error; err != nil {
		log.Error().Err(err).Msg("Failed to log trade")
	}
}

// LogClosure records a detected position closure and rolls the daily stat
func (d *Database) LogClosure(tokenID, market string, pnl decimal.Decimal, outcome string) {
	if d == nil {
		return
	}
	entry := ClosureLog{
		TokenID:     tokenID,
		Market:      market,
		RealizedPnL: pnl,
		Outcome:     outcome,
	}
	if err := d.db.Create(&entry).Error; err != nil {
		log.Error().Err(err).Msg("Failed to log closure")
		return
	}

	date := time.Now().UTC().Format("2006-01-02")
	var stat DailyStat
	if err := d.db.Where("date = ?", date).First(&stat).Error; err != nil {
		stat = DailyStat{Date: date, PnL: decimal.Zero}
	}
	stat.Closures++
	switch outcome {
	case "WIN":
		stat.Wins++
	case "LOSS":
		stat.Losses++
	}
	stat.PnL = stat.PnL.Add(pnl)
	if err := d.db.Save(&stat).Error; err != nil {
		log.Error().Err(err).Msg("Failed to update daily stats")
	}
}

// RecentClosures returns the last n closures, newest first
func (d *Database) RecentClosures(n int) ([]ClosureLog, error) {
	if d == nil {
		return nil, nil
	}
	var out []ClosureLog
	err := d.db.Order("created_at desc").Limit(n).Find(&out).Error
	return out, err
}

// TodayStats returns today's aggregate, zeroed when absent
func (d *Database) TodayStats() (DailyStat, error) {
	date := time.Now().UTC().Format("2006-01-02")
	var stat DailyStat
	if d == nil {
		return DailyStat{Date: date, PnL: decimal.Zero}, nil
	}
	if err := d.db.Where("date = ?", date).First(&stat).Error; err != nil {
		return DailyStat{Date: date, PnL: decimal.Zero}, nil
	}
	return stat, nil
}
