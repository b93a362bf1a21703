// Package ledger is the append-only record of executed trades and notable
// decisions, and the source of truth for daily statistics after a restart.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gregtusar/autotrader/pkg/clock"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrInvalidRecord  = errors.New("invalid trade record")
	ErrDuplicateTrade = errors.New("trade already recorded")
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

type Config struct {
	Driver          string // sqlite, postgres, mysql
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string // silent, error, warn, info
}

type Ledger struct {
	db       *gorm.DB
	boundary clock.DailyBoundary
	logger   *logrus.Logger
}

func Open(cfg Config, boundary clock.DailyBoundary, logger *logrus.Logger) (*Ledger, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(cfg.DSN)
		// SQLite allows a single writer.
		cfg.MaxOpenConns = 1
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.New(logger, gormlogger.Config{SlowThreshold: time.Second, LogLevel: gormLevel(cfg.LogLevel)}),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&tradeRow{}, &decisionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}

	return &Ledger{db: db, boundary: boundary, logger: logger}, nil
}

func ensureDir(dsn string) error {
	if dsn == "" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	path := dsn
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return nil
}

func gormLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return gormlogger.Error
	case "warn":
		return gormlogger.Warn
	case "info":
		return gormlogger.Info
	}
	return gormlogger.Silent
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordTrade appends one executed trade. Errors are always returned to the
// caller; a lost record is never silently dropped.
func (l *Ledger) RecordTrade(ctx context.Context, rec models.TradeRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	row := toTradeRow(rec)
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateTrade, rec.ID)
		}
		return fmt.Errorf("failed to record trade %s: %w", rec.ID, err)
	}
	return nil
}

func validate(rec models.TradeRecord) error {
	switch {
	case rec.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case rec.Side != models.OrderSideBuy && rec.Side != models.OrderSideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidRecord, rec.Side)
	case rec.Size <= 0 || rec.Price <= 0:
		return fmt.Errorf("%w: size %v price %v", ErrInvalidRecord, rec.Size, rec.Price)
	case rec.ExecutedAt.IsZero():
		return fmt.Errorf("%w: missing execution time", ErrInvalidRecord)
	}
	return nil
}

func (l *Ledger) RecordDecision(ctx context.Context, rec models.DecisionRecord) error {
	row := toDecisionRow(rec)
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// TodayStats recomputes the current trading day's counters from persisted
// non-dry-run records.
func (l *Ledger) TodayStats(ctx context.Context, now time.Time) (models.DailyStats, error) {
	return l.StatsSince(ctx, l.boundary.DayStart(now))
}

func (l *Ledger) StatsSince(ctx context.Context, start time.Time) (models.DailyStats, error) {
	var rows []tradeRow
	err := l.db.WithContext(ctx).
		Where("executed_at >= ? AND dry_run = ?", start.UTC(), false).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return models.DailyStats{}, fmt.Errorf("failed to load trades: %w", err)
	}

	stats := models.DailyStats{Day: start}
	for _, row := range rows {
		rec := row.record()
		if rec.Side == models.OrderSideSell && rec.PnL != nil {
			stats = stats.WithSell(*rec.PnL, rec.ExecutedAt)
			continue
		}
		stats = stats.WithBuy()
	}
	return stats, nil
}

// RecentTrades returns up to limit records, most recent first.
func (l *Ledger) RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	var rows []tradeRow
	if err := l.db.WithContext(ctx).Order("seq DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	out := make([]models.TradeRecord, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}

// ReplayPosition rebuilds the open position for symbol from its trade history.
func (l *Ledger) ReplayPosition(ctx context.Context, symbol string, dryRun bool) (models.Position, error) {
	var rows []tradeRow
	err := l.db.WithContext(ctx).
		Where("symbol = ? AND dry_run = ?", symbol, dryRun).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return models.Position{}, fmt.Errorf("failed to load trades: %w", err)
	}

	pos := models.Position{Symbol: symbol}
	for _, row := range rows {
		fill := models.Fill{Price: row.Price, Size: row.Size}
		if models.OrderSide(row.Side) == models.OrderSideBuy {
			pos = pos.ApplyBuy(fill)
		} else {
			pos, _, _ = pos.ApplySell(fill)
		}
	}
	return pos, nil
}

type Summary struct {
	Since       time.Time `json:"since"`
	Trades      int       `json:"trades"`
	Buys        int       `json:"buys"`
	Sells       int       `json:"sells"`
	Volume      float64   `json:"volume"`
	RealizedPnL float64   `json:"realized_pnl"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	WinRate     float64   `json:"win_rate"`
}

// Summary aggregates volume and realized PnL since start.
func (l *Ledger) Summary(ctx context.Context, start time.Time, includeDryRun bool) (Summary, error) {
	q := l.db.WithContext(ctx).Where("executed_at >= ?", start.UTC())
	if !includeDryRun {
		q = q.Where("dry_run = ?", false)
	}
	var rows []tradeRow
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return Summary{}, fmt.Errorf("failed to load trades: %w", err)
	}

	s := Summary{Since: start, Trades: len(rows)}
	volume, pnl := decimal.Zero, decimal.Zero
	for _, row := range rows {
		volume = volume.Add(decimal.NewFromFloat(row.Funds))
		if models.OrderSide(row.Side) == models.OrderSideBuy {
			s.Buys++
			continue
		}
		s.Sells++
		if row.PnL == nil {
			continue
		}
		pnl = pnl.Add(decimal.NewFromFloat(*row.PnL))
		if *row.PnL > 0 {
			s.Wins++
		} else if *row.PnL < 0 {
			s.Losses++
		}
	}
	s.Volume = volume.InexactFloat64()
	s.RealizedPnL = pnl.InexactFloat64()
	if closed := s.Wins + s.Losses; closed > 0 {
		s.WinRate = float64(s.Wins) / float64(closed) * 100
	}
	return s, nil
}
