package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION LEDGER - Event-sourced, crash-safe position store
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every mutation writes the row change and its audit event in one
// transaction, or neither. Closed rows are never deleted. Sqlite runs
// with WAL journaling and full synchronous commits so a write that
// returned survives a crash.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Store is the handle to the position ledger.
type Store struct {
	db *gorm.DB

	// Single-writer discipline: mutations are serialized here so two
	// concurrent updates for the same id can never interleave.
	writeMu sync.Mutex

	staleThreshold time.Duration
	nowFn          func() time.Time
}

// Open connects to the ledger database. A postgres:// DSN selects
// PostgreSQL, anything else is treated as a sqlite file path.
func Open(dsn string, staleThreshold time.Duration) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Ledger connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		// WAL for concurrent readers, FULL sync so commits are durable
		// the moment a mutating call returns.
		db.Exec("PRAGMA journal_mode=WAL")
		db.Exec("PRAGMA synchronous=FULL")
		db.Exec("PRAGMA busy_timeout=5000")
		log.Info().Str("path", dsn).Msg("💾 Ledger initialized (SQLite, WAL)")
	}

	if err := db.AutoMigrate(
		&types.Position{},
		&types.PositionEvent{},
		&types.ReconciliationRecord{},
		&types.HealthEntry{},
	); err != nil {
		return nil, err
	}

	if staleThreshold <= 0 {
		staleThreshold = 72 * time.Hour
	}

	return &Store{
		db:             db,
		staleThreshold: staleThreshold,
		nowFn:          time.Now,
	}, nil
}

// SetNowFn overrides the time provider (useful for tests).
func (s *Store) SetNowFn(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	s.nowFn = fn
}

// CloseDB releases the underlying connection.
func (s *Store) CloseDB() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordHealth appends an operational health entry. Health logging is
// off the critical path: failures are logged and swallowed.
func (s *Store) RecordHealth(op string, attempts int, outcome, detail string) {
	entry := &types.HealthEntry{
		Op:        op,
		Attempts:  attempts,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: s.nowFn(),
	}
	if err := s.db.Create(entry).Error; err != nil {
		log.Warn().Err(err).Str("op", op).Msg("Failed to record health entry")
	}
}

// RecentHealth returns the latest health entries, newest first.
func (s *Store) RecentHealth(limit int) ([]types.HealthEntry, error) {
	var entries []types.HealthEntry
	err := s.db.Order("timestamp DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// Stats returns aggregate ledger statistics.
func (s *Store) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var openCount int64
	s.db.Model(&types.Position{}).Where("status = ?", types.StatusOpen).Count(&openCount)
	stats["open_positions"] = openCount

	var closedCount int64
	s.db.Model(&types.Position{}).Where("status = ?", types.StatusClosed).Count(&closedCount)
	stats["closed_positions"] = closedCount

	var pnlResult struct {
		Total decimal.Decimal
	}
	s.db.Model(&types.Position{}).
		Where("status = ?", types.StatusClosed).
		Select("COALESCE(SUM(pnl), 0) as total").
		Scan(&pnlResult)
	stats["realized_pnl"] = pnlResult.Total

	var wins int64
	s.db.Model(&types.Position{}).
		Where("status = ? AND pnl > 0", types.StatusClosed).
		Count(&wins)
	stats["wins"] = wins
	stats["losses"] = closedCount - wins

	var reconCount int64
	s.db.Model(&types.ReconciliationRecord{}).Count(&reconCount)
	stats["reconciliation_passes"] = reconCount

	return stats, nil
}
