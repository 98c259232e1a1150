package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side of a held position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Status of a position
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Position represents a currently-or-formerly open trade.
// Closed rows are kept forever for audit and statistics.
type Position struct {
	ID              string          `gorm:"primaryKey"`
	Symbol          string          `gorm:"index"`
	Side            Side
	EntryPrice      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,8)"`
	CurrentPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopPrice       decimal.Decimal `gorm:"type:decimal(20,8)"`
	TakeProfitPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	TrailingStopPct decimal.Decimal `gorm:"type:decimal(10,4)"`
	OpenedAt        time.Time       `gorm:"index"`
	ClosedAt        *time.Time
	Status          Status          `gorm:"index"`
	PnL             decimal.Decimal `gorm:"column:pnl;type:decimal(20,8)"`
	PnLPct          decimal.Decimal `gorm:"column:pnl_pct;type:decimal(10,4)"`
	Fees            decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExchangeOrderID string
	Metadata        string          `gorm:"default:'{}'"` // JSON
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsOpen reports whether the position is still live.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// EventType classifies a position event
type EventType string

const (
	EventOpened     EventType = "OPENED"
	EventUpdated    EventType = "UPDATED"
	EventClosed     EventType = "CLOSED"
	EventReconciled EventType = "RECONCILED_OPEN"
	EventAutoClosed EventType = "RECONCILED_CLOSE"
)

// PositionEvent is an immutable, append-only fact about a position.
// Events are written in the same transaction as the row mutation and
// never updated or deleted (orphans excepted, see SelfDiagnose).
type PositionEvent struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	PositionID string          `gorm:"index"`
	Type       EventType
	Price      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnL        decimal.Decimal `gorm:"column:pnl;type:decimal(20,8)"`
	Reason     string
	Timestamp  time.Time       `gorm:"index"`
}

// ReconciliationRecord summarizes one reconciliation pass. Append-only.
type ReconciliationRecord struct {
	ID               string    `gorm:"primaryKey"`
	RemoteOpenCount  int
	LocalOpenCount   int
	DiscrepancyCount int
	Actions          string    // JSON array of corrective actions
	Status           string    // SYNCED or FIXED
	Timestamp        time.Time `gorm:"index"`
}

// HealthEntry records an operational health event (exchange call outcomes,
// self-diagnosis fixes). Best-effort: writes to this table never block the
// critical path.
type HealthEntry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Op        string    `gorm:"index"`
	Attempts  int
	Outcome   string
	Detail    string
	Timestamp time.Time `gorm:"index"`
}

// TradingMode of the guardrail state machine
type TradingMode string

const (
	ModeActive      TradingMode = "ACTIVE"
	ModeHibernating TradingMode = "HIBERNATING"
)

// RiskState is the read-only view of the guardrail engine's state.
// Owned exclusively by the guardrail; everyone else gets a copy.
type RiskState struct {
	DailyPnL          decimal.Decimal
	WeeklyPnL         decimal.Decimal
	PeakEquity        decimal.Decimal
	Drawdown          decimal.Decimal
	ConsecutiveLosses int
	Mode              TradingMode
	HibernatedAt      time.Time
	HibernationReason string
}

// Order is a fill returned by the exchange client
type Order struct {
	ID     string
	Symbol string
	Side   string // BUY or SELL
	Price  decimal.Decimal
	Amount decimal.Decimal
	Paper  bool
	Time   time.Time
}

// RemotePosition is an open position as reported by the venue
type RemotePosition struct {
	Symbol     string
	Side       Side
	SideKnown  bool // venues with spot-only data cannot disambiguate
	EntryPrice decimal.Decimal
	Amount     decimal.Decimal
}

// Ticker is a venue price snapshot
type Ticker struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp time.Time
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price.
func (t *Ticker) SpreadPct() decimal.Decimal {
	mid := t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(mid).Mul(decimal.NewFromInt(100))
}

// Signal is an already-formed trade intent handed to the core.
// Where it came from (strategy, chat command) is not our concern.
type Signal struct {
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Confidence decimal.Decimal // 0..1
	Volume24h  decimal.Decimal
	SpreadPct  decimal.Decimal
	Reason     string
}
