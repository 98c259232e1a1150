package risk

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT MANAGER - Per-position post-trade checks
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each open position is evaluated independently against stop-loss,
// staged take-profit, max holding time and a trailing-stop ladder.
// The trailing stop only ever tightens: it moves in the trader's
// favor or not at all.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Exit reasons written into the ledger's CLOSED events.
const (
	ExitStopLoss    = "STOP_LOSS"
	ExitTakeProfit  = "TAKE_PROFIT"
	ExitMaxHoldTime = "MAX_HOLD_TIME"
)

// ExitParams configures the exit ladder.
type ExitParams struct {
	PartialTakeFrac     decimal.Decimal // fraction closed at a TP rung; <=0 or >=1 means full close
	TrailingStartPct    decimal.Decimal // profit fraction that arms the trail
	TrailingDistancePct decimal.Decimal // trail distance from the favorable extreme
	MaxHoldTime         time.Duration
}

// ExitDecision is the outcome of one position check.
type ExitDecision struct {
	Close         bool
	CloseAmount   decimal.Decimal // zero means the whole position
	Reason        string
	NewStopPrice  *decimal.Decimal // tightened trailing stop, nil when unchanged
	NewTakeProfit *decimal.Decimal // next rung after a partial take, nil when unchanged
}

// ExitManager evaluates exit conditions for open positions.
type ExitManager struct {
	params ExitParams
	nowFn  func() time.Time
}

// NewExitManager creates an exit manager.
func NewExitManager(params ExitParams) *ExitManager {
	return &ExitManager{params: params, nowFn: time.Now}
}

// SetNowFn overrides the time provider (useful for tests).
func (m *ExitManager) SetNowFn(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	m.nowFn = fn
}

// CheckExit decides whether a position should be (partially) closed at
// the given price, and whether its stops should tighten.
func (m *ExitManager) CheckExit(pos *types.Position, price decimal.Decimal) ExitDecision {
	long := pos.Side == types.SideLong

	// Stop loss.
	if pos.StopPrice.IsPositive() {
		hit := price.LessThanOrEqual(pos.StopPrice)
		if !long {
			hit = price.GreaterThanOrEqual(pos.StopPrice)
		}
		if hit {
			return ExitDecision{Close: true, Reason: ExitStopLoss}
		}
	}

	// Take profit, possibly staged.
	if pos.TakeProfitPrice.IsPositive() {
		hit := price.GreaterThanOrEqual(pos.TakeProfitPrice)
		if !long {
			hit = price.LessThanOrEqual(pos.TakeProfitPrice)
		}
		if hit {
			frac := m.params.PartialTakeFrac
			if frac.IsPositive() && frac.LessThan(decimal.NewFromInt(1)) {
				closeAmount := pos.Amount.Mul(frac)
				next := nextRung(pos, long)
				log.Debug().
					Str("id", pos.ID).
					Str("close_amount", closeAmount.String()).
					Str("next_tp", next.String()).
					Msg("🎯 Partial take-profit rung hit")
				return ExitDecision{
					Close:         true,
					CloseAmount:   closeAmount,
					Reason:        ExitTakeProfit,
					NewTakeProfit: &next,
				}
			}
			return ExitDecision{Close: true, Reason: ExitTakeProfit}
		}
	}

	// Max holding time.
	if m.params.MaxHoldTime > 0 && m.nowFn().Sub(pos.OpenedAt) > m.params.MaxHoldTime {
		return ExitDecision{Close: true, Reason: ExitMaxHoldTime}
	}

	// Trailing ladder: tighten only.
	if newStop := m.trailingStop(pos, price, long); newStop != nil {
		return ExitDecision{NewStopPrice: newStop}
	}

	return ExitDecision{}
}

// trailingStop returns a tightened stop or nil. The candidate trails
// the current price by the configured distance once the arm threshold
// is reached; it is only proposed when strictly tighter than the
// current stop.
func (m *ExitManager) trailingStop(pos *types.Position, price decimal.Decimal, long bool) *decimal.Decimal {
	dist := pos.TrailingStopPct
	if !dist.IsPositive() {
		dist = m.params.TrailingDistancePct
	}
	if !dist.IsPositive() || pos.EntryPrice.IsZero() {
		return nil
	}

	profit := price.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	if !long {
		profit = profit.Neg()
	}
	if profit.LessThan(m.params.TrailingStartPct) {
		return nil
	}

	one := decimal.NewFromInt(1)
	var candidate decimal.Decimal
	if long {
		candidate = price.Mul(one.Sub(dist))
		if candidate.GreaterThan(pos.StopPrice) {
			log.Debug().
				Str("id", pos.ID).
				Str("old_stop", pos.StopPrice.String()).
				Str("new_stop", candidate.String()).
				Msg("🪜 Trailing stop tightened")
			return &candidate
		}
	} else {
		candidate = price.Mul(one.Add(dist))
		if pos.StopPrice.IsZero() || candidate.LessThan(pos.StopPrice) {
			log.Debug().
				Str("id", pos.ID).
				Str("old_stop", pos.StopPrice.String()).
				Str("new_stop", candidate.String()).
				Msg("🪜 Trailing stop tightened")
			return &candidate
		}
	}
	return nil
}

// nextRung extends the take-profit by the original entry→TP distance,
// so each partial take arms the next level.
func nextRung(pos *types.Position, long bool) decimal.Decimal {
	step := pos.TakeProfitPrice.Sub(pos.EntryPrice).Abs()
	if long {
		return pos.TakeProfitPrice.Add(step)
	}
	return pos.TakeProfitPrice.Sub(step)
}
