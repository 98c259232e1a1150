package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GUARDRAIL ENGINE - Layered pre-trade checks + trading-mode state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Strategy asks → Guardrail approves/rejects → Executor executes
//
// States: ACTIVE ⇄ HIBERNATING. Entering hibernation is an explicit
// state transition, never an exception: it halts new trading but
// loses nothing already recorded. Waking needs the cooldown elapsed
// AND a clean re-check; there is no manual override in-core.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Params are the guardrail thresholds. All numbers are configuration,
// not code.
type Params struct {
	DailyLossLimitPct    decimal.Decimal // fraction of day-start equity
	WeeklyLossLimitPct   decimal.Decimal
	MaxDrawdownPct       decimal.Decimal
	MaxConcurrent        int
	MaxPositionFraction  decimal.Decimal
	MinConfidence        decimal.Decimal
	MinVolume24h         decimal.Decimal
	MaxSpreadPct         decimal.Decimal
	TradingHourStart     int // UTC, inclusive; start==end disables the window
	TradingHourEnd       int // UTC, exclusive
	MaxConsecutiveLosses int
	FlashCrashPct        decimal.Decimal
	FlashCrashWindow     time.Duration
	ExtremeVolatilityPct decimal.Decimal
	HibernationCooldown  time.Duration
}

func normalizeParams(p Params) Params {
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 5
	}
	if p.MaxConsecutiveLosses <= 0 {
		p.MaxConsecutiveLosses = 4
	}
	if p.FlashCrashWindow <= 0 {
		p.FlashCrashWindow = 5 * time.Minute
	}
	if p.HibernationCooldown <= 0 {
		p.HibernationCooldown = time.Hour
	}
	return p
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// Engine owns the process-wide RiskState. Everyone else reads
// snapshots; nobody mutates it from outside.
type Engine struct {
	mu     sync.Mutex
	params Params

	currentEquity     decimal.Decimal
	peakEquity        decimal.Decimal
	dayStartEquity    decimal.Decimal
	weekStartEquity   decimal.Decimal
	dailyPnL          decimal.Decimal
	weeklyPnL         decimal.Decimal
	consecutiveLosses int

	mode              types.TradingMode
	hibernatedAt      time.Time
	hibernationReason string

	lastDay  int // year*1000+yearday
	lastWeek int // year*100+ISO week

	prices map[string][]pricePoint

	onHibernate func(reason string)
	onWake      func()

	nowFn func() time.Time
}

// NewEngine creates a guardrail engine in ACTIVE mode.
func NewEngine(params Params, initialEquity decimal.Decimal) *Engine {
	e := &Engine{
		params:          normalizeParams(params),
		currentEquity:   initialEquity,
		peakEquity:      initialEquity,
		dayStartEquity:  initialEquity,
		weekStartEquity: initialEquity,
		mode:            types.ModeActive,
		prices:          make(map[string][]pricePoint),
		nowFn:           time.Now,
	}
	now := e.nowFn()
	e.lastDay = dayKey(now)
	e.lastWeek = weekKey(now)

	log.Info().
		Str("equity", initialEquity.StringFixed(2)).
		Str("daily_loss_limit", e.params.DailyLossLimitPct.String()).
		Int("max_consec_losses", e.params.MaxConsecutiveLosses).
		Dur("cooldown", e.params.HibernationCooldown).
		Msg("🛡️ Guardrail engine initialized")

	return e
}

// SetNowFn overrides the time provider (useful for tests).
func (e *Engine) SetNowFn(fn func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	e.nowFn = fn
}

// OnHibernate registers a callback fired on every ACTIVE→HIBERNATING
// transition. Called outside the lock.
func (e *Engine) OnHibernate(fn func(reason string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onHibernate = fn
}

// OnWake registers a callback fired on every HIBERNATING→ACTIVE transition.
func (e *Engine) OnWake(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onWake = fn
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRE-TRADE EVALUATION
// ═══════════════════════════════════════════════════════════════════════════════

// Evaluate runs the ordered check list against a signal and returns on
// the first failing check with a human-readable reason. Any single
// failure blocks the trade; the order only matters for diagnostics.
// openPositions is the current count of OPEN ledger positions.
func (e *Engine) Evaluate(signal types.Signal, openPositions int) (bool, string) {
	e.mu.Lock()
	now := e.nowFn()
	e.rollover(now)
	e.maybeWakeLocked(now)

	reject := func(reason string) (bool, string) {
		e.mu.Unlock()
		log.Debug().
			Str("symbol", signal.Symbol).
			Str("reason", reason).
			Msg("🚫 Trade rejected")
		return false, reason
	}

	if e.mode == types.ModeHibernating {
		return reject(fmt.Sprintf("hibernating since %s: %s",
			e.hibernatedAt.Format("15:04:05"), e.hibernationReason))
	}

	dailyLimit := e.dayStartEquity.Mul(e.params.DailyLossLimitPct)
	if dailyLimit.IsPositive() && e.dailyPnL.LessThanOrEqual(dailyLimit.Neg()) {
		return reject(fmt.Sprintf("daily loss limit reached (%s of %s)",
			e.dailyPnL.StringFixed(2), dailyLimit.Neg().StringFixed(2)))
	}

	weeklyLimit := e.weekStartEquity.Mul(e.params.WeeklyLossLimitPct)
	if weeklyLimit.IsPositive() && e.weeklyPnL.LessThanOrEqual(weeklyLimit.Neg()) {
		return reject(fmt.Sprintf("weekly loss limit reached (%s of %s)",
			e.weeklyPnL.StringFixed(2), weeklyLimit.Neg().StringFixed(2)))
	}

	if e.params.MaxDrawdownPct.IsPositive() {
		if dd := e.drawdownLocked(); dd.GreaterThanOrEqual(e.params.MaxDrawdownPct) {
			return reject(fmt.Sprintf("drawdown limit exceeded (%s%%)",
				dd.Mul(decimal.NewFromInt(100)).StringFixed(1)))
		}
	}

	if openPositions >= e.params.MaxConcurrent {
		return reject(fmt.Sprintf("max concurrent positions reached (%d)", e.params.MaxConcurrent))
	}

	if e.params.MaxPositionFraction.IsPositive() {
		notional := signal.Price.Mul(signal.Amount)
		maxNotional := e.currentEquity.Mul(e.params.MaxPositionFraction)
		if notional.GreaterThan(maxNotional) {
			return reject(fmt.Sprintf("position size %s exceeds %s%% of equity",
				notional.StringFixed(2),
				e.params.MaxPositionFraction.Mul(decimal.NewFromInt(100)).StringFixed(0)))
		}
	}

	if signal.Confidence.LessThan(e.params.MinConfidence) {
		return reject(fmt.Sprintf("confidence %s below minimum %s",
			signal.Confidence.String(), e.params.MinConfidence.String()))
	}

	if e.params.MinVolume24h.IsPositive() && signal.Volume24h.LessThan(e.params.MinVolume24h) {
		return reject(fmt.Sprintf("24h volume %s below minimum %s",
			signal.Volume24h.String(), e.params.MinVolume24h.String()))
	}

	if e.params.MaxSpreadPct.IsPositive() && signal.SpreadPct.GreaterThan(e.params.MaxSpreadPct) {
		return reject(fmt.Sprintf("spread %s%% above maximum %s%%",
			signal.SpreadPct.StringFixed(2), e.params.MaxSpreadPct.String()))
	}

	if !withinTradingHours(now, e.params.TradingHourStart, e.params.TradingHourEnd) {
		return reject(fmt.Sprintf("outside trading hours %02d-%02d UTC",
			e.params.TradingHourStart, e.params.TradingHourEnd))
	}

	if e.consecutiveLosses >= e.params.MaxConsecutiveLosses {
		return reject(fmt.Sprintf("consecutive loss breaker (%d losses)", e.consecutiveLosses))
	}

	e.mu.Unlock()

	log.Info().
		Str("symbol", signal.Symbol).
		Str("side", string(signal.Side)).
		Str("amount", signal.Amount.String()).
		Msg("✅ Trade approved by guardrail")

	return true, ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// POST-TRADE FEEDBACK
// ═══════════════════════════════════════════════════════════════════════════════

// RecordOutcome feeds one realized trade result back into the risk
// counters, possibly tripping hibernation.
func (e *Engine) RecordOutcome(pnl decimal.Decimal) {
	e.mu.Lock()
	now := e.nowFn()
	e.rollover(now)

	e.dailyPnL = e.dailyPnL.Add(pnl)
	e.weeklyPnL = e.weeklyPnL.Add(pnl)
	e.currentEquity = e.currentEquity.Add(pnl)
	if e.currentEquity.GreaterThan(e.peakEquity) {
		e.peakEquity = e.currentEquity
	}

	var tripReason string
	if pnl.IsNegative() {
		e.consecutiveLosses++
		log.Warn().
			Str("pnl", pnl.StringFixed(2)).
			Int("consec_losses", e.consecutiveLosses).
			Msg("📉 Loss recorded")

		if e.consecutiveLosses >= e.params.MaxConsecutiveLosses {
			tripReason = fmt.Sprintf("consecutive losses (%d)", e.consecutiveLosses)
		}
	} else {
		e.consecutiveLosses = 0
		log.Info().Str("pnl", pnl.StringFixed(2)).Msg("📈 Win recorded")
	}

	if tripReason == "" && e.params.MaxDrawdownPct.IsPositive() {
		if dd := e.drawdownLocked(); dd.GreaterThanOrEqual(e.params.MaxDrawdownPct) {
			tripReason = fmt.Sprintf("drawdown ceiling (%s%%)",
				dd.Mul(decimal.NewFromInt(100)).StringFixed(1))
		}
	}

	e.hibernateLocked(now, tripReason)
}

// ObservePrice feeds a market price into the flash-crash and
// volatility windows, possibly tripping hibernation.
func (e *Engine) ObservePrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	now := e.nowFn()

	window := append(e.prices[symbol], pricePoint{price: price, at: now})
	cutoff := now.Add(-e.params.FlashCrashWindow)
	i := 0
	for i < len(window) && window[i].at.Before(cutoff) {
		i++
	}
	window = window[i:]
	e.prices[symbol] = window

	var tripReason string
	if e.params.FlashCrashPct.IsPositive() {
		if drop := windowDrop(window); drop.GreaterThanOrEqual(e.params.FlashCrashPct) {
			tripReason = fmt.Sprintf("flash crash on %s (%s%% drop in %s)",
				symbol, drop.Mul(decimal.NewFromInt(100)).StringFixed(1), e.params.FlashCrashWindow)
		}
	}
	if tripReason == "" && e.params.ExtremeVolatilityPct.IsPositive() {
		if vol := windowVolatility(window); vol.GreaterThanOrEqual(e.params.ExtremeVolatilityPct) {
			tripReason = fmt.Sprintf("extreme volatility on %s (%s%%)",
				symbol, vol.Mul(decimal.NewFromInt(100)).StringFixed(1))
		}
	}

	e.hibernateLocked(now, tripReason)
}

// Maintain performs periodic state upkeep: day/week rollovers and the
// hibernation wake check. The coordinator calls it once per tick.
func (e *Engine) Maintain() {
	e.mu.Lock()
	now := e.nowFn()
	e.rollover(now)
	e.maybeWakeLocked(now)
	e.mu.Unlock()
}

// Snapshot returns a copy of the current risk state.
func (e *Engine) Snapshot() types.RiskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return types.RiskState{
		DailyPnL:          e.dailyPnL,
		WeeklyPnL:         e.weeklyPnL,
		PeakEquity:        e.peakEquity,
		Drawdown:          e.drawdownLocked(),
		ConsecutiveLosses: e.consecutiveLosses,
		Mode:              e.mode,
		HibernatedAt:      e.hibernatedAt,
		HibernationReason: e.hibernationReason,
	}
}

// Mode returns the current trading mode.
func (e *Engine) Mode() types.TradingMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATE MACHINE INTERNALS
// ═══════════════════════════════════════════════════════════════════════════════

// hibernateLocked transitions to HIBERNATING when reason is non-empty
// and releases the lock either way. Callbacks run outside the lock.
func (e *Engine) hibernateLocked(now time.Time, reason string) {
	if reason == "" || e.mode == types.ModeHibernating {
		e.mu.Unlock()
		return
	}
	e.mode = types.ModeHibernating
	e.hibernatedAt = now
	e.hibernationReason = reason
	cb := e.onHibernate
	e.mu.Unlock()

	log.Error().
		Str("reason", reason).
		Dur("cooldown", e.params.HibernationCooldown).
		Msg("🚨 HIBERNATION - trading halted")

	if cb != nil {
		cb(reason)
	}
}

// maybeWakeLocked wakes from hibernation once the cooldown elapsed and
// the re-check finds no ongoing emergency. Caller holds the lock.
func (e *Engine) maybeWakeLocked(now time.Time) {
	if e.mode != types.ModeHibernating {
		return
	}
	if now.Sub(e.hibernatedAt) < e.params.HibernationCooldown {
		return
	}
	if reason := e.emergencyLocked(now); reason != "" {
		log.Warn().Str("reason", reason).Msg("😴 Wake check failed, staying hibernated")
		e.hibernatedAt = now // restart the cooldown
		e.hibernationReason = reason
		return
	}

	e.mode = types.ModeActive
	e.hibernationReason = ""
	e.consecutiveLosses = 0
	cb := e.onWake
	log.Info().Msg("☀️ Hibernation over - trading resumed")
	if cb != nil {
		go cb() // caller still holds the lock
	}
}

// emergencyLocked re-checks every trip condition. Caller holds the lock.
func (e *Engine) emergencyLocked(now time.Time) string {
	if e.params.MaxDrawdownPct.IsPositive() {
		if dd := e.drawdownLocked(); dd.GreaterThanOrEqual(e.params.MaxDrawdownPct) {
			return "drawdown still above ceiling"
		}
	}
	cutoff := now.Add(-e.params.FlashCrashWindow)
	for symbol, window := range e.prices {
		i := 0
		for i < len(window) && window[i].at.Before(cutoff) {
			i++
		}
		window = window[i:]
		e.prices[symbol] = window

		if e.params.FlashCrashPct.IsPositive() && windowDrop(window).GreaterThanOrEqual(e.params.FlashCrashPct) {
			return "flash crash window still hot: " + symbol
		}
		if e.params.ExtremeVolatilityPct.IsPositive() && windowVolatility(window).GreaterThanOrEqual(e.params.ExtremeVolatilityPct) {
			return "volatility still extreme: " + symbol
		}
	}
	return ""
}

// rollover resets daily/weekly counters on date boundaries. Caller
// holds the lock.
func (e *Engine) rollover(now time.Time) {
	if dk := dayKey(now); dk != e.lastDay {
		e.dailyPnL = decimal.Zero
		e.dayStartEquity = e.currentEquity
		e.lastDay = dk
		log.Info().Str("equity", e.currentEquity.StringFixed(2)).Msg("📅 Daily risk counters reset")
	}
	if wk := weekKey(now); wk != e.lastWeek {
		e.weeklyPnL = decimal.Zero
		e.weekStartEquity = e.currentEquity
		e.lastWeek = wk
	}
}

func (e *Engine) drawdownLocked() decimal.Decimal {
	if e.peakEquity.IsZero() {
		return decimal.Zero
	}
	return e.peakEquity.Sub(e.currentEquity).Div(e.peakEquity)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func dayKey(t time.Time) int {
	return t.UTC().Year()*1000 + t.UTC().YearDay()
}

func weekKey(t time.Time) int {
	year, week := t.UTC().ISOWeek()
	return year*100 + week
}

// withinTradingHours checks the UTC hour window [start, end);
// start==end means the window is disabled.
func withinTradingHours(now time.Time, start, end int) bool {
	if start == end {
		return true
	}
	hour := now.UTC().Hour()
	if start < end {
		return hour >= start && hour < end
	}
	// window wraps midnight
	return hour >= start || hour < end
}

// windowDrop returns the fractional fall from the window high to the
// latest price.
func windowDrop(window []pricePoint) decimal.Decimal {
	if len(window) < 2 {
		return decimal.Zero
	}
	high := window[0].price
	for _, p := range window[1:] {
		if p.price.GreaterThan(high) {
			high = p.price
		}
	}
	if high.IsZero() {
		return decimal.Zero
	}
	last := window[len(window)-1].price
	drop := high.Sub(last).Div(high)
	if drop.IsNegative() {
		return decimal.Zero
	}
	return drop
}

// windowVolatility is the fractional high-low range over the window,
// a cheap proxy that needs no return series.
func windowVolatility(window []pricePoint) decimal.Decimal {
	if len(window) < 3 {
		return decimal.Zero
	}
	high, low := window[0].price, window[0].price
	for _, p := range window[1:] {
		if p.price.GreaterThan(high) {
			high = p.price
		}
		if p.price.LessThan(low) {
			low = p.price
		}
	}
	if high.IsZero() {
		return decimal.Zero
	}
	return high.Sub(low).Div(high)
}
