package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/ledger"
	"github.com/web3guy0/tradeguard/risk"
	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CYCLE COORDINATOR - One trading tick, in order
// ═══════════════════════════════════════════════════════════════════════════════
//
//   guardrail → exchange → ledger → reconciliation → guardrail feedback
//
// The coordinator is thin on purpose: all policy lives in the
// components, this only fixes the call order. Command-driven callers
// (manual reconcile, status) may run concurrently with the tick loop.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Venue is what the coordinator needs from the exchange client.
// Declared here, at the consumer, to avoid import cycles.
type Venue interface {
	PlaceOrder(ctx context.Context, symbol, side string, amount decimal.Decimal) (*types.Order, error)
	OpenPositions(ctx context.Context) ([]types.RemotePosition, error)
	Ticker(ctx context.Context, symbol string) (*types.Ticker, error)
	IsPaperMode() bool
}

// SignalSource hands the coordinator at most one trade intent per
// tick. Where signals come from (strategy, chat command) is not core's
// concern.
type SignalSource interface {
	Next() *types.Signal
}

// PriceSource is an optional fast price cache (the websocket feed).
type PriceSource interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// Notifier receives operator alerts. May be nil.
type Notifier interface {
	NotifyHibernation(reason string)
	NotifyWake()
	NotifyReconciliation(discrepancies int, actions string)
	NotifyClose(symbol, reason string, pnl decimal.Decimal)
}

// Options wires a coordinator.
type Options struct {
	Ledger            *ledger.Store
	Venue             Venue
	Guard             *risk.Engine
	Exits             *risk.ExitManager
	Signals           SignalSource
	Prices            PriceSource // optional
	Notify            Notifier    // optional
	StopLossPct       decimal.Decimal
	TakeProfitPct     decimal.Decimal
	ReconcileInterval time.Duration
}

// CoordinatorStatus is the externally queryable state snapshot.
type CoordinatorStatus struct {
	Mode          types.TradingMode
	OpenPositions int
	PaperMode     bool
	LastTick      time.Time
	LastReconcile time.Time
	Risk          types.RiskState
}

type Coordinator struct {
	ledger  *ledger.Store
	venue   Venue
	guard   *risk.Engine
	exits   *risk.ExitManager
	signals SignalSource
	prices  PriceSource
	notify  Notifier

	stopLossPct       decimal.Decimal
	takeProfitPct     decimal.Decimal
	reconcileInterval time.Duration

	mu            sync.Mutex
	lastTick      time.Time
	lastReconcile time.Time
}

// NewCoordinator wires the tick loop.
func NewCoordinator(opts Options) *Coordinator {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 5 * time.Minute
	}
	c := &Coordinator{
		ledger:            opts.Ledger,
		venue:             opts.Venue,
		guard:             opts.Guard,
		exits:             opts.Exits,
		signals:           opts.Signals,
		prices:            opts.Prices,
		notify:            opts.Notify,
		stopLossPct:       opts.StopLossPct,
		takeProfitPct:     opts.TakeProfitPct,
		reconcileInterval: opts.ReconcileInterval,
	}

	if c.notify != nil {
		c.guard.OnHibernate(c.notify.NotifyHibernation)
		c.guard.OnWake(c.notify.NotifyWake)
	}

	return c
}

// Run drives ticks at a fixed interval until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("⚡ Coordinator started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Coordinator stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one trading cycle. Each stage failing is logged and the
// tick moves on: a bad venue call must not wedge the loop.
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.Lock()
	c.lastTick = time.Now()
	c.mu.Unlock()

	// 1. Guardrail upkeep (rollovers, wake check).
	c.guard.Maintain()

	// 2. Refresh open positions and run exit checks.
	c.manageOpenPositions(ctx)

	// 3. New signal, if any.
	if signal := c.signals.Next(); signal != nil {
		c.handleSignal(ctx, *signal)
	}

	// 4. Periodic reconciliation.
	c.mu.Lock()
	due := time.Since(c.lastReconcile) >= c.reconcileInterval
	c.mu.Unlock()
	if due {
		if _, err := c.Reconcile(ctx); err != nil {
			log.Error().Err(err).Msg("❌ Reconciliation failed")
		}
	}
}

// manageOpenPositions refreshes prices, feeds the guardrail's market
// watch, and applies exit decisions.
func (c *Coordinator) manageOpenPositions(ctx context.Context) {
	positions, err := c.ledger.OpenPositions("")
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load open positions")
		return
	}

	for i := range positions {
		pos := &positions[i]
		price, ok := c.currentPrice(ctx, pos.Symbol)
		if !ok {
			continue
		}

		c.guard.ObservePrice(pos.Symbol, price)

		decision := c.exits.CheckExit(pos, price)
		switch {
		case decision.Close && decision.CloseAmount.IsPositive():
			c.partialClose(ctx, pos, price, decision)
		case decision.Close:
			c.fullClose(ctx, pos, price, decision.Reason)
		default:
			opts := ledger.UpdateOptions{StopPrice: decision.NewStopPrice}
			if _, err := c.ledger.Update(pos.ID, price, opts); err != nil {
				log.Error().Err(err).Str("id", pos.ID).Msg("❌ Position update failed")
			}
		}
	}
}

func (c *Coordinator) fullClose(ctx context.Context, pos *types.Position, price decimal.Decimal, reason string) {
	side := "SELL"
	if pos.Side == types.SideShort {
		side = "BUY"
	}
	order, err := c.venue.PlaceOrder(ctx, pos.Symbol, side, pos.Amount)
	if err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Exit order failed, position stays open")
		return
	}

	closed, err := c.ledger.Close(pos.ID, order.Price, reason, decimal.Zero)
	if err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Ledger close failed")
		return
	}
	if !closed {
		return
	}

	final, err := c.ledger.Get(pos.ID)
	if err != nil {
		return
	}
	c.guard.RecordOutcome(final.PnL)
	if c.notify != nil {
		c.notify.NotifyClose(pos.Symbol, reason, final.PnL)
	}
}

func (c *Coordinator) partialClose(ctx context.Context, pos *types.Position, price decimal.Decimal, decision risk.ExitDecision) {
	side := "SELL"
	if pos.Side == types.SideShort {
		side = "BUY"
	}
	order, err := c.venue.PlaceOrder(ctx, pos.Symbol, side, decision.CloseAmount)
	if err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Partial exit order failed")
		return
	}

	reduced, err := c.ledger.Reduce(pos.ID, decision.CloseAmount, order.Price, decimal.Zero)
	if err != nil || !reduced {
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Ledger reduce failed")
		return
	}

	// Arm the next take-profit rung.
	if decision.NewTakeProfit != nil {
		opts := ledger.UpdateOptions{TakeProfitPrice: decision.NewTakeProfit}
		if _, err := c.ledger.Update(pos.ID, order.Price, opts); err != nil {
			log.Error().Err(err).Str("id", pos.ID).Msg("❌ Take-profit rung update failed")
		}
	}

	pnl := order.Price.Sub(pos.EntryPrice).Mul(decision.CloseAmount)
	if pos.Side == types.SideShort {
		pnl = pnl.Neg()
	}
	c.guard.RecordOutcome(pnl)
}

// handleSignal runs the guardrail gate and, on approval, the order +
// ledger open.
func (c *Coordinator) handleSignal(ctx context.Context, signal types.Signal) {
	// Enrich the signal from the ticker when the source left gaps.
	if signal.Price.IsZero() || signal.Volume24h.IsZero() {
		if ticker, err := c.venue.Ticker(ctx, signal.Symbol); err == nil {
			if signal.Price.IsZero() {
				signal.Price = ticker.Last
			}
			if signal.Volume24h.IsZero() {
				signal.Volume24h = ticker.Volume24h
			}
			if signal.SpreadPct.IsZero() {
				signal.SpreadPct = ticker.SpreadPct()
			}
		}
	}

	open, err := c.ledger.OpenPositions("")
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to count open positions")
		return
	}

	approved, reason := c.guard.Evaluate(signal, len(open))
	if !approved {
		log.Info().
			Str("symbol", signal.Symbol).
			Str("reason", reason).
			Msg("🚫 Signal blocked by guardrail")
		return
	}

	side := "BUY"
	if signal.Side == types.SideShort {
		side = "SELL"
	}
	order, err := c.venue.PlaceOrder(ctx, signal.Symbol, side, signal.Amount)
	if err != nil {
		log.Error().Err(err).Str("symbol", signal.Symbol).Msg("❌ Entry order failed")
		return
	}

	one := decimal.NewFromInt(1)
	var stop, take decimal.Decimal
	if signal.Side == types.SideLong {
		stop = order.Price.Mul(one.Sub(c.stopLossPct))
		take = order.Price.Mul(one.Add(c.takeProfitPct))
	} else {
		stop = order.Price.Mul(one.Add(c.stopLossPct))
		take = order.Price.Mul(one.Sub(c.takeProfitPct))
	}

	id, err := c.ledger.Open(signal.Symbol, signal.Side, order.Price, order.Amount, ledger.OpenOptions{
		StopPrice:       stop,
		TakeProfitPrice: take,
		ExchangeOrderID: order.ID,
		Metadata:        map[string]any{"signal_reason": signal.Reason},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateID) {
			log.Error().Err(err).Msg("❌ Duplicate position id, order filled but not recorded - reconciliation will adopt it")
			return
		}
		log.Error().Err(err).Msg("❌ Ledger open failed")
		return
	}

	log.Info().
		Str("id", id).
		Str("order_id", order.ID).
		Msg("🎬 Position opened from signal")
}

// Reconcile runs one reconciliation pass against the venue. Safe to
// call from command threads while the tick loop runs.
func (c *Coordinator) Reconcile(ctx context.Context) (*types.ReconciliationRecord, error) {
	remote, err := c.venue.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	record, err := c.ledger.ReconcileWithExchange(remote)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastReconcile = time.Now()
	c.mu.Unlock()

	if c.notify != nil && record.DiscrepancyCount > 0 {
		c.notify.NotifyReconciliation(record.DiscrepancyCount, record.Actions)
	}
	return record, nil
}

// Status returns the coordinator snapshot for dashboards and chat.
func (c *Coordinator) Status() CoordinatorStatus {
	open, _ := c.ledger.OpenPositions("")

	c.mu.Lock()
	lastTick, lastReconcile := c.lastTick, c.lastReconcile
	c.mu.Unlock()

	return CoordinatorStatus{
		Mode:          c.guard.Mode(),
		OpenPositions: len(open),
		PaperMode:     c.venue.IsPaperMode(),
		LastTick:      lastTick,
		LastReconcile: lastReconcile,
		Risk:          c.guard.Snapshot(),
	}
}

// RiskState exposes the guardrail snapshot to collaborators.
func (c *Coordinator) RiskState() types.RiskState {
	return c.guard.Snapshot()
}

// currentPrice prefers the feed cache, falling back to REST.
func (c *Coordinator) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if c.prices != nil {
		if price, ok := c.prices.Price(symbol); ok && price.IsPositive() {
			return price, true
		}
	}
	ticker, err := c.venue.Ticker(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ No price available this tick")
		return decimal.Zero, false
	}
	return ticker.Last, true
}
