package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

func exitParams() ExitParams {
	return ExitParams{
		PartialTakeFrac:     dec("0.5"),
		TrailingStartPct:    dec("0.04"),
		TrailingDistancePct: dec("0.02"),
		MaxHoldTime:         48 * time.Hour,
	}
}

func longPosition() *types.Position {
	return &types.Position{
		ID:              "BTC-USDT_LONG_1",
		Symbol:          "BTC/USDT",
		Side:            types.SideLong,
		EntryPrice:      dec("100"),
		Amount:          dec("1"),
		StopPrice:       dec("97"),
		TakeProfitPrice: dec("106"),
		OpenedAt:        time.Now(),
		Status:          types.StatusOpen,
	}
}

func TestStopLossLong(t *testing.T) {
	m := NewExitManager(exitParams())

	decision := m.CheckExit(longPosition(), dec("96.5"))
	if !decision.Close || decision.Reason != ExitStopLoss {
		t.Fatalf("expected stop-loss close, got %+v", decision)
	}
	if !decision.CloseAmount.IsZero() {
		t.Fatalf("stop loss closes the whole position, got amount %s", decision.CloseAmount)
	}
}

func TestStopLossShort(t *testing.T) {
	m := NewExitManager(exitParams())

	pos := longPosition()
	pos.Side = types.SideShort
	pos.StopPrice = dec("103")
	pos.TakeProfitPrice = dec("94")

	decision := m.CheckExit(pos, dec("104"))
	if !decision.Close || decision.Reason != ExitStopLoss {
		t.Fatalf("expected short stop-loss close, got %+v", decision)
	}
}

func TestFullTakeProfit(t *testing.T) {
	p := exitParams()
	p.PartialTakeFrac = decimal.Zero // staging disabled
	m := NewExitManager(p)

	decision := m.CheckExit(longPosition(), dec("106"))
	if !decision.Close || decision.Reason != ExitTakeProfit {
		t.Fatalf("expected take-profit close, got %+v", decision)
	}
	if !decision.CloseAmount.IsZero() {
		t.Fatalf("expected full close, got amount %s", decision.CloseAmount)
	}
}

func TestPartialTakeProfitArmsNextRung(t *testing.T) {
	m := NewExitManager(exitParams())

	decision := m.CheckExit(longPosition(), dec("106"))
	if !decision.Close || decision.Reason != ExitTakeProfit {
		t.Fatalf("expected take-profit, got %+v", decision)
	}
	if !decision.CloseAmount.Equal(dec("0.5")) {
		t.Fatalf("expected half the position closed, got %s", decision.CloseAmount)
	}
	if decision.NewTakeProfit == nil {
		t.Fatal("expected the next rung to be armed")
	}
	// Entry 100, TP 106: the next rung extends by the same 6 points.
	if !decision.NewTakeProfit.Equal(dec("112")) {
		t.Fatalf("expected next rung at 112, got %s", decision.NewTakeProfit)
	}
}

func TestMaxHoldTime(t *testing.T) {
	m := NewExitManager(exitParams())

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	m.SetNowFn(func() time.Time { return now })

	pos := longPosition()
	pos.StopPrice = decimal.Zero
	pos.TakeProfitPrice = decimal.Zero
	pos.OpenedAt = now.Add(-49 * time.Hour)

	decision := m.CheckExit(pos, dec("101"))
	if !decision.Close || decision.Reason != ExitMaxHoldTime {
		t.Fatalf("expected max-hold close, got %+v", decision)
	}
}

func TestTrailingStopTightensOnly(t *testing.T) {
	m := NewExitManager(exitParams())

	pos := longPosition()

	// +5% profit arms the trail: stop moves to 105 * 0.98 = 102.9.
	decision := m.CheckExit(pos, dec("105"))
	if decision.Close {
		t.Fatalf("unexpected close: %+v", decision)
	}
	if decision.NewStopPrice == nil || !decision.NewStopPrice.Equal(dec("102.9")) {
		t.Fatalf("expected tightened stop 102.9, got %v", decision.NewStopPrice)
	}
	pos.StopPrice = *decision.NewStopPrice

	// Price eases back: the candidate 101.92 is looser, so no change.
	decision = m.CheckExit(pos, dec("104"))
	if decision.NewStopPrice != nil {
		t.Fatalf("trailing stop loosened to %s", decision.NewStopPrice)
	}

	// New high tightens again.
	decision = m.CheckExit(pos, dec("110"))
	if decision.NewStopPrice == nil || !decision.NewStopPrice.Equal(dec("107.8")) {
		t.Fatalf("expected tightened stop 107.8, got %v", decision.NewStopPrice)
	}
}

func TestTrailingStopNotArmedBelowThreshold(t *testing.T) {
	m := NewExitManager(exitParams())

	// +2% profit is below the 4% arm threshold.
	decision := m.CheckExit(longPosition(), dec("102"))
	if decision.Close || decision.NewStopPrice != nil {
		t.Fatalf("trail armed too early: %+v", decision)
	}
}

func TestTrailingStopShort(t *testing.T) {
	m := NewExitManager(exitParams())

	pos := longPosition()
	pos.Side = types.SideShort
	pos.StopPrice = dec("103")
	pos.TakeProfitPrice = dec("90")

	// -5% move is +5% profit for a short: stop 95 * 1.02 = 96.9.
	decision := m.CheckExit(pos, dec("95"))
	if decision.NewStopPrice == nil || !decision.NewStopPrice.Equal(dec("96.9")) {
		t.Fatalf("expected tightened short stop 96.9, got %v", decision.NewStopPrice)
	}
}

func TestPerPositionTrailingOverride(t *testing.T) {
	m := NewExitManager(exitParams())

	pos := longPosition()
	pos.TrailingStopPct = dec("0.01") // tighter than the engine default

	decision := m.CheckExit(pos, dec("105"))
	if decision.NewStopPrice == nil || !decision.NewStopPrice.Equal(dec("103.95")) {
		t.Fatalf("expected override distance stop 103.95, got %v", decision.NewStopPrice)
	}
}
