package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTickerSpreadPct(t *testing.T) {
	tick := Ticker{
		Bid: decimal.NewFromInt(99),
		Ask: decimal.NewFromInt(101),
	}
	// Spread 2 on mid 100 is 2%.
	if got := tick.SpreadPct(); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected 2%%, got %s", got)
	}

	empty := Ticker{}
	if !empty.SpreadPct().IsZero() {
		t.Fatalf("zero mid must yield zero spread, got %s", empty.SpreadPct())
	}
}

func TestPositionIsOpen(t *testing.T) {
	p := Position{Status: StatusOpen}
	if !p.IsOpen() {
		t.Fatal("OPEN position reported closed")
	}
	p.Status = StatusClosed
	if p.IsOpen() {
		t.Fatal("CLOSED position reported open")
	}
}
