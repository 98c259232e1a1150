package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/types"
)

func TestPhantomAdoption(t *testing.T) {
	s := newTestStore(t)

	remote := []types.RemotePosition{{
		Symbol:     "ETH/USDT",
		Side:       types.SideLong,
		SideKnown:  true,
		EntryPrice: dec("3000"),
		Amount:     dec("1.5"),
	}}

	record, err := s.ReconcileWithExchange(remote)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if record.Status != ReconcileStatusFixed {
		t.Fatalf("expected FIXED, got %s", record.Status)
	}
	if record.DiscrepancyCount != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", record.DiscrepancyCount)
	}

	open, _ := s.OpenPositions("ETH/USDT")
	if len(open) != 1 {
		t.Fatalf("expected adopted position, got %d", len(open))
	}
	pos := open[0]
	if pos.Side != types.SideLong || !pos.EntryPrice.Equal(dec("3000")) || !pos.Amount.Equal(dec("1.5")) {
		t.Fatalf("adopted position does not match venue: %+v", pos)
	}
	if !strings.Contains(pos.Metadata, `"reconciled":true`) {
		t.Fatalf("expected reconciled marker in metadata, got %s", pos.Metadata)
	}
	if strings.Contains(pos.Metadata, "side_assumed") {
		t.Fatalf("side was known, metadata must not say assumed: %s", pos.Metadata)
	}

	events, _ := s.History(pos.ID)
	if len(events) != 1 || events[0].Type != types.EventReconciled {
		t.Fatalf("expected a single RECONCILED_OPEN event, got %v", events)
	}

	// A second pass against the same venue state finds nothing to fix.
	record, err = s.ReconcileWithExchange(remote)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if record.Status != ReconcileStatusSynced || record.DiscrepancyCount != 0 {
		t.Fatalf("expected SYNCED with 0 discrepancies, got %s/%d",
			record.Status, record.DiscrepancyCount)
	}
}

func TestPhantomWithUnknownSide(t *testing.T) {
	s := newTestStore(t)

	remote := []types.RemotePosition{{
		Symbol:     "SOL/USDT",
		Side:       types.SideLong,
		SideKnown:  false,
		EntryPrice: dec("150"),
		Amount:     dec("10"),
	}}

	if _, err := s.ReconcileWithExchange(remote); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	open, _ := s.OpenPositions("SOL/USDT")
	if len(open) != 1 {
		t.Fatalf("expected adopted position, got %d", len(open))
	}
	if !strings.Contains(open[0].Metadata, `"side_assumed":true`) {
		t.Fatalf("expected side_assumed marker, got %s", open[0].Metadata)
	}
}

func TestGhostAutoClose(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.Open("BTC/USDT", types.SideLong, dec("50000"), dec("0.001"), OpenOptions{})
	if _, err := s.Update(id, dec("51000"), UpdateOptions{}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Venue reports nothing: the local position is a ghost.
	record, err := s.ReconcileWithExchange(nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if record.Status != ReconcileStatusFixed || record.DiscrepancyCount != 1 {
		t.Fatalf("expected FIXED/1, got %s/%d", record.Status, record.DiscrepancyCount)
	}

	pos, _ := s.Get(id)
	if pos.Status != types.StatusClosed {
		t.Fatalf("ghost must be closed, got %s", pos.Status)
	}
	// Closed at the last locally-known price.
	if !pos.CurrentPrice.Equal(dec("51000")) {
		t.Fatalf("expected exit at 51000, got %s", pos.CurrentPrice)
	}
	if !pos.PnL.Equal(dec("1")) {
		t.Fatalf("expected pnl 1 at last price, got %s", pos.PnL)
	}

	events, _ := s.History(id)
	last := events[len(events)-1]
	if last.Type != types.EventAutoClosed {
		t.Fatalf("expected RECONCILED_CLOSE event, got %s", last.Type)
	}
	if last.Reason != CloseReasonAutoReconciled {
		t.Fatalf("expected AUTO_RECONCILED reason, got %q", last.Reason)
	}

	// Converged: the next pass is clean.
	record, _ = s.ReconcileWithExchange(nil)
	if record.Status != ReconcileStatusSynced {
		t.Fatalf("expected SYNCED after convergence, got %s", record.Status)
	}
}

func TestReconcileMatchedPositionsUntouched(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.Open("BTC/USDT", types.SideLong, dec("50000"), dec("0.001"), OpenOptions{})

	remote := []types.RemotePosition{{
		Symbol:     "BTC/USDT",
		Side:       types.SideLong,
		SideKnown:  true,
		EntryPrice: dec("50000"),
		Amount:     dec("0.001"),
	}}

	record, err := s.ReconcileWithExchange(remote)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if record.Status != ReconcileStatusSynced || record.DiscrepancyCount != 0 {
		t.Fatalf("matched position flagged as discrepancy: %s/%d",
			record.Status, record.DiscrepancyCount)
	}

	pos, _ := s.Get(id)
	if pos.Status != types.StatusOpen {
		t.Fatalf("matched position must stay open, got %s", pos.Status)
	}
}

func TestLastReconciliation(t *testing.T) {
	s := newTestStore(t)

	record, err := s.LastReconciliation()
	if err != nil {
		t.Fatalf("last reconciliation: %v", err)
	}
	if record != nil {
		t.Fatal("expected nil before the first pass")
	}

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	s.SetNowFn(func() time.Time { return now })
	if _, err := s.ReconcileWithExchange(nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	record, err = s.LastReconciliation()
	if err != nil || record == nil {
		t.Fatalf("expected a record after the pass, got %v err=%v", record, err)
	}
	if !record.Timestamp.Equal(now) {
		t.Fatalf("expected timestamp %v, got %v", now, record.Timestamp)
	}
}

func TestAdoptPhantomIDCollision(t *testing.T) {
	s := newTestStore(t)

	// Freeze the clock so the first adoption and the retry start from
	// the same millisecond.
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	s.SetNowFn(func() time.Time { return now })

	// Occupy the id the first adoption attempt will generate.
	if _, err := s.Open("ETH/USDT", types.SideLong, dec("3000"), dec("1"), OpenOptions{OpenedAt: now}); err != nil {
		t.Fatalf("seed open: %v", err)
	}
	if _, err := s.Close(positionID("ETH/USDT", types.SideLong, now), dec("3000"), "STOP_LOSS", decimal.Zero); err != nil {
		t.Fatalf("seed close: %v", err)
	}

	remote := []types.RemotePosition{{
		Symbol:     "ETH/USDT",
		Side:       types.SideLong,
		SideKnown:  true,
		EntryPrice: dec("3000"),
		Amount:     dec("2"),
	}}
	record, err := s.ReconcileWithExchange(remote)
	if err != nil {
		t.Fatalf("reconcile should retry past the collision: %v", err)
	}
	if record.DiscrepancyCount != 1 {
		t.Fatalf("expected 1 adoption, got %d", record.DiscrepancyCount)
	}

	open, _ := s.OpenPositions("ETH/USDT")
	if len(open) != 1 || !open[0].Amount.Equal(dec("2")) {
		t.Fatalf("expected the adopted position, got %v", open)
	}
}
