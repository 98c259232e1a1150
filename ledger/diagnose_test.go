package ledger

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/web3guy0/tradeguard/types"
)

func TestStalePositionFlaggedNotClosed(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.CloseDB() })

	id, _ := s.Open("BTC/USDT", types.SideLong, dec("50000"), dec("0.001"), OpenOptions{
		OpenedAt: time.Now().Add(-2 * time.Hour),
	})

	report, err := s.SelfDiagnose()
	if err != nil {
		t.Fatalf("self-diagnose: %v", err)
	}
	if len(report.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d: %v", len(report.Issues), report.Issues)
	}
	if !strings.Contains(report.Issues[0], id) {
		t.Fatalf("issue should name the position, got %q", report.Issues[0])
	}
	if len(report.FixesApplied) != 0 {
		t.Fatalf("stale positions are flagged, never fixed: %v", report.FixesApplied)
	}

	// Flagging must not close the position.
	pos, _ := s.Get(id)
	if pos.Status != types.StatusOpen {
		t.Fatalf("stale position was closed: %s", pos.Status)
	}
}

func TestOrphanedEventsPurged(t *testing.T) {
	s := newTestStore(t)

	// An event referencing no position row: residue of a non-atomic
	// write from an older schema.
	orphan := &types.PositionEvent{
		PositionID: "GONE_LONG_0",
		Type:       types.EventOpened,
		Price:      dec("100"),
		Amount:     dec("1"),
		Timestamp:  time.Now(),
	}
	if err := s.db.Create(orphan).Error; err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	report, err := s.SelfDiagnose()
	if err != nil {
		t.Fatalf("self-diagnose: %v", err)
	}
	if len(report.FixesApplied) != 1 {
		t.Fatalf("expected 1 fix, got %d: %v", len(report.FixesApplied), report.FixesApplied)
	}

	var count int64
	s.db.Model(&types.PositionEvent{}).Where("position_id = ?", "GONE_LONG_0").Count(&count)
	if count != 0 {
		t.Fatalf("orphan survived the purge: %d rows", count)
	}
}

func TestDiagnoseCleanLedger(t *testing.T) {
	s := newTestStore(t)

	s.Open("BTC/USDT", types.SideLong, dec("50000"), dec("0.001"), OpenOptions{})

	report, err := s.SelfDiagnose()
	if err != nil {
		t.Fatalf("self-diagnose: %v", err)
	}
	if len(report.Issues) != 0 {
		t.Fatalf("healthy ledger reported issues: %v", report.Issues)
	}
}
