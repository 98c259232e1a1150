package ledger

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeguard/types"
)

// DiagnosisReport summarizes one self-diagnosis pass.
type DiagnosisReport struct {
	Issues       []string
	FixesApplied []string
}

// SelfDiagnose inspects the ledger for integrity problems:
//
//   - positions open longer than the stale threshold are flagged (a
//     human or the reconciler decides what to do, we never auto-close
//     on a hunch);
//   - orphaned events - events referencing no position row - are
//     purged, since they indicate a prior non-atomic write, not valid
//     history.
//
// Every fix is recorded as a health entry, not silently applied.
func (s *Store) SelfDiagnose() (*DiagnosisReport, error) {
	report := &DiagnosisReport{}

	// Stale open positions.
	cutoff := s.nowFn().Add(-s.staleThreshold)
	var stale []types.Position
	if err := s.db.
		Where("status = ? AND opened_at < ?", types.StatusOpen, cutoff).
		Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("scan stale positions: %w", err)
	}
	for _, pos := range stale {
		issue := fmt.Sprintf("position %s open since %s exceeds stale threshold %s",
			pos.ID, pos.OpenedAt.Format("2006-01-02 15:04:05"), s.staleThreshold)
		report.Issues = append(report.Issues, issue)
		s.RecordHealth("self_diagnose", 1, "stale_position", pos.ID)
		log.Warn().
			Str("id", pos.ID).
			Time("opened_at", pos.OpenedAt).
			Msg("🩺 Stale open position flagged")
	}

	// Orphaned events: no matching position row.
	var orphans []types.PositionEvent
	if err := s.db.
		Where("position_id NOT IN (?)", s.db.Model(&types.Position{}).Select("id")).
		Find(&orphans).Error; err != nil {
		return nil, fmt.Errorf("scan orphaned events: %w", err)
	}
	for _, ev := range orphans {
		if err := s.db.Delete(&types.PositionEvent{}, ev.ID).Error; err != nil {
			return nil, fmt.Errorf("purge orphaned event %d: %w", ev.ID, err)
		}
		fix := fmt.Sprintf("purged orphaned event %d (position %s, type %s)", ev.ID, ev.PositionID, ev.Type)
		report.Issues = append(report.Issues, fix)
		report.FixesApplied = append(report.FixesApplied, fix)
		s.RecordHealth("self_diagnose", 1, "orphan_purged", ev.PositionID)
		log.Warn().
			Uint("event_id", ev.ID).
			Str("position_id", ev.PositionID).
			Msg("🩺 Orphaned event purged")
	}

	if len(report.Issues) == 0 {
		log.Debug().Msg("🩺 Self-diagnosis clean")
	}

	return report, nil
}
