package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Converge local truth onto venue truth
// ═══════════════════════════════════════════════════════════════════════════════
//
// The venue is the source of truth for which positions exist; the
// ledger is the source of truth for local intent and audit. This is
// the one routine allowed to mutate the ledger on the venue's behalf.
//
//   Phantom: on the venue, not local  → synthesize a local open
//   Ghost:   local, not on the venue  → close with AUTO_RECONCILED
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	ReconcileStatusSynced = "SYNCED"
	ReconcileStatusFixed  = "FIXED"

	// CloseReasonAutoReconciled marks ghost closes. The exit price is
	// the last locally-known price - best effort, the venue no longer
	// remembers the position.
	CloseReasonAutoReconciled = "AUTO_RECONCILED"
)

// ReconcileWithExchange diffs local OPEN positions against the
// venue-reported set, repairs divergence and appends one
// ReconciliationRecord describing the pass.
func (s *Store) ReconcileWithExchange(remote []types.RemotePosition) (*types.ReconciliationRecord, error) {
	local, err := s.OpenPositions("")
	if err != nil {
		return nil, fmt.Errorf("load local open positions: %w", err)
	}

	localBySym := make(map[string]types.Position, len(local))
	for _, pos := range local {
		localBySym[pos.Symbol] = pos
	}
	remoteBySym := make(map[string]types.RemotePosition, len(remote))
	for _, pos := range remote {
		remoteBySym[pos.Symbol] = pos
	}

	var actions []string

	// Phantoms: venue has them, we do not.
	for symbol, rp := range remoteBySym {
		if _, ok := localBySym[symbol]; ok {
			continue
		}
		action, err := s.adoptPhantom(rp)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("❌ Failed to adopt phantom position")
			return nil, err
		}
		actions = append(actions, action)
	}

	// Ghosts: we have them, venue does not.
	for symbol, lp := range localBySym {
		if _, ok := remoteBySym[symbol]; ok {
			continue
		}
		closed, err := s.close(lp.ID, lp.CurrentPrice, CloseReasonAutoReconciled, decimal.Zero, types.EventAutoClosed)
		if err != nil {
			log.Error().Err(err).Str("id", lp.ID).Msg("❌ Failed to close ghost position")
			return nil, err
		}
		if closed {
			action := fmt.Sprintf("closed ghost %s (%s) at %s", symbol, lp.ID, lp.CurrentPrice)
			log.Warn().
				Str("symbol", symbol).
				Str("id", lp.ID).
				Str("exit", lp.CurrentPrice.String()).
				Msg("👻 Ghost position auto-closed")
			actions = append(actions, action)
		}
	}

	record := &types.ReconciliationRecord{
		ID:               uuid.NewString(),
		RemoteOpenCount:  len(remoteBySym),
		LocalOpenCount:   len(localBySym),
		DiscrepancyCount: len(actions),
		Status:           ReconcileStatusSynced,
		Timestamp:        s.nowFn(),
	}
	if len(actions) > 0 {
		record.Status = ReconcileStatusFixed
	}
	if data, err := json.Marshal(actions); err == nil {
		record.Actions = string(data)
	} else {
		record.Actions = "[]"
	}

	if err := s.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("write reconciliation record: %w", err)
	}

	log.Info().
		Int("remote_open", record.RemoteOpenCount).
		Int("local_open", record.LocalOpenCount).
		Int("discrepancies", record.DiscrepancyCount).
		Str("status", record.Status).
		Msg("🔄 Reconciliation pass complete")

	return record, nil
}

// adoptPhantom synthesizes a local position for a venue-only symbol.
// Spot feeds cannot always disambiguate long/short; when the side is a
// guess we say so in the metadata instead of pretending to know.
func (s *Store) adoptPhantom(rp types.RemotePosition) (string, error) {
	metadata := map[string]any{"reconciled": true}
	if !rp.SideKnown {
		metadata["side_assumed"] = true
	}

	opts := OpenOptions{Metadata: metadata}
	var id string
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		id, err = s.open(rp.Symbol, rp.Side, rp.EntryPrice, rp.Amount, opts, types.EventReconciled)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicateID) {
			return "", err
		}
		// Same symbol/side opened within this millisecond: nudge the
		// timestamp forward and retry.
		opts.OpenedAt = s.nowFn().Add(time.Duration(attempt+1) * time.Millisecond)
	}
	if err != nil {
		return "", err
	}

	log.Warn().
		Str("symbol", rp.Symbol).
		Str("id", id).
		Str("entry", rp.EntryPrice.String()).
		Bool("side_assumed", !rp.SideKnown).
		Msg("🫥 Phantom position adopted from venue")

	return fmt.Sprintf("opened phantom %s (%s) at %s", rp.Symbol, id, rp.EntryPrice), nil
}

// LastReconciliation returns the most recent pass record, or nil when
// no pass has run yet.
func (s *Store) LastReconciliation() (*types.ReconciliationRecord, error) {
	var record types.ReconciliationRecord
	err := s.db.Order("timestamp DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
