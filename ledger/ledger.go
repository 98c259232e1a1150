package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/tradeguard/types"
)

// ErrDuplicateID is returned when a generated position id collides.
// Silently overwriting would corrupt the audit trail, so this is a
// hard failure the caller has to resolve (distinct timestamps).
var ErrDuplicateID = errors.New("duplicate position id")

// OpenOptions carries the optional fields of a new position.
type OpenOptions struct {
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal
	TrailingStopPct decimal.Decimal
	ExchangeOrderID string
	Metadata        map[string]any
	OpenedAt        time.Time // zero means now
}

// UpdateOptions carries the optional stop refreshes of an update.
type UpdateOptions struct {
	StopPrice       *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
}

// Open creates a new OPEN position and its OPENED event atomically,
// returning the generated id.
func (s *Store) Open(symbol string, side types.Side, entryPrice, amount decimal.Decimal, opts OpenOptions) (string, error) {
	return s.open(symbol, side, entryPrice, amount, opts, types.EventOpened)
}

func (s *Store) open(symbol string, side types.Side, entryPrice, amount decimal.Decimal, opts OpenOptions, event types.EventType) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	openedAt := opts.OpenedAt
	if openedAt.IsZero() {
		openedAt = s.nowFn()
	}
	id := positionID(symbol, side, openedAt)

	metadata := "{}"
	if opts.Metadata != nil {
		if data, err := json.Marshal(opts.Metadata); err == nil {
			metadata = string(data)
		}
	}

	pos := &types.Position{
		ID:              id,
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      entryPrice,
		Amount:          amount,
		CurrentPrice:    entryPrice,
		StopPrice:       opts.StopPrice,
		TakeProfitPrice: opts.TakeProfitPrice,
		TrailingStopPct: opts.TrailingStopPct,
		OpenedAt:        openedAt,
		Status:          types.StatusOpen,
		PnL:             decimal.Zero,
		PnLPct:          decimal.Zero,
		Fees:            decimal.Zero,
		ExchangeOrderID: opts.ExchangeOrderID,
		Metadata:        metadata,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&types.Position{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		if err := tx.Create(pos).Error; err != nil {
			return err
		}
		return tx.Create(&types.PositionEvent{
			PositionID: id,
			Type:       event,
			Price:      entryPrice,
			Amount:     amount,
			Timestamp:  openedAt,
		}).Error
	})
	if err != nil {
		return "", err
	}

	log.Info().
		Str("id", id).
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("entry", entryPrice.String()).
		Str("amount", amount.String()).
		Msg("📈 Position opened")

	return id, nil
}

// Update refreshes price and derived P&L for an OPEN position. Returns
// false (not an error) when id does not reference an open position -
// an expected outcome the caller must check.
func (s *Store) Update(id string, currentPrice decimal.Decimal, opts UpdateOptions) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	updated := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var pos types.Position
		err := tx.Where("id = ? AND status = ?", id, types.StatusOpen).First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		pos.CurrentPrice = currentPrice
		pos.PnL, pos.PnLPct = computePnL(pos.Side, pos.EntryPrice, currentPrice, pos.Amount)
		if opts.StopPrice != nil {
			pos.StopPrice = *opts.StopPrice
		}
		if opts.TakeProfitPrice != nil {
			pos.TakeProfitPrice = *opts.TakeProfitPrice
		}

		if err := tx.Save(&pos).Error; err != nil {
			return err
		}
		if err := tx.Create(&types.PositionEvent{
			PositionID: id,
			Type:       types.EventUpdated,
			Price:      currentPrice,
			Amount:     pos.Amount,
			PnL:        pos.PnL,
			Timestamp:  s.nowFn(),
		}).Error; err != nil {
			return err
		}
		updated = true
		return nil
	})
	return updated, err
}

// Close terminates a position at exitPrice, folding fees into the
// final P&L. Closing an already-closed (or unknown) id is a no-op
// returning false: never a double-debit, never a duplicate event.
func (s *Store) Close(id string, exitPrice decimal.Decimal, reason string, fees decimal.Decimal) (bool, error) {
	return s.close(id, exitPrice, reason, fees, types.EventClosed)
}

func (s *Store) close(id string, exitPrice decimal.Decimal, reason string, fees decimal.Decimal, event types.EventType) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	closed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var pos types.Position
		err := tx.Where("id = ? AND status = ?", id, types.StatusOpen).First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := s.nowFn()
		pos.CurrentPrice = exitPrice
		pos.Fees = pos.Fees.Add(fees)
		pnl, pct := computePnL(pos.Side, pos.EntryPrice, exitPrice, pos.Amount)
		pos.PnL = pnl.Sub(pos.Fees)
		pos.PnLPct = pct
		pos.Status = types.StatusClosed
		pos.ClosedAt = &now

		if err := tx.Save(&pos).Error; err != nil {
			return err
		}
		if err := tx.Create(&types.PositionEvent{
			PositionID: id,
			Type:       event,
			Price:      exitPrice,
			Amount:     pos.Amount,
			PnL:        pos.PnL,
			Reason:     reason,
			Timestamp:  now,
		}).Error; err != nil {
			return err
		}
		closed = true

		log.Info().
			Str("id", id).
			Str("exit", exitPrice.String()).
			Str("pnl", pos.PnL.String()).
			Str("reason", reason).
			Msg("📉 Position closed")
		return nil
	})
	return closed, err
}

// Reduce realizes a partial exit: closeAmount is sold at exitPrice,
// the position keeps its id with a smaller amount. The realized slice
// and fees are recorded on the UPDATED event. Returns false when the
// position is not open or closeAmount is not a strict partial.
func (s *Store) Reduce(id string, closeAmount, exitPrice, fees decimal.Decimal) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	reduced := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var pos types.Position
		err := tx.Where("id = ? AND status = ?", id, types.StatusOpen).First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !closeAmount.IsPositive() || closeAmount.GreaterThanOrEqual(pos.Amount) {
			return nil
		}

		realized, _ := computePnL(pos.Side, pos.EntryPrice, exitPrice, closeAmount)
		realized = realized.Sub(fees)

		pos.Amount = pos.Amount.Sub(closeAmount)
		pos.CurrentPrice = exitPrice
		pos.Fees = pos.Fees.Add(fees)
		pos.PnL, pos.PnLPct = computePnL(pos.Side, pos.EntryPrice, exitPrice, pos.Amount)

		if err := tx.Save(&pos).Error; err != nil {
			return err
		}
		if err := tx.Create(&types.PositionEvent{
			PositionID: id,
			Type:       types.EventUpdated,
			Price:      exitPrice,
			Amount:     closeAmount,
			PnL:        realized,
			Reason:     "PARTIAL_TAKE_PROFIT",
			Timestamp:  s.nowFn(),
		}).Error; err != nil {
			return err
		}
		reduced = true

		log.Info().
			Str("id", id).
			Str("closed_amount", closeAmount.String()).
			Str("remaining", pos.Amount.String()).
			Str("realized", realized.String()).
			Msg("✂️ Position reduced")
		return nil
	})
	return reduced, err
}

// Get returns a position by id.
func (s *Store) Get(id string) (*types.Position, error) {
	var pos types.Position
	err := s.db.First(&pos, "id = ?", id).Error
	return &pos, err
}

// OpenPositions returns OPEN positions, optionally filtered by symbol.
func (s *Store) OpenPositions(symbolFilter string) ([]types.Position, error) {
	var positions []types.Position
	q := s.db.Where("status = ?", types.StatusOpen)
	if symbolFilter != "" {
		q = q.Where("symbol = ?", symbolFilter)
	}
	err := q.Order("opened_at ASC").Find(&positions).Error
	return positions, err
}

// History returns the full, time-ordered audit trail for a position.
func (s *Store) History(id string) ([]types.PositionEvent, error) {
	var events []types.PositionEvent
	err := s.db.Where("position_id = ?", id).
		Order("timestamp ASC, id ASC").
		Find(&events).Error
	return events, err
}

// computePnL derives P&L from entry/current/side/amount. Fees are the
// caller's business: this is the pure price leg.
func computePnL(side types.Side, entry, current, amount decimal.Decimal) (pnl, pct decimal.Decimal) {
	diff := current.Sub(entry)
	if side == types.SideShort {
		diff = diff.Neg()
	}
	pnl = diff.Mul(amount)

	cost := entry.Mul(amount)
	if cost.IsZero() {
		return pnl, decimal.Zero
	}
	pct = pnl.Div(cost).Mul(decimal.NewFromInt(100))
	return pnl, pct
}

// positionID derives the id from symbol+side+open-millisecond. Two
// opens of the same symbol/side within one millisecond collide by
// construction; callers get ErrDuplicateID and must disambiguate.
func positionID(symbol string, side types.Side, openedAt time.Time) string {
	return fmt.Sprintf("%s_%s_%d",
		strings.ReplaceAll(symbol, "/", "-"),
		side,
		openedAt.UnixMilli())
}
