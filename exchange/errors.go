package exchange

import "errors"

// Validation failures are caller bugs: fail fast, never retried.
var (
	ErrInvalidSymbol = errors.New("symbol must look like BASE/QUOTE")
	ErrInvalidSide   = errors.New("side must be BUY or SELL")
	ErrInvalidAmount = errors.New("amount must be positive")
)

// ErrVenueUnavailable is returned after the retry budget is exhausted.
// The raw transport error is wrapped, never surfaced on its own.
var ErrVenueUnavailable = errors.New("venue unavailable after retries")

// ErrOrderRejected is returned when the venue understood and refused the order.
var ErrOrderRejected = errors.New("order rejected by venue")
