package model

import "errors"

// Core error taxonomy. Handlers match with errors.Is and map each to a
// status code once, at the API boundary.
var (
	// ErrInvalidMarketState: the operation is not permitted in the market's
	// current lifecycle state (e.g. bet placement while SUSPENDED).
	ErrInvalidMarketState = errors.New("invalid market state")

	// ErrInvalidTransition: illegal lifecycle edge, including any transition
	// out of SETTLED or CANCELLED.
	ErrInvalidTransition = errors.New("invalid market transition")

	// ErrInvalidSelection: selection not recognized for the event/market.
	ErrInvalidSelection = errors.New("invalid selection")

	ErrInvalidStake = errors.New("invalid stake")
	ErrInvalidOdds  = errors.New("invalid odds")

	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict: lost a per-market serialization race. Callers
	// may retry; the per-market engine makes this structurally rare.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPayoutFailed: the external account service rejected or failed an
	// adjustment. The bet stays unresolved so a retry is safe.
	ErrPayoutFailed = errors.New("payout failed")
)
