package engine

import "betting-exchange/internal/model"

// transitions is the single authority for legal lifecycle edges. SETTLED and
// CANCELLED are absorbing: they appear only as targets.
var transitions = map[model.MarketStatus][]model.MarketStatus{
	model.MarketOpen:      {model.MarketSuspended, model.MarketClosed, model.MarketCancelled},
	model.MarketSuspended: {model.MarketOpen, model.MarketCancelled},
	model.MarketClosed:    {model.MarketSettled, model.MarketCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to model.MarketStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
