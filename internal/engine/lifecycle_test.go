package engine

import (
	"testing"

	"betting-exchange/internal/model"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to model.MarketStatus }{
		{model.MarketOpen, model.MarketSuspended},
		{model.MarketOpen, model.MarketClosed},
		{model.MarketOpen, model.MarketCancelled},
		{model.MarketSuspended, model.MarketOpen},
		{model.MarketSuspended, model.MarketCancelled},
		{model.MarketClosed, model.MarketSettled},
		{model.MarketClosed, model.MarketCancelled},
	}
	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Errorf("%s -> %s should be legal", e.from, e.to)
		}
	}

	all := []model.MarketStatus{
		model.MarketOpen, model.MarketSuspended, model.MarketClosed,
		model.MarketSettled, model.MarketCancelled,
	}
	isLegal := func(from, to model.MarketStatus) bool {
		for _, e := range legal {
			if e.from == from && e.to == to {
				return true
			}
		}
		return false
	}
	for _, from := range all {
		for _, to := range all {
			if isLegal(from, to) {
				continue
			}
			if CanTransition(from, to) {
				t.Errorf("%s -> %s should be illegal", from, to)
			}
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, from := range []model.MarketStatus{model.MarketSettled, model.MarketCancelled} {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range []model.MarketStatus{
			model.MarketOpen, model.MarketSuspended, model.MarketClosed,
			model.MarketSettled, model.MarketCancelled,
		} {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}
