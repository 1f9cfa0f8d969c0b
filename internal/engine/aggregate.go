package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"betting-exchange/internal/model"
)

// Aggregate derives the order-book view from a set of bets. It is a pure
// function: it never mutates its input and calling it twice over the same
// bets yields identical output. Fully matched, settled and cancelled bets
// contribute nothing; everything else is partitioned into back and lay
// collections, grouped by odds, with contributing bets in placement order.
func Aggregate(bets []model.Bet, q model.BookQuery) *model.OrderBook {
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = model.SortByOdds
	}
	direction := q.Direction
	if direction == "" {
		direction = model.SortAsc
	}

	backs := make(map[string]*model.OrderBookEntry)
	lays := make(map[string]*model.OrderBookEntry)

	for _, b := range bets {
		if b.Status != model.BetUnmatched && b.Status != model.BetPartiallyMatched {
			continue
		}
		if q.Selection != "" && b.Selection != q.Selection {
			continue
		}
		if q.Type != "" && b.Type != q.Type {
			continue
		}
		rem := b.Remaining()
		if !rem.IsPositive() {
			continue
		}

		side := backs
		if b.Type == model.BetLay {
			side = lays
		}
		key := b.Odds.String()
		entry, ok := side[key]
		if !ok {
			entry = &model.OrderBookEntry{Odds: b.Odds}
			side[key] = entry
		}
		entry.TotalAmount = entry.TotalAmount.Add(rem)
		entry.Bets = append(entry.Bets, b)
	}

	return &model.OrderBook{
		BackBets: flatten(backs, sortBy, direction),
		LayBets:  flatten(lays, sortBy, direction),
	}
}

func flatten(side map[string]*model.OrderBookEntry, by model.BookSortField, dir model.SortDirection) []model.OrderBookEntry {
	out := make([]model.OrderBookEntry, 0, len(side))
	for _, e := range side {
		sort.SliceStable(e.Bets, func(i, j int) bool {
			if e.Bets[i].CreatedAt.Equal(e.Bets[j].CreatedAt) {
				return e.Bets[i].ID < e.Bets[j].ID
			}
			return e.Bets[i].CreatedAt.Before(e.Bets[j].CreatedAt)
		})
		out = append(out, *e)
	}

	keyOf := func(e model.OrderBookEntry) decimal.Decimal {
		if by == model.SortByAmount {
			return e.TotalAmount
		}
		return e.Odds
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := keyOf(out[i]), keyOf(out[j])
		if dir == model.SortDesc {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	})
	return out
}
