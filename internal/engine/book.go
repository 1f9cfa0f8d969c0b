package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"betting-exchange/internal/model"
)

// marketBook holds the resting (not fully matched) bets of one market,
// partitioned per selection into a back side and a lay side. Each side keeps
// FIFO queues per price level, so matching is price-then-time by
// construction. The book is only ever touched from the market's engine
// goroutine and needs no locking.
type marketBook struct {
	selections map[string]*selectionBook
	index      map[string]*model.Bet // bet id -> resting bet
}

type selectionBook struct {
	backs *bookSide
	lays  *bookSide
}

// bookSide is one half of a selection's ladder. Backs are kept with highest
// odds first (the best price for an incoming lay), lays lowest first.
type bookSide struct {
	levels   map[string]*priceLevel // odds.String() -> level
	odds     []decimal.Decimal      // sorted, best price first
	bestHigh bool                   // true: descending (backs); false: ascending (lays)
}

type priceLevel struct {
	odds decimal.Decimal
	bets []*model.Bet // FIFO by createdAt
}

func (l *priceLevel) totalRemaining() decimal.Decimal {
	t := decimal.Zero
	for _, b := range l.bets {
		t = t.Add(b.Remaining())
	}
	return t
}

func newMarketBook() *marketBook {
	return &marketBook{
		selections: make(map[string]*selectionBook),
		index:      make(map[string]*model.Bet),
	}
}

func newBookSide(bestHigh bool) *bookSide {
	return &bookSide{levels: make(map[string]*priceLevel), bestHigh: bestHigh}
}

func (mb *marketBook) selection(sel string) *selectionBook {
	sb, ok := mb.selections[sel]
	if !ok {
		sb = &selectionBook{backs: newBookSide(true), lays: newBookSide(false)}
		mb.selections[sel] = sb
	}
	return sb
}

func (sb *selectionBook) side(t model.BetType) *bookSide {
	if t == model.BetBack {
		return sb.backs
	}
	return sb.lays
}

func (mb *marketBook) Size() int { return len(mb.index) }

// Add inserts a resting bet. Duplicate ids are ignored.
func (mb *marketBook) Add(b *model.Bet) {
	if _, exists := mb.index[b.ID]; exists {
		return
	}
	mb.index[b.ID] = b
	mb.selection(b.Selection).side(b.Type).add(b)
}

// Remove takes a bet out of the book, collapsing its price level if empty.
func (mb *marketBook) Remove(betID string) *model.Bet {
	b, ok := mb.index[betID]
	if !ok {
		return nil
	}
	delete(mb.index, betID)
	mb.selection(b.Selection).side(b.Type).remove(b)
	return b
}

// Clear drops every resting bet. Used when a market reaches a terminal state.
func (mb *marketBook) Clear() {
	mb.selections = make(map[string]*selectionBook)
	mb.index = make(map[string]*model.Bet)
}

func (s *bookSide) add(b *model.Bet) {
	key := b.Odds.String()
	lvl, ok := s.levels[key]
	if !ok {
		lvl = &priceLevel{odds: b.Odds}
		s.levels[key] = lvl
		s.odds = append(s.odds, b.Odds)
		sort.Slice(s.odds, func(i, j int) bool {
			if s.bestHigh {
				return s.odds[i].GreaterThan(s.odds[j])
			}
			return s.odds[i].LessThan(s.odds[j])
		})
	}
	// keep FIFO on createdAt even if reloaded out of order
	lvl.bets = append(lvl.bets, b)
	sort.SliceStable(lvl.bets, func(i, j int) bool {
		return lvl.bets[i].CreatedAt.Before(lvl.bets[j].CreatedAt)
	})
}

func (s *bookSide) remove(b *model.Bet) {
	key := b.Odds.String()
	lvl, ok := s.levels[key]
	if !ok {
		return
	}
	for i, rb := range lvl.bets {
		if rb.ID == b.ID {
			lvl.bets = append(lvl.bets[:i], lvl.bets[i+1:]...)
			break
		}
	}
	if len(lvl.bets) == 0 {
		delete(s.levels, key)
		for i, o := range s.odds {
			if o.Equal(b.Odds) {
				s.odds = append(s.odds[:i], s.odds[i+1:]...)
				break
			}
		}
	}
}

// BestOdds returns the best available price on one side of a selection, or
// nil when the side is empty. Best means highest for backs, lowest for lays.
func (mb *marketBook) BestOdds(sel string, t model.BetType) *decimal.Decimal {
	sb, ok := mb.selections[sel]
	if !ok {
		return nil
	}
	side := sb.side(t)
	if len(side.odds) == 0 {
		return nil
	}
	o := side.odds[0]
	return &o
}

// ── Matching ─────────────────────────────────────────

// matchProposal is a planned fill against one resting bet, at the resting
// bet's odds.
type matchProposal struct {
	Resting *model.Bet
	Amount  decimal.Decimal
	Odds    decimal.Decimal
}

// FindMatches plans the fills for an incoming bet without mutating the book.
// A BACK at odds b consumes LAY levels with odds <= b, cheapest level first;
// a LAY at odds l consumes BACK levels with odds >= l, highest level first.
// Within a level, earlier bets fill first. Every fill is priced at the
// resting bet's odds.
func (mb *marketBook) FindMatches(t model.BetType, sel string, odds, amount decimal.Decimal) []matchProposal {
	sb, ok := mb.selections[sel]
	if !ok {
		return nil
	}

	opposite := sb.lays
	compatible := func(resting decimal.Decimal) bool { return resting.LessThanOrEqual(odds) }
	if t == model.BetLay {
		opposite = sb.backs
		compatible = func(resting decimal.Decimal) bool { return resting.GreaterThanOrEqual(odds) }
	}

	var out []matchProposal
	rem := amount
	for _, levelOdds := range opposite.odds {
		if rem.IsZero() {
			break
		}
		if !compatible(levelOdds) {
			break
		}
		lvl := opposite.levels[levelOdds.String()]
		for _, resting := range lvl.bets {
			if rem.IsZero() {
				break
			}
			fill := decimal.Min(rem, resting.Remaining())
			if fill.IsZero() {
				continue
			}
			out = append(out, matchProposal{Resting: resting, Amount: fill, Odds: levelOdds})
			rem = rem.Sub(fill)
		}
	}
	return out
}

// ApplyFill adds matched volume to a resting bet and evicts it once fully
// matched. Returns the remaining unmatched stake.
func (mb *marketBook) ApplyFill(betID string, amount decimal.Decimal) decimal.Decimal {
	b, ok := mb.index[betID]
	if !ok {
		return decimal.Zero
	}
	b.MatchedAmount = b.MatchedAmount.Add(amount)
	b.Status = model.MatchStatus(b.Amount, b.MatchedAmount)
	if b.Remaining().LessThanOrEqual(decimal.Zero) {
		mb.Remove(betID)
		return decimal.Zero
	}
	return b.Remaining()
}

// Resting returns copies of the resting bets, optionally filtered to one
// selection, ordered by placement time. The copies keep querying safely
// decoupled from later book mutation.
func (mb *marketBook) Resting(sel string) []model.Bet {
	var out []model.Bet
	for _, b := range mb.index {
		if sel != "" && b.Selection != sel {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
