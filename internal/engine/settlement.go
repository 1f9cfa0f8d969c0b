package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"betting-exchange/internal/metrics"
	"betting-exchange/internal/model"
)

// resolution is what the settlement processor decided for one bet.
type resolution struct {
	Result model.PayoutResult
	Amount decimal.Decimal // total credit: matched winnings plus unmatched refund
	Reason string          // account-service audit reason
}

// resolveSettled prices one bet against the winning selection. Only the
// matched portion was ever at risk: the winning side of a matched leg is
// credited matchedAmount x odds, the losing side forfeits its matched stake,
// and any unmatched remainder comes back regardless of outcome.
func resolveSettled(b model.Bet, winningSelection string) resolution {
	unmatched := b.Remaining()

	if b.MatchedAmount.IsZero() {
		return resolution{Result: model.PayoutRefunded, Amount: unmatched, Reason: "unmatched-refund"}
	}

	won := (b.Type == model.BetBack) == (b.Selection == winningSelection)
	if won {
		return resolution{
			Result: model.PayoutWon,
			Amount: b.MatchedAmount.Mul(b.Odds).Add(unmatched),
			Reason: "bet-won",
		}
	}
	return resolution{Result: model.PayoutLost, Amount: unmatched, Reason: "bet-lost"}
}

// resolveCancelled refunds the full stake, matched or not. Matched legs
// settle as a push: nothing was won or lost.
func resolveCancelled(b model.Bet) resolution {
	return resolution{Result: model.PayoutRefunded, Amount: b.Amount, Reason: "market-cancelled-refund"}
}

// settleBets resolves every unresolved bet on the market. Per bet, the
// account adjustment (idempotent on the bet id) happens before the payout
// row commits, so a crash between the two is repaired by rerunning: the
// account service deduplicates and the payout insert is ON CONFLICT DO
// NOTHING. A failed adjustment leaves that bet unresolved and is reported
// as ErrPayoutFailed; the remaining bets are still processed.
func (e *MarketEngine) settleBets(ctx context.Context, terminal model.BetStatus, resolve func(model.Bet) resolution) (int, decimal.Decimal, error) {
	bets, err := e.store.BetsForSettlement(ctx, e.market.ID)
	if err != nil {
		return 0, decimal.Zero, err
	}

	resolved := 0
	total := decimal.Zero
	var firstErr error

	for _, b := range bets {
		r := resolve(b)

		if r.Amount.IsPositive() {
			if err := e.accounts.Adjust(ctx, b.UserID, r.Amount, r.Reason, b.ID); err != nil {
				metrics.PayoutFailures.Inc()
				e.log.Warn("account adjustment failed, bet left unresolved",
					zap.String("bet_id", b.ID), zap.Error(err))
				if firstErr == nil {
					firstErr = fmt.Errorf("bet %s: %w: %v", b.ID, model.ErrPayoutFailed, err)
				}
				continue
			}
		}

		payout := model.Payout{
			BetID:    b.ID,
			MarketID: b.MarketID,
			UserID:   b.UserID,
			Result:   r.Result,
			Amount:   r.Amount,
		}
		if err := e.store.ResolveBet(ctx, payout, terminal); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("bet %s: %w: %v", b.ID, model.ErrPayoutFailed, err)
			}
			continue
		}

		metrics.BetsResolved.WithLabelValues(string(r.Result)).Inc()
		resolved++
		total = total.Add(r.Amount)
	}

	return resolved, total, firstErr
}
