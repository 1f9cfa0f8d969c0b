package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"betting-exchange/internal/model"
)

func resolutionBet(sel string, t model.BetType, amount, odds, matched string) model.Bet {
	return model.Bet{
		ID:            "b1",
		Selection:     sel,
		Type:          t,
		Amount:        decimal.RequireFromString(amount),
		Odds:          decimal.RequireFromString(odds),
		MatchedAmount: decimal.RequireFromString(matched),
	}
}

func TestResolveSettled(t *testing.T) {
	cases := []struct {
		name   string
		bet    model.Bet
		winner string
		result model.PayoutResult
		amount string
	}{
		{
			name:   "winning back pays matched times odds",
			bet:    resolutionBet("home", model.BetBack, "100", "2.0", "100"),
			winner: "home",
			result: model.PayoutWon,
			amount: "200",
		},
		{
			name:   "losing back forfeits matched stake",
			bet:    resolutionBet("home", model.BetBack, "100", "2.0", "100"),
			winner: "away",
			result: model.PayoutLost,
			amount: "0",
		},
		{
			name:   "winning lay pays matched times odds",
			bet:    resolutionBet("home", model.BetLay, "80", "1.5", "80"),
			winner: "away",
			result: model.PayoutWon,
			amount: "120",
		},
		{
			name:   "losing lay forfeits matched stake",
			bet:    resolutionBet("home", model.BetLay, "80", "1.5", "80"),
			winner: "home",
			result: model.PayoutLost,
			amount: "0",
		},
		{
			name:   "partial winner keeps unmatched refund",
			bet:    resolutionBet("home", model.BetBack, "100", "2.0", "70"),
			winner: "home",
			result: model.PayoutWon,
			amount: "170",
		},
		{
			name:   "partial loser refunds unmatched only",
			bet:    resolutionBet("home", model.BetBack, "100", "2.0", "70"),
			winner: "away",
			result: model.PayoutLost,
			amount: "30",
		},
		{
			name:   "fully unmatched is refunded regardless of outcome",
			bet:    resolutionBet("home", model.BetBack, "100", "2.0", "0"),
			winner: "away",
			result: model.PayoutRefunded,
			amount: "100",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := resolveSettled(tc.bet, tc.winner)
			if r.Result != tc.result {
				t.Fatalf("result = %s, want %s", r.Result, tc.result)
			}
			if !r.Amount.Equal(decimal.RequireFromString(tc.amount)) {
				t.Fatalf("amount = %s, want %s", r.Amount, tc.amount)
			}
		})
	}
}

func TestResolveCancelled(t *testing.T) {
	for _, matched := range []string{"0", "40", "100"} {
		b := resolutionBet("home", model.BetLay, "100", "2.0", matched)
		r := resolveCancelled(b)
		if r.Result != model.PayoutRefunded {
			t.Fatalf("matched=%s: result = %s, want REFUNDED", matched, r.Result)
		}
		if !r.Amount.Equal(decimal.RequireFromString("100")) {
			t.Fatalf("matched=%s: amount = %s, want full stake", matched, r.Amount)
		}
	}
}

func TestMatchedLegsBalanceAtSettlement(t *testing.T) {
	// One matched leg: back 50@2.0 vs lay 50@2.0. Exactly one side wins
	// matched x odds; total credit for the leg is the same either way.
	back := resolutionBet("home", model.BetBack, "50", "2.0", "50")
	lay := resolutionBet("home", model.BetLay, "50", "2.0", "50")

	for _, winner := range []string{"home", "away"} {
		rb := resolveSettled(back, winner)
		rl := resolveSettled(lay, winner)
		if (rb.Result == model.PayoutWon) == (rl.Result == model.PayoutWon) {
			t.Fatalf("winner=%s: exactly one side of a matched leg must win", winner)
		}
		total := rb.Amount.Add(rl.Amount)
		if !total.Equal(decimal.RequireFromString("100")) {
			t.Fatalf("winner=%s: leg pays out %s, want 100", winner, total)
		}
	}
}
