package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMatchStatus(t *testing.T) {
	cases := []struct {
		amount, matched string
		want            BetStatus
	}{
		{"100", "0", BetUnmatched},
		{"100", "1", BetPartiallyMatched},
		{"100", "99.99", BetPartiallyMatched},
		{"100", "100", BetFullyMatched},
	}
	for _, tc := range cases {
		got := MatchStatus(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.matched))
		if got != tc.want {
			t.Errorf("MatchStatus(%s, %s) = %s, want %s", tc.amount, tc.matched, got, tc.want)
		}
	}
}

func TestRemaining(t *testing.T) {
	b := Bet{Amount: decimal.RequireFromString("100"), MatchedAmount: decimal.RequireFromString("37.50")}
	if !b.Remaining().Equal(decimal.RequireFromString("62.50")) {
		t.Fatalf("remaining = %s, want 62.50", b.Remaining())
	}
}

func TestMarketStatusTerminal(t *testing.T) {
	for s, want := range map[MarketStatus]bool{
		MarketOpen:      false,
		MarketSuspended: false,
		MarketClosed:    false,
		MarketSettled:   true,
		MarketCancelled: true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}

func TestBookQueryIsDefault(t *testing.T) {
	if !(BookQuery{}).IsDefault() {
		t.Error("zero query should be default")
	}
	if !(BookQuery{SortBy: SortByOdds, Direction: SortAsc}).IsDefault() {
		t.Error("explicit defaults should count as default")
	}
	for _, q := range []BookQuery{
		{Selection: "home"},
		{Type: BetBack},
		{SortBy: SortByAmount},
		{Direction: SortDesc},
	} {
		if q.IsDefault() {
			t.Errorf("%+v should not be default", q)
		}
	}
}
