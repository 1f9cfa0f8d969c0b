// Package events holds the wire contracts published to Kafka. Amounts and
// odds travel as decimal strings to avoid float drift in consumers.
package events

type BetPlaced struct {
	BetID     string `json:"bet_id"`
	UserID    string `json:"user_id"`
	MarketID  string `json:"market_id"`
	EventID   string `json:"event_id"`
	Selection string `json:"selection"`
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	Odds      string `json:"odds"`
	Matched   string `json:"matched"`
	TsUnixMs  int64  `json:"ts_unix_ms"`
}

type BetMatched struct {
	MatchID   string `json:"match_id"`
	MarketID  string `json:"market_id"`
	Selection string `json:"selection"`
	BackBetID string `json:"back_bet_id"`
	LayBetID  string `json:"lay_bet_id"`
	Odds      string `json:"odds"`
	Amount    string `json:"amount"`
	Seq       int64  `json:"seq"`
	TsUnixMs  int64  `json:"ts_unix_ms"`
}

type MarketChanged struct {
	MarketID string `json:"market_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	TsUnixMs int64  `json:"ts_unix_ms"`
}

type MarketSettled struct {
	MarketID         string `json:"market_id"`
	WinningSelection string `json:"winning_selection"`
	BetsResolved     int    `json:"bets_resolved"`
	TotalPayout      string `json:"total_payout"`
	TsUnixMs         int64  `json:"ts_unix_ms"`
}
