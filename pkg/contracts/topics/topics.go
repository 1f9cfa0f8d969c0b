// Package topics names the Kafka topics shared between the exchange and
// downstream consumers (risk, reporting, notifications).
package topics

const (
	BetPlaced     = "exchange.bet.placed"
	BetMatched    = "exchange.bet.matched"
	MarketChanged = "exchange.market.changed"
	MarketSettled = "exchange.market.settled"
)
