package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketSuspended MarketStatus = "SUSPENDED"
	MarketClosed    MarketStatus = "CLOSED"
	MarketSettled   MarketStatus = "SETTLED"
	MarketCancelled MarketStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s MarketStatus) Terminal() bool {
	return s == MarketSettled || s == MarketCancelled
}

type BetType string

const (
	BetBack BetType = "BACK"
	BetLay  BetType = "LAY"
)

type BetStatus string

const (
	BetUnmatched        BetStatus = "UNMATCHED"
	BetPartiallyMatched BetStatus = "PARTIALLY_MATCHED"
	BetFullyMatched     BetStatus = "FULLY_MATCHED"
	BetSettled          BetStatus = "SETTLED"
	BetCancelled        BetStatus = "CANCELLED"
)

type EventStatus string

const (
	EventScheduled EventStatus = "SCHEDULED"
	EventLive      EventStatus = "LIVE"
	EventCompleted EventStatus = "COMPLETED"
	EventCancelled EventStatus = "CANCELLED"
)

type EventFormat string

const (
	FormatHeadToHead       EventFormat = "HEAD_TO_HEAD"
	FormatMultiParticipant EventFormat = "MULTI_PARTICIPANT"
)

// PayoutResult is the resolution recorded for one bet.
type PayoutResult string

const (
	PayoutWon      PayoutResult = "WON"
	PayoutLost     PayoutResult = "LOST"
	PayoutRefunded PayoutResult = "REFUNDED"
)

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

type Event struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	SportID      string      `json:"sport_id"`
	Status       EventStatus `json:"status"`
	Format       EventFormat `json:"format"`
	Participants []string    `json:"participants"`
	Result       *string     `json:"result,omitempty"`
	StartTime    time.Time   `json:"start_time"`
	EndTime      *time.Time  `json:"end_time,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

type Market struct {
	ID               string       `json:"id"`
	EventID          string       `json:"event_id"`
	Name             string       `json:"name"`
	Status           MarketStatus `json:"status"`
	Selections       []string     `json:"selections"`
	WinningSelection *string      `json:"winning_selection,omitempty"`
	SettledAt        *time.Time   `json:"settled_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// HasSelection reports whether sel is one of the market's known selections.
func (m *Market) HasSelection(sel string) bool {
	for _, s := range m.Selections {
		if s == sel {
			return true
		}
	}
	return false
}

type Bet struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	EventID       string          `json:"event_id"`
	Selection     string          `json:"selection"`
	Type          BetType         `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Odds          decimal.Decimal `json:"odds"`
	MatchedAmount decimal.Decimal `json:"matched_amount"`
	Status        BetStatus       `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Remaining is the resting (not yet matched) portion of the stake.
func (b *Bet) Remaining() decimal.Decimal {
	return b.Amount.Sub(b.MatchedAmount)
}

// MatchStatus derives the status implied by matchedAmount alone. Market-level
// SETTLED/CANCELLED override this and are never derived here.
func MatchStatus(amount, matched decimal.Decimal) BetStatus {
	switch {
	case matched.IsZero():
		return BetUnmatched
	case matched.GreaterThanOrEqual(amount):
		return BetFullyMatched
	default:
		return BetPartiallyMatched
	}
}

// Match is one fill pairing a back bet with a lay bet on the same selection.
// The odds are always the resting bet's odds.
type Match struct {
	ID        string          `json:"id"`
	MarketID  string          `json:"market_id"`
	Selection string          `json:"selection"`
	BackBetID string          `json:"back_bet_id"`
	LayBetID  string          `json:"lay_bet_id"`
	Odds      decimal.Decimal `json:"odds"`
	Amount    decimal.Decimal `json:"amount"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

// BetFill is the persistence delta for a resting bet consumed by matching:
// its new cumulative matched amount and the status that amount implies.
type BetFill struct {
	BetID         string
	MatchedAmount decimal.Decimal
	Status        BetStatus
}

// Payout is the settlement record for one bet. One row per bet, ever.
type Payout struct {
	BetID     string          `json:"bet_id"`
	MarketID  string          `json:"market_id"`
	UserID    string          `json:"user_id"`
	Result    PayoutResult    `json:"result"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

type AuditEntry struct {
	ID        int64     `json:"id"`
	MarketID  *string   `json:"market_id,omitempty"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Order book (derived, never persisted) ────────────

// OrderBookEntry is one price level of one side of a selection's book.
type OrderBookEntry struct {
	Odds        decimal.Decimal `json:"odds"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Bets        []Bet           `json:"bets"`
}

type OrderBook struct {
	BackBets []OrderBookEntry `json:"back_bets"`
	LayBets  []OrderBookEntry `json:"lay_bets"`
}

type BookSortField string

const (
	SortByOdds   BookSortField = "ODDS"
	SortByAmount BookSortField = "AMOUNT"
)

type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// BookQuery selects and orders the aggregated view. Zero value means the
// default: all selections, both sides, odds ascending.
type BookQuery struct {
	Selection string
	Type      BetType // empty = both sides
	SortBy    BookSortField
	Direction SortDirection
}

func (q BookQuery) IsDefault() bool {
	return q.Selection == "" && q.Type == "" &&
		(q.SortBy == "" || q.SortBy == SortByOdds) &&
		(q.Direction == "" || q.Direction == SortAsc)
}

// ── API Types ────────────────────────────────────────

type PlaceBetRequest struct {
	Selection string          `json:"selection" validate:"required"`
	Type      BetType         `json:"type" validate:"required,oneof=BACK LAY"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
	Odds      decimal.Decimal `json:"odds" validate:"required"`
}

type SettleMarketRequest struct {
	WinningSelection string `json:"winning_selection" validate:"required"`
}

type CreateEventRequest struct {
	Name         string      `json:"name" validate:"required"`
	SportID      string      `json:"sport_id" validate:"required"`
	Format       EventFormat `json:"format" validate:"required,oneof=HEAD_TO_HEAD MULTI_PARTICIPANT"`
	Participants []string    `json:"participants" validate:"required,min=2,dive,required"`
	StartTime    time.Time   `json:"start_time" validate:"required"`
}

type CreateMarketRequest struct {
	EventID    string   `json:"event_id" validate:"required"`
	Name       string   `json:"name" validate:"required"`
	Selections []string `json:"selections"` // defaults to the event's participants
}

// BetFilter is the conjunction of filters for ledger reads.
type BetFilter struct {
	MarketID  string
	Selection string
	Type      BetType
	Status    BetStatus
	Page      int
	Limit     int
}

type BetPage struct {
	Bets  []Bet `json:"bets"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int   `json:"total"`
}

// PlaceBetResult is what the ledger returns once matching has run.
type PlaceBetResult struct {
	Bet     Bet     `json:"bet"`
	Matches []Match `json:"matches"`
}
