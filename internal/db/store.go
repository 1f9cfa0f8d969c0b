package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"betting-exchange/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role) VALUES ($1,$2,$3)
		 RETURNING id, email, password_hash, role, created_at`, email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ── Events ───────────────────────────────────────────

func (s *Store) CreateEvent(ctx context.Context, name, sportID string, format model.EventFormat, participants []string, startTime time.Time) (*model.Event, error) {
	e := &model.Event{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO events (name, sport_id, format, participants, start_time)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING id, name, sport_id, status, format, participants, result, start_time, end_time, created_at`,
		name, sportID, format, pq.Array(participants), startTime,
	).Scan(&e.ID, &e.Name, &e.SportID, &e.Status, &e.Format, pq.Array(&e.Participants), &e.Result, &e.StartTime, &e.EndTime, &e.CreatedAt)
	return e, err
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e := &model.Event{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, sport_id, status, format, participants, result, start_time, end_time, created_at
		 FROM events WHERE id=$1`, id,
	).Scan(&e.ID, &e.Name, &e.SportID, &e.Status, &e.Format, pq.Array(&e.Participants), &e.Result, &e.StartTime, &e.EndTime, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *Store) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, sport_id, status, format, participants, result, start_time, end_time, created_at
		 FROM events ORDER BY start_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Name, &e.SportID, &e.Status, &e.Format, pq.Array(&e.Participants), &e.Result, &e.StartTime, &e.EndTime, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Markets ──────────────────────────────────────────

const marketCols = `id, event_id, name, status, selections, winning_selection, settled_at, created_at, updated_at`

func scanMarket(row interface{ Scan(...any) error }) (*model.Market, error) {
	m := &model.Market{}
	err := row.Scan(&m.ID, &m.EventID, &m.Name, &m.Status, pq.Array(&m.Selections), &m.WinningSelection, &m.SettledAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *Store) CreateMarket(ctx context.Context, eventID, name string, selections []string) (*model.Market, error) {
	return scanMarket(s.DB.QueryRowContext(ctx,
		`INSERT INTO markets (event_id, name, selections) VALUES ($1,$2,$3) RETURNING `+marketCols,
		eventID, name, pq.Array(selections)))
}

func (s *Store) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(s.DB.QueryRowContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id=$1`, id))
}

func (s *Store) ListMarkets(ctx context.Context, eventID string) ([]model.Market, error) {
	q := `SELECT ` + marketCols + ` FROM markets`
	var args []any
	if eventID != "" {
		q += ` WHERE event_id=$1`
		args = append(args, eventID)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListActiveMarkets returns every market in a non-terminal state. Used at
// boot to start one engine per live market.
func (s *Store) ListActiveMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE status NOT IN ('SETTLED','CANCELLED')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateMarketStatus moves a market from an expected state to a new one. The
// guard on the current status is what turns a lost race into
// ErrConcurrencyConflict instead of a silently clobbered transition.
func (s *Store) UpdateMarketStatus(ctx context.Context, id string, from, to model.MarketStatus, winningSelection *string) (*model.Market, error) {
	var settledAt *time.Time
	if to == model.MarketSettled {
		now := time.Now().UTC()
		settledAt = &now
	}
	m, err := scanMarket(s.DB.QueryRowContext(ctx,
		`UPDATE markets
		 SET status=$1,
		     winning_selection=COALESCE($2, winning_selection),
		     settled_at=COALESCE($3, settled_at),
		     updated_at=now()
		 WHERE id=$4 AND status=$5
		 RETURNING `+marketCols,
		to, winningSelection, settledAt, id, from))
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, model.ErrConcurrencyConflict
	}
	return m, nil
}

// ── Bets ─────────────────────────────────────────────

const betCols = `id, user_id, market_id, event_id, selection, type, amount, odds, matched_amount, status, created_at, updated_at`

func scanBets(rows *sql.Rows) ([]model.Bet, error) {
	var out []model.Bet
	for rows.Next() {
		var b model.Bet
		if err := rows.Scan(&b.ID, &b.UserID, &b.MarketID, &b.EventID, &b.Selection, &b.Type, &b.Amount, &b.Odds, &b.MatchedAmount, &b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b := &model.Bet{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT `+betCols+` FROM bets WHERE id=$1`, id,
	).Scan(&b.ID, &b.UserID, &b.MarketID, &b.EventID, &b.Selection, &b.Type, &b.Amount, &b.Odds, &b.MatchedAmount, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// RestingBets returns the bets that still have unmatched stake, in placement
// order, for rebuilding a market's in-memory book.
func (s *Store) RestingBets(ctx context.Context, marketID string) ([]model.Bet, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+betCols+` FROM bets
		 WHERE market_id=$1 AND status IN ('UNMATCHED','PARTIALLY_MATCHED')
		 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

// ListBets is the filtered, paginated ledger read. Filters are a conjunction;
// zero values mean "any".
func (s *Store) ListBets(ctx context.Context, f model.BetFilter) (*model.BetPage, error) {
	where := ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.MarketID != "" {
		where += ` AND market_id=` + arg(f.MarketID)
	}
	if f.Selection != "" {
		where += ` AND selection=` + arg(f.Selection)
	}
	if f.Type != "" {
		where += ` AND type=` + arg(f.Type)
	}
	if f.Status != "" {
		where += ` AND status=` + arg(f.Status)
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM bets`+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Page < 1 {
		f.Page = 1
	}
	q := `SELECT ` + betCols + ` FROM bets` + where +
		` ORDER BY created_at DESC, id` +
		` LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg((f.Page-1)*f.Limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	bets, err := scanBets(rows)
	if err != nil {
		return nil, err
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	return &model.BetPage{Bets: bets, Page: f.Page, Limit: f.Limit, Total: total}, nil
}

// ApplyPlacement commits one placement atomically: the incoming bet row, the
// matched-amount increments on every resting bet it consumed, and the fill
// records. Either the whole placement lands or none of it does.
func (s *Store) ApplyPlacement(ctx context.Context, bet model.Bet, fills []model.BetFill, matches []model.Match) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bets (id, user_id, market_id, event_id, selection, type, amount, odds, matched_amount, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		bet.ID, bet.UserID, bet.MarketID, bet.EventID, bet.Selection, bet.Type,
		bet.Amount, bet.Odds, bet.MatchedAmount, bet.Status, bet.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert bet: %w", err)
	}

	for _, f := range fills {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bets SET matched_amount=$1, status=$2, updated_at=now() WHERE id=$3`,
			f.MatchedAmount, f.Status, f.BetID,
		); err != nil {
			return fmt.Errorf("update resting bet %s: %w", f.BetID, err)
		}
	}

	for _, m := range matches {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO matches (id, market_id, selection, back_bet_id, lay_bet_id, odds, amount, seq)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			m.ID, m.MarketID, m.Selection, m.BackBetID, m.LayBetID, m.Odds, m.Amount, m.Seq,
		); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
	}

	return tx.Commit()
}

// ── Matches ──────────────────────────────────────────

func (s *Store) ListMatches(ctx context.Context, marketID string, limit int) ([]model.Match, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, market_id, selection, back_bet_id, lay_bet_id, odds, amount, seq, created_at
		 FROM matches WHERE market_id=$1 ORDER BY seq DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Match
	for rows.Next() {
		var m model.Match
		if err := rows.Scan(&m.ID, &m.MarketID, &m.Selection, &m.BackBetID, &m.LayBetID, &m.Odds, &m.Amount, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MaxMatchSeq(ctx context.Context, marketID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM matches WHERE market_id=$1`, marketID,
	).Scan(&seq)
	return seq, err
}

// ── Settlement ───────────────────────────────────────

// BetsForSettlement returns every bet on the market that has not yet been
// resolved (no payout row).
func (s *Store) BetsForSettlement(ctx context.Context, marketID string) ([]model.Bet, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+betCols+` FROM bets b
		 WHERE b.market_id=$1
		   AND NOT EXISTS (SELECT 1 FROM payouts p WHERE p.bet_id=b.id)
		 ORDER BY b.created_at, b.id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func (s *Store) BetResolved(ctx context.Context, betID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payouts WHERE bet_id=$1)`, betID,
	).Scan(&exists)
	return exists, err
}

// ResolveBet records a bet's resolution and its terminal status in one
// transaction. The payout primary key makes re-resolution a no-op.
func (s *Store) ResolveBet(ctx context.Context, p model.Payout, status model.BetStatus) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO payouts (bet_id, market_id, user_id, result, amount)
		 VALUES ($1,$2,$3,$4,$5) ON CONFLICT (bet_id) DO NOTHING`,
		p.BetID, p.MarketID, p.UserID, p.Result, p.Amount,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// already resolved, leave the bet row alone
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE bets SET status=$1, updated_at=now() WHERE id=$2`, status, p.BetID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListPayouts(ctx context.Context, marketID string) ([]model.Payout, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT bet_id, market_id, user_id, result, amount, created_at
		 FROM payouts WHERE market_id=$1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Payout
	for rows.Next() {
		var p model.Payout
		if err := rows.Scan(&p.BetID, &p.MarketID, &p.UserID, &p.Result, &p.Amount, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TotalMatchedBySide sums matched volume per bet type for one selection.
// Useful for reconciliation: back and lay totals must always be equal.
func (s *Store) TotalMatchedBySide(ctx context.Context, marketID, selection string) (back, lay decimal.Decimal, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(matched_amount) FILTER (WHERE type='BACK'), 0),
		   COALESCE(SUM(matched_amount) FILTER (WHERE type='LAY'), 0)
		 FROM bets WHERE market_id=$1 AND selection=$2`, marketID, selection,
	).Scan(&back, &lay)
	return back, lay, err
}

// ── Audit log ────────────────────────────────────────

func (s *Store) AppendAudit(ctx context.Context, marketID *string, entryType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO audit_log (market_id, type, payload) VALUES ($1,$2,$3)`,
		marketID, entryType, b)
	return err
}

func (s *Store) ListAudit(ctx context.Context, marketID *string, limit int) ([]model.AuditEntry, error) {
	q := `SELECT id, market_id, type, payload, created_at FROM audit_log`
	var args []any
	if marketID != nil {
		q += ` WHERE market_id=$1`
		args = append(args, *marketID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var raw []byte
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
