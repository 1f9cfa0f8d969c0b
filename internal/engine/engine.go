package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"betting-exchange/internal/cache"
	"betting-exchange/internal/metrics"
	"betting-exchange/internal/model"
	"betting-exchange/internal/producer"
	"betting-exchange/pkg/contracts/events"
)

// Store is the ledger persistence the engine depends on. *db.Store satisfies
// it; tests use an in-memory fake.
type Store interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListActiveMarkets(ctx context.Context) ([]model.Market, error)
	RestingBets(ctx context.Context, marketID string) ([]model.Bet, error)
	MaxMatchSeq(ctx context.Context, marketID string) (int64, error)
	ApplyPlacement(ctx context.Context, bet model.Bet, fills []model.BetFill, matches []model.Match) error
	UpdateMarketStatus(ctx context.Context, id string, from, to model.MarketStatus, winningSelection *string) (*model.Market, error)
	BetsForSettlement(ctx context.Context, marketID string) ([]model.Bet, error)
	ResolveBet(ctx context.Context, p model.Payout, status model.BetStatus) error
	AppendAudit(ctx context.Context, marketID *string, entryType string, payload any) error
}

// AccountService adjusts user balances on the external account ledger.
// Adjustments are idempotent on the key, which is always the bet id.
type AccountService interface {
	Adjust(ctx context.Context, userID string, delta decimal.Decimal, reason, idempotencyKey string) error
}

// PublishFunc broadcasts a WS message for a market.
type PublishFunc func(marketID, msgType string, data any)

// errEngineStopped reports a command sent to an engine whose goroutine has
// exited. Never escapes the package: the Manager retries through the
// engine-less path.
var errEngineStopped = errors.New("market engine stopped")

// ── Manager ──────────────────────────────────────────

// Manager owns one MarketEngine per live market. Engines for distinct
// markets run fully in parallel; everything for one market is serialized
// through its engine goroutine.
type Manager struct {
	engines  map[string]*MarketEngine
	mu       sync.RWMutex
	store    Store
	accounts AccountService
	books    *cache.BookCache
	events   *producer.Publisher
	publish  PublishFunc
	log      *zap.Logger
}

func NewManager(store Store, accounts AccountService, books *cache.BookCache, pub *producer.Publisher, publish PublishFunc, log *zap.Logger) *Manager {
	return &Manager{
		engines:  make(map[string]*MarketEngine),
		store:    store,
		accounts: accounts,
		books:    books,
		events:   pub,
		publish:  publish,
		log:      log,
	}
}

// Boot starts an engine for every non-terminal market, rebuilding each
// in-memory book from the ledger.
func (m *Manager) Boot(ctx context.Context) error {
	markets, err := m.store.ListActiveMarkets(ctx)
	if err != nil {
		return err
	}
	for i := range markets {
		if err := m.StartEngine(ctx, &markets[i]); err != nil {
			return fmt.Errorf("boot %s: %w", markets[i].ID, err)
		}
	}
	m.log.Info("market engines booted", zap.Int("count", len(markets)))
	return nil
}

func (m *Manager) StartEngine(ctx context.Context, mkt *model.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[mkt.ID]; ok {
		return nil
	}
	eng, err := m.newMarketEngine(ctx, mkt)
	if err != nil {
		return err
	}
	m.engines[mkt.ID] = eng
	// The engine outlives the request that started it; stopEngine cancels
	// it once its market completes terminally.
	runCtx, cancel := context.WithCancel(context.Background())
	eng.stop = cancel
	go eng.run(runCtx)
	return nil
}

func (m *Manager) GetEngine(marketID string) *MarketEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[marketID]
}

func (m *Manager) stopEngine(marketID string) {
	m.mu.Lock()
	eng, ok := m.engines[marketID]
	delete(m.engines, marketID)
	m.mu.Unlock()
	if ok {
		eng.stop()
	}
}

// PlaceBet routes a placement to the market's engine.
func (m *Manager) PlaceBet(ctx context.Context, marketID, userID string, req model.PlaceBetRequest) (model.PlaceBetResult, error) {
	var zero model.PlaceBetResult
	if eng := m.GetEngine(marketID); eng != nil {
		res, err := eng.PlaceBet(userID, req)
		if !errors.Is(err, errEngineStopped) {
			return res, err
		}
	}
	mkt, err := m.store.GetMarket(ctx, marketID)
	if err != nil {
		return zero, err
	}
	if mkt == nil {
		return zero, model.ErrNotFound
	}
	metrics.BetsRejected.WithLabelValues("market_state").Inc()
	return zero, fmt.Errorf("market %s is %s: %w", mkt.ID, mkt.Status, model.ErrInvalidMarketState)
}

// Transition drives a market's lifecycle. Once a market completes terminally
// with every bet resolved, its engine is stopped; later rerun requests go
// straight to the settlement processor, so payout recovery also works after
// a restart.
func (m *Manager) Transition(ctx context.Context, marketID string, to model.MarketStatus, winning *string, actorID string) (*model.Market, error) {
	if eng := m.GetEngine(marketID); eng != nil {
		mkt, err := eng.Transition(to, winning, actorID)
		if errors.Is(err, errEngineStopped) {
			return m.transitionWithoutEngine(ctx, marketID, to, winning, actorID)
		}
		if err == nil && mkt != nil && mkt.Status.Terminal() {
			m.stopEngine(marketID)
		}
		return mkt, err
	}
	return m.transitionWithoutEngine(ctx, marketID, to, winning, actorID)
}

// transitionWithoutEngine handles markets with no live engine. Terminal
// markets accept only the idempotent settlement rerun, which repairs bets
// that a payout failure or a crash left unresolved.
func (m *Manager) transitionWithoutEngine(ctx context.Context, marketID string, to model.MarketStatus, winning *string, actorID string) (*model.Market, error) {
	mkt, err := m.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if mkt == nil {
		return nil, model.ErrNotFound
	}
	if !mkt.Status.Terminal() {
		if err := m.StartEngine(ctx, mkt); err != nil {
			return nil, err
		}
		return m.GetEngine(marketID).Transition(to, winning, actorID)
	}

	terminal := model.BetCancelled
	resolve := resolveCancelled
	switch {
	case mkt.Status == model.MarketCancelled && to == model.MarketCancelled:
	case mkt.Status == model.MarketSettled && to == model.MarketSettled &&
		winning != nil && mkt.WinningSelection != nil && *winning == *mkt.WinningSelection:
		winner := *mkt.WinningSelection
		terminal = model.BetSettled
		resolve = func(b model.Bet) resolution { return resolveSettled(b, winner) }
	default:
		return nil, fmt.Errorf("%s -> %s: %w", mkt.Status, to, model.ErrInvalidTransition)
	}

	// Transient engine: the market is terminal, so there is no single writer
	// to respect, and overlapping reruns are safe under the account
	// idempotency key and the payout primary key.
	eng := &MarketEngine{
		market:   *mkt,
		store:    m.store,
		accounts: m.accounts,
		log:      m.log.With(zap.String("market_id", mkt.ID)),
	}
	_, _, err = eng.settleBets(ctx, terminal, resolve)
	return mkt, err
}

// OrderBook serves an aggregated view. Default-shaped queries go through the
// Redis snapshot cache; anything else (or a miss) takes a consistent
// snapshot from the engine goroutine and aggregates it.
func (m *Manager) OrderBook(ctx context.Context, marketID string, q model.BookQuery) (*model.OrderBook, error) {
	eng := m.GetEngine(marketID)
	if eng == nil {
		mkt, err := m.store.GetMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		if mkt == nil {
			return nil, model.ErrNotFound
		}
		// terminal market: no engine, no resting volume
		return Aggregate(nil, q), nil
	}

	if q.IsDefault() {
		if book, ok := m.books.Get(ctx, marketID); ok {
			return book, nil
		}
	}

	resting := eng.Resting(q.Selection)
	book := Aggregate(resting, q)
	if q.IsDefault() {
		m.books.Set(ctx, marketID, book)
	}
	return book, nil
}

// ── MarketEngine ─────────────────────────────────────

// MarketEngine is the single writer for one market: bet placement, matching
// and lifecycle transitions all execute on its goroutine, so they can never
// interleave for the same market.
type MarketEngine struct {
	market   model.Market
	book     *marketBook
	seq      int64
	cmdCh    chan command
	done     chan struct{}
	stop     context.CancelFunc
	store    Store
	accounts AccountService
	books    *cache.BookCache
	events   *producer.Publisher
	publish  PublishFunc
	log      *zap.Logger
}

func (m *Manager) newMarketEngine(ctx context.Context, mkt *model.Market) (*MarketEngine, error) {
	book := newMarketBook()
	resting, err := m.store.RestingBets(ctx, mkt.ID)
	if err != nil {
		return nil, err
	}
	for i := range resting {
		b := resting[i]
		book.Add(&b)
	}
	seq, err := m.store.MaxMatchSeq(ctx, mkt.ID)
	if err != nil {
		return nil, err
	}
	m.log.Info("market engine loaded",
		zap.String("market_id", mkt.ID),
		zap.Int("resting_bets", len(resting)),
		zap.Int64("seq", seq))
	return &MarketEngine{
		market:   *mkt,
		book:     book,
		seq:      seq,
		cmdCh:    make(chan command, 64),
		done:     make(chan struct{}),
		store:    m.store,
		accounts: m.accounts,
		books:    m.books,
		events:   m.events,
		publish:  m.publish,
		log:      m.log.With(zap.String("market_id", mkt.ID)),
	}, nil
}

func (e *MarketEngine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			// serve everything queued before callers can observe done
			for {
				select {
				case cmd := <-e.cmdCh:
					cmd.exec(e)
				default:
					return
				}
			}
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

func (e *MarketEngine) nextSeq() int64 {
	e.seq++
	return e.seq
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *MarketEngine) }

type placeResult struct {
	res model.PlaceBetResult
	err error
}

type placeCmd struct {
	userID string
	req    model.PlaceBetRequest
	ch     chan<- placeResult
}

type transitionResult struct {
	market *model.Market
	err    error
}

type transitionCmd struct {
	to      model.MarketStatus
	winning *string
	actorID string
	ch      chan<- transitionResult
}

type restingCmd struct {
	selection string
	ch        chan<- []model.Bet
}

func (c placeCmd) exec(e *MarketEngine) {
	res, err := e.placeBet(c.userID, c.req)
	c.ch <- placeResult{res: res, err: err}
}

func (c transitionCmd) exec(e *MarketEngine) {
	mkt, err := e.transition(c.to, c.winning, c.actorID)
	c.ch <- transitionResult{market: mkt, err: err}
}

func (c restingCmd) exec(e *MarketEngine) { c.ch <- e.book.Resting(c.selection) }

// PlaceBet sends a placement to the market goroutine and waits for the
// outcome, which already reflects any synchronous matching.
func (e *MarketEngine) PlaceBet(userID string, req model.PlaceBetRequest) (model.PlaceBetResult, error) {
	ch := make(chan placeResult, 1)
	select {
	case e.cmdCh <- placeCmd{userID: userID, req: req, ch: ch}:
	case <-e.done:
		return model.PlaceBetResult{}, errEngineStopped
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-e.done:
		select {
		case r := <-ch:
			return r.res, r.err
		default:
			return model.PlaceBetResult{}, errEngineStopped
		}
	}
}

// Transition drives the market lifecycle: suspend, reopen, close, cancel,
// settle. winning is required (and only meaningful) for SETTLED.
func (e *MarketEngine) Transition(to model.MarketStatus, winning *string, actorID string) (*model.Market, error) {
	ch := make(chan transitionResult, 1)
	select {
	case e.cmdCh <- transitionCmd{to: to, winning: winning, actorID: actorID, ch: ch}:
	case <-e.done:
		return nil, errEngineStopped
	}
	select {
	case r := <-ch:
		return r.market, r.err
	case <-e.done:
		select {
		case r := <-ch:
			return r.market, r.err
		default:
			return nil, errEngineStopped
		}
	}
}

// Resting returns a consistent snapshot of the resting bets, taken between
// commands on the engine goroutine: a reader can never observe a
// half-applied match.
func (e *MarketEngine) Resting(selection string) []model.Bet {
	ch := make(chan []model.Bet, 1)
	select {
	case e.cmdCh <- restingCmd{selection: selection, ch: ch}:
	case <-e.done:
		return nil
	}
	select {
	case r := <-ch:
		return r
	case <-e.done:
		select {
		case r := <-ch:
			return r
		default:
			return nil
		}
	}
}

// ── Placement & matching ─────────────────────────────

func (e *MarketEngine) placeBet(userID string, req model.PlaceBetRequest) (model.PlaceBetResult, error) {
	var zero model.PlaceBetResult

	if e.market.Status != model.MarketOpen {
		metrics.BetsRejected.WithLabelValues("market_state").Inc()
		return zero, fmt.Errorf("market %s is %s: %w", e.market.ID, e.market.Status, model.ErrInvalidMarketState)
	}
	if !e.market.HasSelection(req.Selection) {
		metrics.BetsRejected.WithLabelValues("selection").Inc()
		return zero, fmt.Errorf("selection %q: %w", req.Selection, model.ErrInvalidSelection)
	}
	if !req.Amount.IsPositive() {
		metrics.BetsRejected.WithLabelValues("stake").Inc()
		return zero, fmt.Errorf("stake must be positive: %w", model.ErrInvalidStake)
	}
	if req.Odds.LessThanOrEqual(decimal.NewFromInt(1)) {
		metrics.BetsRejected.WithLabelValues("odds").Inc()
		return zero, fmt.Errorf("odds must exceed 1.0: %w", model.ErrInvalidOdds)
	}

	start := time.Now()
	ctx := context.Background()

	proposals := e.book.FindMatches(req.Type, req.Selection, req.Odds, req.Amount)

	matched := decimal.Zero
	for _, p := range proposals {
		matched = matched.Add(p.Amount)
	}

	now := time.Now().UTC()
	bet := model.Bet{
		ID:            uuid.New().String(),
		UserID:        userID,
		MarketID:      e.market.ID,
		EventID:       e.market.EventID,
		Selection:     req.Selection,
		Type:          req.Type,
		Amount:        req.Amount,
		Odds:          req.Odds,
		MatchedAmount: matched,
		Status:        model.MatchStatus(req.Amount, matched),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	fills := make([]model.BetFill, 0, len(proposals))
	matchRows := make([]model.Match, 0, len(proposals))
	for _, p := range proposals {
		newMatched := p.Resting.MatchedAmount.Add(p.Amount)
		fills = append(fills, model.BetFill{
			BetID:         p.Resting.ID,
			MatchedAmount: newMatched,
			Status:        model.MatchStatus(p.Resting.Amount, newMatched),
		})

		backID, layID := bet.ID, p.Resting.ID
		if bet.Type == model.BetLay {
			backID, layID = p.Resting.ID, bet.ID
		}
		matchRows = append(matchRows, model.Match{
			ID:        uuid.New().String(),
			MarketID:  e.market.ID,
			Selection: req.Selection,
			BackBetID: backID,
			LayBetID:  layID,
			Odds:      p.Odds,
			Amount:    p.Amount,
			Seq:       e.nextSeq(),
			CreatedAt: now,
		})
	}

	if err := e.store.ApplyPlacement(ctx, bet, fills, matchRows); err != nil {
		// nothing was applied to the in-memory book yet; seq gap is harmless
		return zero, fmt.Errorf("persist placement: %w", err)
	}

	// Mutate the book only after the commit.
	for _, p := range proposals {
		e.book.ApplyFill(p.Resting.ID, p.Amount)
	}
	if bet.Remaining().IsPositive() {
		rest := bet
		e.book.Add(&rest)
	}

	e.books.Invalidate(ctx, e.market.ID)
	e.publishBook()

	metrics.BetsPlaced.WithLabelValues(string(bet.Type)).Inc()
	if n, _ := matched.Float64(); n > 0 {
		metrics.MatchedVolume.Add(n)
	}
	metrics.PlaceLatency.Observe(time.Since(start).Seconds())

	_ = e.events.BetPlaced(ctx, events.BetPlaced{
		BetID:     bet.ID,
		UserID:    bet.UserID,
		MarketID:  bet.MarketID,
		EventID:   bet.EventID,
		Selection: bet.Selection,
		Type:      string(bet.Type),
		Amount:    bet.Amount.String(),
		Odds:      bet.Odds.String(),
		Matched:   bet.MatchedAmount.String(),
	})
	for _, mr := range matchRows {
		metrics.MatchesExecuted.Inc()
		if e.publish != nil {
			e.publish(e.market.ID, "match", mr)
		}
		_ = e.events.BetMatched(ctx, events.BetMatched{
			MatchID:   mr.ID,
			MarketID:  mr.MarketID,
			Selection: mr.Selection,
			BackBetID: mr.BackBetID,
			LayBetID:  mr.LayBetID,
			Odds:      mr.Odds.String(),
			Amount:    mr.Amount.String(),
			Seq:       mr.Seq,
		})
	}

	e.log.Info("bet placed",
		zap.String("bet_id", bet.ID),
		zap.String("selection", bet.Selection),
		zap.String("type", string(bet.Type)),
		zap.String("amount", bet.Amount.String()),
		zap.String("odds", bet.Odds.String()),
		zap.String("matched", bet.MatchedAmount.String()),
		zap.Int("fills", len(matchRows)))

	return model.PlaceBetResult{Bet: bet, Matches: matchRows}, nil
}

// ── Lifecycle ────────────────────────────────────────

func (e *MarketEngine) transition(to model.MarketStatus, winning *string, actorID string) (*model.Market, error) {
	ctx := context.Background()
	from := e.market.Status

	// Idempotent settlement retry: settling an already-settled market with
	// the same winner reruns the processor for any bets a payout failure
	// left behind. Everything else out of a terminal state is illegal.
	if from == model.MarketSettled && to == model.MarketSettled &&
		winning != nil && e.market.WinningSelection != nil && *winning == *e.market.WinningSelection {
		winner := *e.market.WinningSelection
		_, _, err := e.settleBets(ctx, model.BetSettled, func(b model.Bet) resolution {
			return resolveSettled(b, winner)
		})
		mkt := e.market
		return &mkt, err
	}

	// Same recovery for cancellation: rerunning cancel refunds any bets a
	// failed account adjustment left unresolved.
	if from == model.MarketCancelled && to == model.MarketCancelled {
		_, _, err := e.settleBets(ctx, model.BetCancelled, resolveCancelled)
		mkt := e.market
		return &mkt, err
	}

	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, model.ErrInvalidTransition)
	}
	if to == model.MarketSettled {
		if winning == nil || !e.market.HasSelection(*winning) {
			return nil, fmt.Errorf("winning selection: %w", model.ErrInvalidSelection)
		}
	} else {
		winning = nil
	}

	updated, err := e.store.UpdateMarketStatus(ctx, e.market.ID, from, to, winning)
	if err != nil {
		return nil, err
	}
	e.market = *updated
	metrics.Transitions.WithLabelValues(string(to)).Inc()

	_ = e.store.AppendAudit(ctx, &e.market.ID, "MarketTransition", map[string]any{
		"from": from, "to": to, "actor_id": actorID, "winning_selection": winning,
	})
	_ = e.events.MarketChanged(ctx, events.MarketChanged{
		MarketID: e.market.ID, From: string(from), To: string(to),
	})

	var settleErr error
	switch to {
	case model.MarketSettled:
		settleErr = e.runSettlement(ctx, *winning, actorID)
	case model.MarketCancelled:
		settleErr = e.runCancellation(ctx, actorID)
	}

	if to.Terminal() {
		e.book.Clear()
		e.books.Invalidate(ctx, e.market.ID)
		e.publishBook()
	}
	if e.publish != nil {
		e.publish(e.market.ID, "market", e.market)
	}

	e.log.Info("market transitioned",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actorID))

	mkt := e.market
	return &mkt, settleErr
}

func (e *MarketEngine) runSettlement(ctx context.Context, winner, actorID string) error {
	resolved, total, err := e.settleBets(ctx, model.BetSettled, func(b model.Bet) resolution {
		return resolveSettled(b, winner)
	})

	_ = e.store.AppendAudit(ctx, &e.market.ID, "MarketSettled", map[string]any{
		"winning_selection": winner, "actor_id": actorID,
		"bets_resolved": resolved, "total_payout": total.String(),
	})
	_ = e.events.MarketSettled(ctx, events.MarketSettled{
		MarketID:         e.market.ID,
		WinningSelection: winner,
		BetsResolved:     resolved,
		TotalPayout:      total.String(),
	})

	e.log.Info("market settled",
		zap.String("winning_selection", winner),
		zap.Int("bets_resolved", resolved),
		zap.String("total_payout", total.String()))
	return err
}

func (e *MarketEngine) runCancellation(ctx context.Context, actorID string) error {
	resolved, total, err := e.settleBets(ctx, model.BetCancelled, resolveCancelled)

	_ = e.store.AppendAudit(ctx, &e.market.ID, "MarketCancelled", map[string]any{
		"actor_id": actorID, "bets_refunded": resolved, "total_refund": total.String(),
	})

	e.log.Info("market cancelled",
		zap.Int("bets_refunded", resolved),
		zap.String("total_refund", total.String()))
	return err
}

func (e *MarketEngine) publishBook() {
	if e.publish == nil {
		return
	}
	book := Aggregate(e.book.Resting(""), model.BookQuery{})
	e.publish(e.market.ID, "book_snapshot", book)
}
