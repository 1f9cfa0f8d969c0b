package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"betting-exchange/internal/db"
	"betting-exchange/internal/engine"
	"betting-exchange/internal/model"
	"betting-exchange/internal/ws"
)

type Server struct {
	store    *db.Store
	manager  *engine.Manager
	hub      *ws.Hub
	secret   []byte
	validate *validator.Validate
	log      *zap.Logger
}

func NewServer(store *db.Store, mgr *engine.Manager, hub *ws.Hub, secret string, log *zap.Logger) *Server {
	return &Server{
		store:    store,
		manager:  mgr,
		hub:      hub,
		secret:   []byte(secret),
		validate: validator.New(),
		log:      log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonOK(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Events
		r.Get("/api/events", s.listEvents)
		r.Get("/api/events/{id}", s.getEvent)

		// Markets
		r.Get("/api/markets", s.listMarkets)
		r.Get("/api/markets/{id}", s.getMarket)
		r.Get("/api/markets/{id}/orderbook", s.getOrderBook)
		r.Get("/api/markets/{id}/matches", s.listMatches)

		// Bets
		r.Post("/api/markets/{id}/bets", s.placeBet)
		r.Get("/api/bets", s.listBets)
		r.Get("/api/bets/{id}", s.getBet)

		// Admin: lifecycle, settlement, catalogue
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/events", s.createEvent)
			r.Post("/api/admin/markets", s.createMarket)
			r.Post("/api/markets/{id}/suspend", s.transitionHandler(model.MarketSuspended))
			r.Post("/api/markets/{id}/reopen", s.transitionHandler(model.MarketOpen))
			r.Post("/api/markets/{id}/close", s.transitionHandler(model.MarketClosed))
			r.Post("/api/markets/{id}/cancel", s.transitionHandler(model.MarketCancelled))
			r.Put("/api/markets/{id}/settle", s.settleMarket)
			r.Get("/api/admin/audit", s.listAudit)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		jsonErr(w, 500, "create user failed")
		return
	}

	jsonOK(w, map[string]any{"user": user, "token": s.makeToken(user.ID, user.Role)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	jsonOK(w, map[string]any{"user": user, "token": s.makeToken(user.ID, user.Role)})
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Events ───────────────────────────────────────────

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	if req.Format == model.FormatHeadToHead && len(req.Participants) != 2 {
		jsonErr(w, 400, "head-to-head events need exactly 2 participants")
		return
	}
	if req.Format == model.FormatMultiParticipant && len(req.Participants) < 3 {
		jsonErr(w, 400, "multi-participant events need at least 3 participants")
		return
	}

	event, err := s.store.CreateEvent(r.Context(), req.Name, req.SportID, req.Format, req.Participants, req.StartTime)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	jsonStatus(w, 201, event)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	jsonOK(w, events)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil || event == nil {
		jsonErr(w, 404, "event not found")
		return
	}
	jsonOK(w, event)
}

// ── Markets ──────────────────────────────────────────

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		jsonErr(w, 400, err.Error())
		return
	}

	event, err := s.store.GetEvent(r.Context(), req.EventID)
	if err != nil || event == nil {
		jsonErr(w, 404, "event not found")
		return
	}

	selections := req.Selections
	if len(selections) == 0 {
		selections = event.Participants
	}
	// Market selections must come from the event's participant set.
	known := make(map[string]bool, len(event.Participants))
	for _, p := range event.Participants {
		known[p] = true
	}
	for _, sel := range selections {
		if !known[sel] {
			jsonErr(w, 422, fmt.Sprintf("selection %q is not a participant of the event", sel))
			return
		}
	}

	market, err := s.store.CreateMarket(r.Context(), event.ID, req.Name, selections)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}

	if err := s.manager.StartEngine(r.Context(), market); err != nil {
		s.log.Error("failed to start market engine", zap.String("market_id", market.ID), zap.Error(err))
	}
	jsonStatus(w, 201, market)
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context(), r.URL.Query().Get("event_id"))
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	jsonOK(w, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "id"))
	if err != nil || market == nil {
		jsonErr(w, 404, "market not found")
		return
	}
	jsonOK(w, market)
}

// ── Lifecycle ────────────────────────────────────────

func (s *Server) transitionHandler(to model.MarketStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.runTransition(w, r, to, nil)
	}
}

func (s *Server) settleMarket(w http.ResponseWriter, r *http.Request) {
	var req model.SettleMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	s.runTransition(w, r, model.MarketSettled, &req.WinningSelection)
}

func (s *Server) runTransition(w http.ResponseWriter, r *http.Request, to model.MarketStatus, winning *string) {
	marketID := chi.URLParam(r, "id")
	actorID, _ := r.Context().Value(ctxUserID).(string)

	market, err := s.manager.Transition(r.Context(), marketID, to, winning, actorID)
	if err != nil {
		jsonDomainErr(w, err)
		return
	}
	jsonOK(w, market)
}

// ── Order book ───────────────────────────────────────

func (s *Server) getOrderBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	q := model.BookQuery{
		Selection: r.URL.Query().Get("selection"),
		Type:      model.BetType(strings.ToUpper(r.URL.Query().Get("type"))),
		SortBy:    model.BookSortField(strings.ToUpper(r.URL.Query().Get("sort_by"))),
		Direction: model.SortDirection(strings.ToUpper(r.URL.Query().Get("direction"))),
	}
	if q.Type != "" && q.Type != model.BetBack && q.Type != model.BetLay {
		jsonErr(w, 400, "type must be BACK or LAY")
		return
	}
	if q.SortBy != "" && q.SortBy != model.SortByOdds && q.SortBy != model.SortByAmount {
		jsonErr(w, 400, "sort_by must be ODDS or AMOUNT")
		return
	}
	if q.Direction != "" && q.Direction != model.SortAsc && q.Direction != model.SortDesc {
		jsonErr(w, 400, "direction must be ASC or DESC")
		return
	}

	book, err := s.manager.OrderBook(r.Context(), marketID, q)
	if err != nil {
		jsonDomainErr(w, err)
		return
	}
	jsonOK(w, book)
}

// ── Bets ─────────────────────────────────────────────

func (s *Server) placeBet(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	userID, _ := r.Context().Value(ctxUserID).(string)

	var req model.PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		jsonErr(w, 400, err.Error())
		return
	}

	result, err := s.manager.PlaceBet(r.Context(), marketID, userID, req)
	if err != nil {
		jsonDomainErr(w, err)
		return
	}
	jsonStatus(w, 201, result)
}

func (s *Server) listBets(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	page, _ := strconv.Atoi(qs.Get("page"))
	limit, _ := strconv.Atoi(qs.Get("limit"))
	filter := model.BetFilter{
		MarketID:  qs.Get("market_id"),
		Selection: qs.Get("selection"),
		Type:      model.BetType(strings.ToUpper(qs.Get("type"))),
		Status:    model.BetStatus(strings.ToUpper(qs.Get("status"))),
		Page:      page,
		Limit:     limit,
	}

	result, err := s.store.ListBets(r.Context(), filter)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	jsonOK(w, result)
}

func (s *Server) getBet(w http.ResponseWriter, r *http.Request) {
	bet, err := s.store.GetBet(r.Context(), chi.URLParam(r, "id"))
	if err != nil || bet == nil {
		jsonErr(w, 404, "bet not found")
		return
	}
	jsonOK(w, bet)
}

// ── Matches & audit ──────────────────────────────────

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 200 {
		limit = n
	}
	matches, err := s.store.ListMatches(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if matches == nil {
		matches = []model.Match{}
	}
	jsonOK(w, matches)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	var marketID *string
	if id := r.URL.Query().Get("market_id"); id != "" {
		marketID = &id
	}
	entries, err := s.store.ListAudit(r.Context(), marketID, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	jsonOK(w, entries)
}

// ── Helpers ──────────────────────────────────────────

func jsonOK(w http.ResponseWriter, data any) { jsonStatus(w, 200, data) }

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// jsonDomainErr maps the core error taxonomy to status codes in one place.
func jsonDomainErr(w http.ResponseWriter, err error) {
	code := 500
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = 404
	case errors.Is(err, model.ErrInvalidStake), errors.Is(err, model.ErrInvalidOdds):
		code = 400
	case errors.Is(err, model.ErrInvalidSelection):
		code = 422
	case errors.Is(err, model.ErrInvalidMarketState),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrConcurrencyConflict):
		code = 409
	case errors.Is(err, model.ErrPayoutFailed):
		code = 502
	}
	jsonErr(w, code, err.Error())
}
