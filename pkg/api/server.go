// Package api serves the risk read APIs, the operational ingestion endpoints
// and the live event websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/lending"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/lifecycle"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/liquidation"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/market"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
	"github.com/uhyunpark/hyperrisk/pkg/bridge"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/metrics"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Deps are the components the server reads from. Lending, Bridge, Events
// and Metrics may be nil; their endpoints then report 404 or empty results.
type Deps struct {
	Positions   *position.Manager
	Liquidation *liquidation.Engine
	Lifecycle   *lifecycle.Tracker
	Markets     *market.Registry
	Lending     *lending.Engine
	Bridge      *bridge.Outbox
	Events      *notify.Ring
	Hub         *Hub
	Metrics     *metrics.Metrics
	Clock       util.Clock
	Logger      *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg    Config
	deps   Deps
	router *mux.Router
	hub    *Hub
	clock  util.Clock
	log    *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		hub:    deps.Hub,
		clock:  deps.Clock,
		log:    deps.Logger,
	}
	if s.log == nil {
		s.log = util.NopSugar()
	}
	if s.clock == nil {
		s.clock = util.RealClock{}
	}
	if s.hub == nil {
		s.hub = NewHub(s.log)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Token endpoints
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/tokens/{token}", s.handleGetToken).Methods("GET")
	api.HandleFunc("/tokens/{token}/positions", s.handleGetTokenPositions).Methods("GET")
	api.HandleFunc("/tokens/{token}/risk", s.handleGetRiskSummary).Methods("GET")
	api.HandleFunc("/tokens/{token}/heatmap", s.handleGetHeatmap).Methods("GET")
	api.HandleFunc("/tokens/{token}/liquidation-map", s.handleGetLiquidationMap).Methods("GET")
	api.HandleFunc("/tokens/{token}/adl", s.handleGetADLQueue).Methods("GET")
	api.HandleFunc("/tokens/{token}/price", s.handleSetPrice).Methods("POST")
	api.HandleFunc("/tokens/{token}/reserves", s.handleSetReserves).Methods("POST")
	api.HandleFunc("/tokens/{token}/graduate", s.handleGraduate).Methods("POST")

	// Position endpoints
	api.HandleFunc("/matches", s.handleSubmitMatch).Methods("POST")
	api.HandleFunc("/positions/{id}", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/positions/{id}/close", s.handleClosePosition).Methods("POST")
	api.HandleFunc("/traders/{address}/positions", s.handleGetTraderPositions).Methods("GET")

	// Liquidation endpoints
	api.HandleFunc("/liquidations/queue", s.handleGetLiquidationQueue).Methods("GET")
	api.HandleFunc("/liquidations/stats", s.handleGetLiquidationStats).Methods("GET")

	// Lending endpoints
	api.HandleFunc("/lending/stats", s.handleGetLendingStats).Methods("GET")
	api.HandleFunc("/lending/{token}/borrowers", s.handleGetBorrowers).Methods("GET")
	api.HandleFunc("/lending/{token}/borrowers", s.handleTrackBorrower).Methods("POST")

	// Bridge and events
	api.HandleFunc("/bridge/stats", s.handleGetBridgeStats).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub returns the websocket hub so it can be added to the event fan-out.
func (s *Server) Hub() *Hub { return s.hub }

// Run serves until ctx is cancelled. The websocket hub runs alongside.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// Token Handlers
// ==============================

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.deps.Lifecycle.All())
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	info, tracked := s.deps.Lifecycle.Info(token)
	if !tracked && !s.deps.Markets.Exists(token) {
		respondError(w, http.StatusNotFound, "token not found", token.Hex())
		return
	}
	respondJSON(w, map[string]interface{}{
		"lifecycle": info,
		"risk":      s.riskSummary(token),
	})
}

func (s *Server) handleGetTokenPositions(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, newPositionInfos(s.deps.Positions.OpenPositions(token)))
}

func (s *Server) handleGetRiskSummary(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, s.riskSummary(token))
}

func (s *Server) riskSummary(token common.Address) RiskSummaryInfo {
	sum := s.deps.Positions.RiskSummary(token)
	info := RiskSummaryInfo{
		Token:           token.Hex(),
		State:           s.deps.Lifecycle.State(token).String(),
		OpenPositions:   sum.OpenPositions,
		LongOI:          amount(sum.LongOI),
		ShortOI:         amount(sum.ShortOI),
		TotalCollateral: amount(sum.TotalCollateral),
		AtRiskNotional:  amount(sum.AtRiskNotional),
		ByRiskLevel:     sum.ByRiskLevel,
		Liquidatable:    sum.Liquidatable,
	}
	if book, err := s.deps.Markets.GetOrderBook(token); err == nil {
		if price, err := book.CurrentPrice(); err == nil {
			info.MarkPrice = amount(price)
		}
	}
	return info
}

func (s *Server) handleGetHeatmap(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	levels := liquidation.DefaultPriceLevels
	if v := r.URL.Query().Get("levels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, "invalid levels", v)
			return
		}
		levels = n
	}
	hm, err := s.deps.Liquidation.Heatmap(token, levels)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, hm)
}

func (s *Server) handleGetLiquidationMap(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	var step *big.Int
	if v := r.URL.Query().Get("step"); v != "" {
		parsed, err := fixedpoint.ParseAmount(v)
		if err != nil || parsed.Sign() <= 0 {
			respondError(w, http.StatusBadRequest, "invalid step", v)
			return
		}
		step = parsed
	}
	lm, err := s.deps.Liquidation.LiquidationMap(token, step)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, lm)
}

func (s *Server) handleGetADLQueue(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, map[string]interface{}{
		"long":  s.deps.Liquidation.ADLQueue(token, true),
		"short": s.deps.Liquidation.ADLQueue(token, false),
	})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	price, err := fixedpoint.ParseAmount(req.Price)
	if err != nil || price.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, "invalid price", req.Price)
		return
	}
	s.deps.Markets.SetMarkPrice(token, price)
	s.deps.Lifecycle.RecordPrice(token, price, s.clock.Now())

	s.log.Debugw("mark_price_set", "token", token.Hex(), "price", req.Price)
	respondJSON(w, map[string]string{"token": token.Hex(), "price": amount(price)})
}

func (s *Server) handleSetReserves(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	var req ReservesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	base, err := fixedpoint.ParseAmount(req.Base)
	if err != nil || base.Sign() < 0 {
		respondError(w, http.StatusBadRequest, "invalid base reserve", req.Base)
		return
	}
	quote, err := fixedpoint.ParseAmount(req.Quote)
	if err != nil || quote.Sign() < 0 {
		respondError(w, http.StatusBadRequest, "invalid quote reserve", req.Quote)
		return
	}
	s.deps.Lifecycle.SetReserves(token, base, quote)
	respondJSON(w, map[string]string{"token": token.Hex(), "base": amount(base), "quote": amount(quote)})
}

func (s *Server) handleGraduate(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	changed := s.deps.Lifecycle.Graduate(token)
	respondJSON(w, map[string]interface{}{
		"token":   token.Hex(),
		"state":   s.deps.Lifecycle.State(token).String(),
		"changed": changed,
	})
}

// ==============================
// Position Handlers
// ==============================

func (s *Server) handleSubmitMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	match, err := req.toMatch()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid match", err.Error())
		return
	}

	long, short, err := s.deps.Positions.CreatePair(match)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.deps.Markets.RecordTrade(match.LongOrder.Token, match.Price, match.Size, s.clock.Now())

	s.log.Infow("match_ingested",
		"pair", long.PairID,
		"token", long.Token.Hex(),
		"price", req.Price,
		"size", req.Size,
	)
	respondJSON(w, CreatePairResponse{Long: newPositionInfo(long), Short: newPositionInfo(short)})
}

func (req MatchRequest) toMatch() (position.Match, error) {
	if !common.IsHexAddress(req.Token) {
		return position.Match{}, fmt.Errorf("invalid token %q", req.Token)
	}
	token := common.HexToAddress(req.Token)
	price, err := fixedpoint.ParseAmount(req.Price)
	if err != nil {
		return position.Match{}, fmt.Errorf("price: %w", err)
	}
	size, err := fixedpoint.ParseAmount(req.Size)
	if err != nil {
		return position.Match{}, fmt.Errorf("size: %w", err)
	}
	long, err := req.Long.toOrder(token)
	if err != nil {
		return position.Match{}, fmt.Errorf("long: %w", err)
	}
	short, err := req.Short.toOrder(token)
	if err != nil {
		return position.Match{}, fmt.Errorf("short: %w", err)
	}
	return position.Match{LongOrder: long, ShortOrder: short, Price: price, Size: size}, nil
}

func (o OrderRequest) toOrder(token common.Address) (position.Order, error) {
	if !common.IsHexAddress(o.Trader) {
		return position.Order{}, fmt.Errorf("invalid trader %q", o.Trader)
	}
	lev, err := fixedpoint.ToBigInt(o.Leverage, 4)
	if err != nil || !lev.IsInt64() {
		return position.Order{}, fmt.Errorf("invalid leverage %q", o.Leverage)
	}
	order := position.Order{
		ID:       o.ID,
		Trader:   common.HexToAddress(o.Trader),
		Token:    token,
		Leverage: lev.Int64(),
	}
	if o.Margin != "" {
		margin, err := fixedpoint.ParseAmount(o.Margin)
		if err != nil {
			return position.Order{}, fmt.Errorf("margin: %w", err)
		}
		order.Margin = margin
	}
	return order, nil
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Positions.Get(mux.Vars(r)["id"])
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, newPositionInfo(p))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Trader) {
		respondError(w, http.StatusBadRequest, "invalid trader", req.Trader)
		return
	}
	price, err := fixedpoint.ParseAmount(req.Price)
	if err != nil || price.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, "invalid price", req.Price)
		return
	}
	var size *big.Int
	if req.Size != "" {
		if size, err = fixedpoint.ParseAmount(req.Size); err != nil {
			respondError(w, http.StatusBadRequest, "invalid size", req.Size)
			return
		}
	}

	res, err := s.deps.Positions.CloseForTrader(common.HexToAddress(req.Trader), mux.Vars(r)["id"], price, size)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, ClosePositionResponse{
		Position:   newPositionInfo(res.Position),
		ClosedSize: amount(res.ClosedSize),
		ClosePrice: amount(res.ClosePrice),
		PnL:        amount(res.PnL),
		Full:       res.Full,
	})
}

func (s *Server) handleGetTraderPositions(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	ps, err := s.deps.Positions.ByTrader(common.HexToAddress(addressStr))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load positions", err.Error())
		return
	}
	if r.URL.Query().Get("open") == "true" {
		open := ps[:0]
		for _, p := range ps {
			if p.IsOpen() {
				open = append(open, p)
			}
		}
		ps = open
	}
	respondJSON(w, newPositionInfos(ps))
}

// ==============================
// Liquidation / Lending Handlers
// ==============================

func (s *Server) handleGetLiquidationQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.deps.Liquidation.Queue())
}

func (s *Server) handleGetLiquidationStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.deps.Liquidation.Stats())
}

func (s *Server) handleGetLendingStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lending == nil {
		respondError(w, http.StatusNotFound, "lending disabled", "")
		return
	}
	respondJSON(w, s.deps.Lending.Stats())
}

func (s *Server) handleGetBorrowers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lending == nil {
		respondError(w, http.StatusNotFound, "lending disabled", "")
		return
	}
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, s.deps.Lending.Tracked(token))
}

func (s *Server) handleTrackBorrower(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lending == nil {
		respondError(w, http.StatusNotFound, "lending disabled", "")
		return
	}
	token, ok := tokenVar(w, r)
	if !ok {
		return
	}
	var req TrackBorrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Borrower) {
		respondError(w, http.StatusBadRequest, "invalid borrower", req.Borrower)
		return
	}
	amt, err := fixedpoint.ParseAmount(req.Amount)
	if err != nil || amt.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	borrower := common.HexToAddress(req.Borrower)
	s.deps.Lending.Track(token, borrower, amt)
	respondJSON(w, map[string]string{"status": "tracked", "borrower": borrower.Hex()})
}

func (s *Server) handleGetBridgeStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bridge == nil {
		respondError(w, http.StatusNotFound, "bridge disabled", "")
		return
	}
	respondJSON(w, s.deps.Bridge.Stats())
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		respondJSON(w, []notify.Event{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}
	typ := notify.EventType(r.URL.Query().Get("type"))

	events := make([]notify.Event, 0)
	for _, ev := range s.deps.Events.Recent(0) {
		if typ != "" && ev.Type != typ {
			continue
		}
		events = append(events, ev)
		if len(events) == limit {
			break
		}
	}
	respondJSON(w, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func tokenVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	v := mux.Vars(r)["token"]
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid token", v)
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondDomainError maps core sentinel errors to HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, position.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, position.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, position.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid state", err.Error())
	case errors.Is(err, position.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, "invalid argument", err.Error())
	case errors.Is(err, lifecycle.ErrTradingDisabled), errors.Is(err, lifecycle.ErrLimitExceeded):
		respondError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
	case errors.Is(err, liquidation.ErrNoPrice), errors.Is(err, market.ErrUnknownMarket), errors.Is(err, market.ErrNoPrice):
		respondError(w, http.StatusNotFound, "no price", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}
