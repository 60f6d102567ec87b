// Package api serves the venue gateway: REST endpoints over the position
// manager and shadow venue books, Prometheus metrics and a WebSocket feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/market"
	"github.com/uhyunpark/obelisk/pkg/metrics"
	"github.com/uhyunpark/obelisk/pkg/perp"
	"github.com/uhyunpark/obelisk/pkg/venue"
)

const (
	defaultLeverage = 2
	maxBodyBytes    = 1 << 20
	// RoutePrefix mirrors every venue route under the trade API prefix.
	RoutePrefix = "/api/trade"
)

// Leverage arrives as a JSON number of any magnitude; IntPart wraps outside int64.
var (
	minWireLeverage = decimal.NewFromInt(1)
	maxWireLeverage = decimal.NewFromInt(math.MaxInt64)
)

// Config configures the HTTP listener.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg         Config
	manager     *perp.Manager
	tracker     *venue.Tracker
	instruments *market.Registry
	metrics     *metrics.Metrics
	router      *mux.Router
	hub         *Hub
	upgrader    websocket.Upgrader
	origins     []string
	logger      *zap.SugaredLogger
}

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:3001"}

func NewServer(cfg Config, manager *perp.Manager, tracker *venue.Tracker, instruments *market.Registry,
	m *metrics.Metrics, hub *Hub, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:         cfg,
		manager:     manager,
		tracker:     tracker,
		instruments: instruments,
		metrics:     m,
		router:      mux.NewRouter(),
		hub:         hub,
		origins:     cfg.AllowedOrigins,
		logger:      logger,
	}
	if len(s.origins) == 0 {
		s.origins = defaultOrigins
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mountVenueRoutes(s.router)
	s.mountVenueRoutes(s.router.PathPrefix(RoutePrefix).Subrouter())

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) mountVenueRoutes(r *mux.Router) {
	r.HandleFunc("/equity", s.handleGetEquity).Methods("GET")
	r.HandleFunc("/instruments", s.handleGetInstruments).Methods("GET")

	r.HandleFunc("/venue/deposit", s.handleDeposit).Methods("POST")
	r.HandleFunc("/venue/order", s.handleOrder).Methods("POST")
	r.HandleFunc("/venue/close", s.handleClose).Methods("POST")
	r.HandleFunc("/venue/thaw", s.handleThaw).Methods("POST")
	r.HandleFunc("/venue/stats", s.handleGetStats).Methods("GET")
	r.HandleFunc("/venue/history", s.handleGetHistory).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Infow("api_shutting_down")
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetEquity(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("venue")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing venue parameter", "")
		return
	}
	if err := margin.ValidateVenueID(id); err != nil {
		s.respondErr(w, err)
		return
	}

	// Settle shadow entries the manager closed on its own (liquidation, SL/TP)
	// before reporting. A failed reconcile is retried on the next read.
	reconciled, err := s.tracker.Reconcile(id)
	if err != nil {
		s.logger.Warnw("reconcile_failed", "venue", id, "err", err)
	}

	acc, err := s.manager.Account(id)
	if errors.Is(err, margin.ErrVenueNotFound) {
		respondJSON(w, EquityResponse{
			Success:         true,
			Venue:           id,
			Equity:          decimal.Zero,
			FreeCollateral:  decimal.Zero,
			TotalValue:      decimal.Zero,
			Available:       decimal.Zero,
			AllocatedMargin: decimal.Zero,
			Positions:       []PositionInfo{},
			Pnl:             decimal.Zero,
			Deposited:       decimal.Zero,
		})
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}

	positions := make([]PositionInfo, 0, len(acc.Positions))
	for _, p := range acc.Positions {
		positions = append(positions, s.positionInfo(p))
	}
	available := acc.AvailableMargin()
	respondJSON(w, EquityResponse{
		Success:         true,
		Venue:           id,
		Equity:          acc.Equity,
		FreeCollateral:  available,
		TotalValue:      acc.Equity,
		Available:       available,
		AllocatedMargin: acc.MarginUsed(),
		Positions:       positions,
		Pnl:             acc.RealizedPnl,
		Deposited:       acc.Deposited,
		LastUpdated:     acc.LastUpdated,
		Frozen:          acc.Frozen,
		FrozenReason:    acc.FrozenReason,
		Reconciled:      len(reconciled),
	})
}

func (s *Server) positionInfo(p *margin.Position) PositionInfo {
	info := PositionInfo{
		ID:         p.ID,
		Coin:       p.Instrument,
		Side:       p.Side,
		Size:       p.Size,
		Leverage:   p.Leverage,
		EntryPrice: p.EntryPrice,
		Margin:     p.MarginUsed(),
		Funding:    p.Funding,
		OpenedAt:   p.OpenedAt,
	}
	if liq, err := s.manager.LiquidationPrice(p); err == nil {
		info.LiquidationPrice = liq
	}
	if p.StopLoss.Valid {
		sl := p.StopLoss.Decimal
		info.SL = &sl
	}
	if p.TakeProfit.Valid {
		tp := p.TakeProfit.Decimal
		info.TP = &tp
	}
	return info
}

func (s *Server) handleGetInstruments(w http.ResponseWriter, r *http.Request) {
	list := s.instruments.List()
	resp := make([]InstrumentInfo, len(list))
	for i, in := range list {
		resp[i] = InstrumentInfo{
			Symbol:                 in.Symbol,
			MaxLeverage:            in.MaxLeverage,
			MaintenanceMarginRatio: in.MaintenanceMarginRatio,
			FeeRate:                in.FeeRate,
			FundingRate:            in.FundingRate,
			MaxPositions:           in.MaxPositions,
		}
	}
	respondJSON(w, resp)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Venue == "" {
		respondError(w, http.StatusBadRequest, "missing venue or amount", "")
		return
	}

	acc, err := s.manager.Deposit(r.Context(), req.Venue, req.Amount)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.tracker.SyncDeposit(req.Venue, acc.Deposited); err != nil {
		// Reconcile raises the shadow total to the ledger's on the next read.
		s.logger.Warnw("shadow_deposit_failed", "venue", req.Venue, "err", err)
	}

	respondJSON(w, DepositResponse{
		Success:        true,
		Venue:          req.Venue,
		Equity:         acc.Equity,
		NewEquity:      acc.Equity,
		TotalDeposited: acc.Deposited,
	})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Venue == "" || req.Coin == "" || req.Side == "" {
		respondError(w, http.StatusBadRequest, "missing required fields", "required: venue, coin, side, size")
		return
	}
	side, err := margin.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	leverage := int64(defaultLeverage)
	if req.Leverage.Valid {
		lev := req.Leverage.Decimal
		if !lev.IsInteger() {
			respondError(w, http.StatusBadRequest, margin.ErrInvalidLeverage.Error(), "leverage must be a whole number")
			return
		}
		if lev.LessThan(minWireLeverage) || lev.GreaterThan(maxWireLeverage) {
			respondError(w, http.StatusBadRequest, margin.ErrInvalidLeverage.Error(), "leverage out of range")
			return
		}
		leverage = lev.IntPart()
	}

	pos, err := s.manager.OpenPosition(r.Context(), perp.OpenRequest{
		Venue:      req.Venue,
		Instrument: req.Coin,
		Side:       side,
		Size:       req.Size,
		Leverage:   leverage,
		StopLoss:   req.SL,
		TakeProfit: req.TP,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.tracker.Track(pos); err != nil {
		// Reconcile adopts the position (or its close) on the next read.
		s.logger.Warnw("shadow_track_failed", "venue", req.Venue, "position", pos.ID, "err", err)
	}

	liq, _ := s.manager.LiquidationPrice(pos)
	s.logger.Infow("venue_order",
		"venue", req.Venue, "side", pos.Side, "coin", pos.Instrument,
		"size", pos.Size.String(), "price", pos.EntryPrice.String())

	respondJSON(w, OrderResponse{
		Success:          true,
		OrderID:          pos.ID,
		Venue:            "obelisk_internal",
		Price:            pos.EntryPrice,
		Fees:             pos.OpenFee,
		PositionID:       pos.ID,
		LiquidationPrice: liq,
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Venue == "" {
		respondError(w, http.StatusBadRequest, "missing venue parameter", "")
		return
	}

	var (
		res *perp.CloseResult
		err error
	)
	switch {
	case req.PositionID != "":
		if !s.ownsPosition(req.Venue, req.PositionID) {
			respondError(w, http.StatusNotFound, "position not found", "")
			return
		}
		res, err = s.manager.ClosePosition(r.Context(), req.PositionID, margin.ReasonManual)
	case req.Coin != "":
		res, err = s.manager.CloseByInstrument(r.Context(), req.Venue, req.Coin)
	default:
		respondError(w, http.StatusBadRequest, "missing coin or positionId", "")
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if _, err := s.tracker.Apply(res.Record); err != nil {
		s.logger.Warnw("shadow_apply_failed", "venue", req.Venue, "position", res.Record.ID, "err", err)
	}

	respondJSON(w, CloseResponse{
		Success:            true,
		Venue:              req.Venue,
		Closed:             res.Record,
		NetPnl:             res.Record.Pnl,
		ReturnedMargin:     res.ReturnedMargin,
		RemainingPositions: len(res.Account.Positions),
	})
}

func (s *Server) ownsPosition(venueID, positionID string) bool {
	for _, id := range s.manager.ActivePositionIDs(venueID) {
		if id == positionID {
			return true
		}
	}
	return false
}

func (s *Server) handleThaw(w http.ResponseWriter, r *http.Request) {
	var req ThawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var (
		acc     *margin.Account
		changes []string
		err     error
	)
	if req.Repair {
		acc, changes, err = s.manager.Repair(r.Context(), req.Venue)
	} else {
		acc, err = s.manager.Thaw(r.Context(), req.Venue)
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, ThawResponse{
		Success: true,
		Venue:   acc.Venue,
		Frozen:  acc.Frozen,
		Equity:  acc.Equity,
		Changes: changes,
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("venue")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing venue parameter", "")
		return
	}
	if err := margin.ValidateVenueID(id); err != nil {
		s.respondErr(w, err)
		return
	}
	if _, err := s.tracker.Reconcile(id); err != nil {
		s.logger.Warnw("reconcile_failed", "venue", id, "err", err)
	}

	st, _, err := s.tracker.Stats(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, StatsResponse{
		Success:   true,
		Venue:     id,
		Trades:    st.Trades,
		Wins:      st.Wins,
		Pnl:       st.Pnl,
		WinRate:   st.WinRate,
		AvgProfit: st.AvgProfit,
		Fees:      st.Fees,
		Equity:    st.Equity,
		Positions: st.OpenPositions,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("venue")
	if err := margin.ValidateVenueID(id); err != nil {
		s.respondErr(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = n
	}

	recs, err := s.manager.History(id, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if recs == nil {
		recs = []*margin.ClosedPosition{}
	}
	respondJSON(w, HistoryResponse{Success: true, Venue: id, Closed: recs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":      "ok",
		"accounts":    len(s.manager.Accounts()),
		"oracleGaps":  s.manager.OracleGaps(),
		"wsClients":   s.hub.ClientCount(),
		"instruments": s.instruments.Count(),
	})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, margin.ErrPositionNotFound), errors.Is(err, margin.ErrVenueNotFound):
		return http.StatusNotFound
	case errors.Is(err, margin.ErrAccountFrozen), errors.Is(err, margin.ErrInvariantViolation):
		return http.StatusConflict
	case errors.Is(err, margin.ErrOracleUnavailable), errors.Is(err, margin.ErrLedgerWriteFailed):
		return http.StatusServiceUnavailable
	case perp.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	var ime *margin.InsufficientMarginError
	if errors.As(err, &ime) {
		writeJSON(w, http.StatusBadRequest, InsufficientMarginResponse{
			Error:     ime.Error(),
			Available: ime.Available,
			Required:  ime.Required,
		})
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request_failed", "status", status, "err", err)
	}
	respondError(w, status, err.Error(), "")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
