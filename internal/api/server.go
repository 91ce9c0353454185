// Package api provides the HTTP and WebSocket server.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/execution"
	"github.com/atlas-desktop/decision-engine/internal/optimization"
	"github.com/atlas-desktop/decision-engine/internal/orchestrator"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/signals"
	"github.com/atlas-desktop/decision-engine/internal/storage"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DecisionEngine evaluates symbols and books outcomes.
type DecisionEngine interface {
	Evaluate(ctx context.Context, symbol string) *types.Decision
	ResolveOutcome(ctx context.Context, decisionID string, pnl decimal.Decimal) (*types.ConfidenceRecord, error)
	States() map[string]orchestrator.State
	Metrics() orchestrator.EngineMetrics
}

// DecisionStore reads persisted decisions and trades.
type DecisionStore interface {
	GetDecision(ctx context.Context, id string) (*types.Decision, error)
	ListDecisions(ctx context.Context, symbol string, limit int) ([]*types.Decision, error)
	TradesBySymbol(ctx context.Context, symbol string, limit int) ([]*types.Trade, error)
	Ping(ctx context.Context) error
}

// RiskController exposes the gateway state and the emergency stop.
type RiskController interface {
	GetMetrics() risk.RiskMetrics
	Positions() []types.Position
	Audit(limit int) []risk.AuditEntry
	EnableEmergencyStop(reason string)
	DisableEmergencyStop(operator string)
	IsEmergencyStopActive() bool
}

// ArbitrageScanner scans venues for cross-exchange spreads.
type ArbitrageScanner interface {
	ScanArbitrage(ctx context.Context, symbols []string) ([]execution.ArbitrageOpportunity, error)
	Opportunities() []execution.ArbitrageOpportunity
	Exchanges() []string
}

// ProviderReporter reports advisory provider statistics.
type ProviderReporter interface {
	ProviderMetrics() []signals.ProviderMetrics
}

// ThresholdReporter reports the confidence threshold state.
type ThresholdReporter interface {
	Base() float64
	PerformanceMetrics() optimization.PerformanceMetrics
	LastResult() *optimization.ReoptimizeResult
}

// HTTPMetrics records request observations.
type HTTPMetrics interface {
	RecordHTTPRequest(route, method string, status int, d time.Duration)
}

// Config configures the HTTP listener.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	DefaultSymbols []string // used by the arbitrage scan when none are given
}

// Dependencies are the components the API serves. Nil members disable
// their routes with 503.
type Dependencies struct {
	Engine     DecisionEngine
	Decisions  DecisionStore
	Risk       RiskController
	Arbitrage  ArbitrageScanner
	Providers  ProviderReporter
	Threshold  ThresholdReporter
	Market     MarketSource
	Volatility VolatilityHistory
	Sizer      PositionSizer
	Hub        *Hub
	Metrics    HTTPMetrics
	Gatherer   prometheus.Gatherer
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     Config
	deps       Dependencies
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	now        func() time.Time
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config Config, deps Dependencies) *Server {
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		logger: logger.Named("api"),
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now: time.Now,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Decisions
	v1.HandleFunc("/decisions", s.handleListDecisions).Methods(http.MethodGet)
	v1.HandleFunc("/decisions/{symbol}/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	v1.HandleFunc("/decisions/{id}/outcome", s.handleOutcome).Methods(http.MethodPost)
	v1.HandleFunc("/decisions/{id}", s.handleGetDecision).Methods(http.MethodGet)
	v1.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	v1.HandleFunc("/engine", s.handleEngine).Methods(http.MethodGet)

	// Risk
	v1.HandleFunc("/risk/metrics", s.handleRiskMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/risk/emergency-stop", s.handleEmergencyStop).Methods(http.MethodPost)
	v1.HandleFunc("/risk/emergency-stop", s.handleClearEmergencyStop).Methods(http.MethodDelete)

	// Arbitrage
	v1.HandleFunc("/arbitrage", s.handleScanArbitrage).Methods(http.MethodGet)
	v1.HandleFunc("/arbitrage/opportunities", s.handleOpportunities).Methods(http.MethodGet)

	// Advisors and threshold
	v1.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	v1.HandleFunc("/threshold", s.handleThreshold).Methods(http.MethodGet)

	s.registerMarketRoutes(v1)

	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", s.config.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.writeError(w, http.StatusServiceUnavailable, what+" not configured")
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"time":   s.now().Unix(),
	}
	status := http.StatusOK

	if s.deps.Decisions != nil {
		if err := s.deps.Decisions.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Risk != nil {
		resp["emergencyStop"] = s.deps.Risk.IsEmergencyStopActive()
	}
	if s.deps.Engine != nil {
		resp["engine"] = s.deps.Engine.States()
	}
	if s.deps.Hub != nil {
		resp["wsClients"] = s.deps.Hub.ClientCount()
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.unavailable(w, "decision engine")
		return
	}
	symbol := types.NormalizeSymbol(mux.Vars(r)["symbol"])
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	d := s.deps.Engine.Evaluate(r.Context(), symbol)
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		s.unavailable(w, "storage")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" {
		symbol = types.NormalizeSymbol(symbol)
	}
	decisions, err := s.deps.Decisions.ListDecisions(r.Context(), symbol, queryLimit(r, 50))
	if err != nil {
		s.logger.Error("Failed to list decisions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		s.unavailable(w, "storage")
		return
	}
	d, err := s.deps.Decisions.GetDecision(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "decision not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load decision", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load decision")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// OutcomeRequest books the realized PnL of an executed decision.
type OutcomeRequest struct {
	PnL *decimal.Decimal `json:"pnl"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.unavailable(w, "decision engine")
		return
	}
	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PnL == nil {
		s.writeError(w, http.StatusBadRequest, "body must contain pnl")
		return
	}

	rec, err := s.deps.Engine.ResolveOutcome(r.Context(), mux.Vars(r)["id"], *req.PnL)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, rec)
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "decision not found")
	case errors.Is(err, orchestrator.ErrNotExecuted):
		s.writeError(w, http.StatusConflict, "decision was not executed")
	case errors.Is(err, storage.ErrDuplicate):
		s.writeError(w, http.StatusConflict, "outcome already recorded")
	default:
		s.logger.Error("Failed to record outcome", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to record outcome")
	}
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		s.unavailable(w, "storage")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	trades, err := s.deps.Decisions.TradesBySymbol(r.Context(), types.NormalizeSymbol(symbol), queryLimit(r, 50))
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.unavailable(w, "decision engine")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"states":  s.deps.Engine.States(),
		"metrics": s.deps.Engine.Metrics(),
	})
}

func (s *Server) handleRiskMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Risk == nil {
		s.unavailable(w, "risk gateway")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"metrics":   s.deps.Risk.GetMetrics(),
		"positions": s.deps.Risk.Positions(),
		"audit":     s.deps.Risk.Audit(queryLimit(r, 20)),
	})
}

// EmergencyStopRequest toggles the emergency stop.
type EmergencyStopRequest struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Risk == nil {
		s.unavailable(w, "risk gateway")
		return
	}
	var req EmergencyStopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "manual"
	}
	s.deps.Risk.EnableEmergencyStop(req.Reason)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"emergencyStop": true,
		"reason":        req.Reason,
	})
}

func (s *Server) handleClearEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Risk == nil {
		s.unavailable(w, "risk gateway")
		return
	}
	operator := r.URL.Query().Get("operator")
	s.deps.Risk.DisableEmergencyStop(operator)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"emergencyStop": s.deps.Risk.IsEmergencyStopActive(),
	})
}

func (s *Server) handleScanArbitrage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Arbitrage == nil {
		s.unavailable(w, "exchange router")
		return
	}
	symbols := s.config.DefaultSymbols
	if q := r.URL.Query().Get("symbols"); q != "" {
		symbols = nil
		for _, sym := range strings.Split(q, ",") {
			if sym = types.NormalizeSymbol(sym); sym != "" {
				symbols = append(symbols, sym)
			}
		}
	}
	if len(symbols) == 0 {
		s.writeError(w, http.StatusBadRequest, "symbols are required")
		return
	}

	opps, err := s.deps.Arbitrage.ScanArbitrage(r.Context(), symbols)
	if err != nil {
		s.logger.Warn("Arbitrage scan failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if s.deps.Hub != nil {
		s.deps.Hub.PublishArbitrage(opps)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": opps,
		"count":         len(opps),
		"exchanges":     s.deps.Arbitrage.Exchanges(),
	})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	if s.deps.Arbitrage == nil {
		s.unavailable(w, "exchange router")
		return
	}
	opps := s.deps.Arbitrage.Opportunities()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": opps,
		"count":         len(opps),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Providers == nil {
		s.unavailable(w, "ensemble")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.deps.Providers.ProviderMetrics(),
	})
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	if s.deps.Threshold == nil {
		s.unavailable(w, "threshold optimizer")
		return
	}
	resp := map[string]any{
		"base":        s.deps.Threshold.Base(),
		"performance": s.deps.Threshold.PerformanceMetrics(),
	}
	if last := s.deps.Threshold.LastResult(); last != nil {
		resp["lastReoptimization"] = last
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleWebSocket upgrades the connection and registers the client with
// the hub. ?channels=a,b overrides the default subscriptions.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		s.unavailable(w, "websocket hub")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.deps.Hub, conn)
	select {
	case s.deps.Hub.register <- client:
	case <-s.deps.Hub.done:
		conn.Close()
		return
	}

	channels := DefaultChannels
	if q := r.URL.Query().Get("channels"); q != "" {
		channels = strings.Split(q, ",")
	}
	for _, ch := range channels {
		s.deps.Hub.Subscribe(client, normalizeChannel(ch))
	}

	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

// statusRecorder captures the response status for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.deps.Metrics == nil {
			return
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.deps.Metrics.RecordHTTPRequest(route, r.Method, rec.status, s.now().Sub(start))
	})
}
