// Package orchestrator turns per-symbol evaluation requests into execute or
// hold decisions. It owns the cooldown state machine and wires market data,
// the advisory ensemble, the threshold optimizer, the risk gateway and the
// exchange router together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/internal/execution"
	"github.com/atlas-desktop/decision-engine/internal/optimization"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/signals"
	"github.com/atlas-desktop/decision-engine/internal/workers"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotExecuted is returned when an outcome is reported for a decision
// that never reached an exchange.
var ErrNotExecuted = errors.New("decision was not executed")

// State is a symbol's position in the evaluation cycle.
type State string

const (
	StateIdle       State = "IDLE"
	StateEvaluating State = "EVALUATING"
	StateExecuting  State = "EXECUTING"
	StateCooldown   State = "COOLDOWN"
)

// MarketSource supplies the market snapshot for a symbol.
type MarketSource interface {
	Snapshot(ctx context.Context, symbol string) (*data.MarketSnapshot, error)
}

// VolatilityClassifier labels the volatility regime of a candle series.
type VolatilityClassifier interface {
	Classify(symbol string, candles []types.OHLCV) (*regime.VolatilityMetrics, error)
}

// ConsensusSource runs one advisory ensemble round.
type ConsensusSource interface {
	GenerateConsensus(ctx context.Context, req signals.ConsensusRequest) (*types.ConsensusSignal, error)
}

// ThresholdSource gates execution on confidence and learns from outcomes.
type ThresholdSource interface {
	GetThreshold(mctx types.MarketContext, perf optimization.PerformanceMetrics, tolerance optimization.RiskTolerance) optimization.ThresholdAdjustment
	PerformanceMetrics() optimization.PerformanceMetrics
	Record(ctx context.Context, rec types.ConfidenceRecord) (bool, error)
	Base() float64
}

// RiskGate sizes and validates trades and books fills.
type RiskGate interface {
	SizePosition(req risk.SizingRequest) (*risk.PositionSize, error)
	ValidateExecution(req risk.ValidationRequest) *risk.ValidationResult
	RecordFill(fill types.Fill) decimal.Decimal
}

// OrderRouter plans and executes orders and scans for arbitrage.
type OrderRouter interface {
	BestRoute(ctx context.Context, symbol string, side types.OrderSide, amount decimal.Decimal, candidates []string) (*execution.RoutingPlan, error)
	ExecuteWithRouting(ctx context.Context, plan *execution.RoutingPlan, order types.Order) (*execution.ExecutionReport, error)
	ScanArbitrage(ctx context.Context, symbols []string) ([]execution.ArbitrageOpportunity, error)
}

// DecisionStore persists decisions and trades.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d *types.Decision) error
	GetDecision(ctx context.Context, id string) (*types.Decision, error)
	SaveTrade(ctx context.Context, t *types.Trade) error
}

// MetricsRecorder receives engine observations.
type MetricsRecorder interface {
	RecordDecision(symbol, action string, executed bool, d time.Duration)
	SetThresholdBase(v float64)
}

// EngineConfig configures the decision engine.
type EngineConfig struct {
	Symbols           []string
	Interval          time.Duration // scheduler period
	ArbitrageInterval time.Duration // 0 disables the arbitrage loop
	Cooldown          time.Duration
	RoundTimeout      time.Duration // hard limit on one evaluation
	RiskTolerance     optimization.RiskTolerance
	Providers         []string // empty means all enabled
	Exchanges         []string // empty means all registered
	Pool              workers.PoolConfig
}

// DefaultEngineConfig returns default engine configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Interval:          5 * time.Minute,
		ArbitrageInterval: 30 * time.Second,
		Cooldown:          60 * time.Second,
		RoundTimeout:      45 * time.Second, // ensemble round (30s) plus routing
		RiskTolerance:     optimization.Moderate,
		Pool:              workers.DefaultPoolConfig("evaluations"),
	}
}

// Components are the collaborators the engine drives.
type Components struct {
	Market     MarketSource
	Classifier VolatilityClassifier
	Ensemble   ConsensusSource
	Threshold  ThresholdSource
	Risk       RiskGate
	Router     OrderRouter
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCooldownStore replaces the in-process cooldown store.
func WithCooldownStore(s CooldownStore) Option {
	return func(e *Engine) { e.cooldowns = s }
}

// WithDecisionStore persists decisions and trades.
func WithDecisionStore(s DecisionStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDecisionHandler is called with every decision.
func WithDecisionHandler(fn func(*types.Decision)) Option {
	return func(e *Engine) { e.onDecision = fn }
}

// WithArbitrageHandler is called with each non-empty arbitrage scan.
func WithArbitrageHandler(fn func([]execution.ArbitrageOpportunity)) Option {
	return func(e *Engine) { e.onArbitrage = fn }
}

// Engine is the decision engine.
type Engine struct {
	logger *zap.Logger
	config EngineConfig
	c      Components

	cooldowns   CooldownStore
	store       DecisionStore
	metrics     MetricsRecorder
	onDecision  func(*types.Decision)
	onArbitrage func([]execution.ArbitrageOpportunity)
	now         func() time.Time

	mu       sync.Mutex
	states   map[string]State
	until    map[string]time.Time
	counters EngineMetrics

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup
	pool    *workers.Pool
}

// EngineMetrics counts evaluation results.
type EngineMetrics struct {
	Evaluations int64 `json:"evaluations"`
	Executed    int64 `json:"executed"`
	Holds       int64 `json:"holds"`
	Cooldowns   int64 `json:"cooldowns"`
	Failures    int64 `json:"failures"`
}

// NewEngine creates a decision engine.
func NewEngine(logger *zap.Logger, config EngineConfig, c Components, opts ...Option) *Engine {
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if config.RoundTimeout <= 0 {
		config.RoundTimeout = 45 * time.Second
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.RiskTolerance == "" {
		config.RiskTolerance = optimization.Moderate
	}
	e := &Engine{
		logger:    logger.Named("decision-engine"),
		config:    config,
		c:         c,
		cooldowns: NewMemoryCooldownStore(),
		now:       time.Now,
		states:    make(map[string]State),
		until:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports where symbol is in the evaluation cycle.
func (e *Engine) State(symbol string) State {
	symbol = types.NormalizeSymbol(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(symbol)
}

// States reports every symbol the engine has seen.
func (e *Engine) States() map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]State, len(e.states))
	for sym := range e.states {
		out[sym] = e.stateLocked(sym)
	}
	return out
}

func (e *Engine) stateLocked(symbol string) State {
	s, ok := e.states[symbol]
	if !ok {
		return StateIdle
	}
	if s == StateCooldown && !e.now().Before(e.until[symbol]) {
		e.states[symbol] = StateIdle
		return StateIdle
	}
	return s
}

// Metrics returns evaluation counters.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// Evaluate runs one decision round for symbol. It never returns an error:
// every failure becomes a HOLD decision with Reasoning set.
func (e *Engine) Evaluate(ctx context.Context, symbol string) (decision *types.Decision) {
	start := e.now()
	symbol = types.NormalizeSymbol(symbol)
	decision = &types.Decision{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Action:    types.ActionHold,
		CreatedAt: start,
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Evaluation panicked", zap.String("symbol", symbol), zap.Any("panic", r))
			e.hold(decision, fmt.Sprintf("internal error: %v", r))
			e.setState(symbol, StateIdle)
		}
		e.finish(ctx, decision, start)
	}()

	if !e.begin(symbol) {
		e.hold(decision, "evaluation already in progress")
		return decision
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.RoundTimeout)
	defer cancel()

	until, err := e.cooldowns.CooldownUntil(ctx, symbol)
	if err != nil {
		e.logger.Warn("Cooldown lookup failed", zap.String("symbol", symbol), zap.Error(err))
		e.hold(decision, "cooldown state unavailable")
		e.setState(symbol, StateIdle)
		return decision
	}
	if e.now().Before(until) {
		e.hold(decision, "cooldown")
		e.enterCooldown(symbol, until)
		e.mu.Lock()
		e.counters.Cooldowns++
		e.mu.Unlock()
		return decision
	}

	e.evaluate(ctx, decision)
	return decision
}

// evaluate runs the EVALUATING and EXECUTING phases. The symbol's state is
// settled before it returns.
func (e *Engine) evaluate(ctx context.Context, d *types.Decision) {
	symbol := d.Symbol
	settled := false
	defer func() {
		if !settled {
			e.setState(symbol, StateIdle)
		}
	}()

	snap, err := e.c.Market.Snapshot(ctx, symbol)
	if err != nil {
		e.fail(d, "market data unavailable", err)
		return
	}
	vol, err := e.c.Classifier.Classify(symbol, snap.Candles)
	if err != nil {
		e.fail(d, "volatility classification failed", err)
		return
	}

	mctx := types.MarketContext{
		Symbol:            symbol,
		Price:             snap.LastPrice,
		PriceChange24h:    snap.PriceChange24h,
		Volatility:        vol.RealizedVolatility,
		AverageVolatility: vol.AverageVolatility,
		Regime:            vol.Regime,
		ATR:               vol.ATR,
		VolumeRatio:       snap.VolumeRatio,
		Condition:         snap.Condition,
		NewsImpact:        types.NewsImpactNone,
		Timestamp:         e.now(),
	}
	d.Context = &mctx

	cs, err := e.c.Ensemble.GenerateConsensus(ctx, signals.ConsensusRequest{
		Symbol:    symbol,
		Context:   mctx,
		Providers: e.config.Providers,
	})
	if err != nil {
		e.fail(d, "consensus failed", err)
		return
	}
	d.Consensus = cs
	d.Confidence = cs.Confidence

	adj := e.c.Threshold.GetThreshold(mctx, e.c.Threshold.PerformanceMetrics(), e.config.RiskTolerance)
	d.Threshold = adj.Threshold

	side, actionable := cs.Action.Side()
	if !actionable {
		e.hold(d, "advisors recommend hold")
		e.recordSkipped(ctx, d)
		return
	}
	if cs.Confidence < adj.Threshold {
		e.hold(d, fmt.Sprintf("confidence %.3f below threshold %.3f", cs.Confidence, adj.Threshold))
		e.recordSkipped(ctx, d)
		return
	}

	entry := snap.LastPrice
	if cs.EntryPrice.IsPositive() {
		entry = cs.EntryPrice
	}
	size, err := e.c.Risk.SizePosition(risk.SizingRequest{
		Symbol:        symbol,
		Side:          side,
		Price:         entry,
		StopLossPrice: cs.StopLoss,
		Volatility:    vol,
	})
	if err != nil {
		e.fail(d, "position sizing failed", err)
		e.recordSkipped(ctx, d)
		return
	}
	d.Quantity = size.Quantity
	d.EntryPrice = entry
	d.StopLoss = size.StopLossPrice
	d.TakeProfit = size.TakeProfitPrice

	validation := e.c.Risk.ValidateExecution(risk.ValidationRequest{
		Symbol:     symbol,
		Side:       side,
		Quantity:   size.Quantity,
		Price:      entry,
		StopLoss:   size.StopLossPrice,
		Volatility: vol,
	})
	if !validation.Approved {
		e.hold(d, "risk check failed: "+validation.Err().Error())
		e.recordSkipped(ctx, d)
		return
	}

	d.ShouldExecute = true
	e.setState(symbol, StateExecuting)

	plan, err := e.c.Router.BestRoute(ctx, symbol, side, size.Quantity, e.config.Exchanges)
	if err != nil {
		d.ShouldExecute = false
		e.fail(d, "no execution route", err)
		return
	}
	order := types.Order{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Side:      side,
		Type:      types.OrderTypeMarket,
		Quantity:  size.Quantity,
		CreatedAt: e.now(),
	}
	report, err := e.c.Router.ExecuteWithRouting(ctx, plan, order)
	if err != nil {
		d.ShouldExecute = false
		e.fail(d, "execution failed", err)
		return
	}

	res := report.Result
	d.Action = cs.Action
	d.Executed = true
	d.Exchange = res.Exchange
	d.OrderID = res.OrderID
	d.UsedFallback = report.UsedFallback
	if res.ExecutedPrice.IsPositive() {
		d.EntryPrice = res.ExecutedPrice
	}
	qty := res.ExecutedQty
	if !qty.IsPositive() {
		qty = size.Quantity
	}
	d.Quantity = qty
	d.Reasoning = fmt.Sprintf("executed %s on %s (consensus %.2f, confidence %.3f >= %.3f)",
		cs.Action, res.Exchange, cs.Consensus, cs.Confidence, adj.Threshold)

	realized := e.c.Risk.RecordFill(types.Fill{
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     d.EntryPrice,
		Fees:      res.Fees,
		Exchange:  res.Exchange,
		OrderID:   res.OrderID,
		Timestamp: res.Timestamp,
	})

	until := e.now().Add(e.config.Cooldown)
	if err := e.cooldowns.SetCooldown(ctx, symbol, until); err != nil {
		e.logger.Error("Failed to store cooldown", zap.String("symbol", symbol), zap.Error(err))
	}
	e.enterCooldown(symbol, until)
	settled = true

	if e.store != nil {
		trade := &types.Trade{
			ID:         uuid.New().String(),
			DecisionID: d.ID,
			OrderID:    res.OrderID,
			Exchange:   res.Exchange,
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty,
			Price:      d.EntryPrice,
			Fees:       res.Fees,
			PnL:        realized,
			ExecutedAt: e.now(),
		}
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.logger.Error("Failed to save trade", zap.String("decision", d.ID), zap.Error(err))
		}
	}
}

// begin moves symbol into EVALUATING unless a round is already running.
func (e *Engine) begin(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.Evaluations++
	switch e.stateLocked(symbol) {
	case StateEvaluating, StateExecuting:
		return false
	}
	e.states[symbol] = StateEvaluating
	return true
}

func (e *Engine) setState(symbol string, s State) {
	e.mu.Lock()
	e.states[symbol] = s
	e.mu.Unlock()
}

func (e *Engine) enterCooldown(symbol string, until time.Time) {
	e.mu.Lock()
	e.states[symbol] = StateCooldown
	e.until[symbol] = until
	e.mu.Unlock()
}

func (e *Engine) hold(d *types.Decision, reason string) {
	d.Action = types.ActionHold
	d.Executed = false
	d.Reasoning = reason
}

func (e *Engine) fail(d *types.Decision, reason string, err error) {
	e.hold(d, reason+": "+err.Error())
	e.mu.Lock()
	e.counters.Failures++
	e.mu.Unlock()
	e.logger.Warn("Evaluation held",
		zap.String("symbol", d.Symbol),
		zap.String("reason", reason),
		zap.Error(err))
}

// recordSkipped appends a non-executed confidence record straight away.
func (e *Engine) recordSkipped(ctx context.Context, d *types.Decision) {
	if d.Consensus == nil {
		return
	}
	rec := types.ConfidenceRecord{
		ID:         uuid.New().String(),
		DecisionID: d.ID,
		Symbol:     d.Symbol,
		Timestamp:  e.now(),
		Confidence: d.Confidence,
		Threshold:  d.Threshold,
		PnL:        decimal.Zero,
		Executed:   false,
	}
	if d.Context != nil {
		rec.Context = *d.Context
	}
	e.record(ctx, rec)
}

func (e *Engine) record(ctx context.Context, rec types.ConfidenceRecord) error {
	reoptimized, err := e.c.Threshold.Record(ctx, rec)
	if err != nil {
		e.logger.Error("Failed to record confidence", zap.String("decision", rec.DecisionID), zap.Error(err))
		return err
	}
	if reoptimized && e.metrics != nil {
		e.metrics.SetThresholdBase(e.c.Threshold.Base())
	}
	return nil
}

// finish persists and publishes d.
func (e *Engine) finish(ctx context.Context, d *types.Decision, start time.Time) {
	d.Duration = e.now().Sub(start)

	e.mu.Lock()
	if d.Executed {
		e.counters.Executed++
	} else {
		e.counters.Holds++
	}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SaveDecision(context.WithoutCancel(ctx), d); err != nil {
			e.logger.Error("Failed to save decision", zap.String("decision", d.ID), zap.Error(err))
		}
	}
	if e.metrics != nil {
		e.metrics.RecordDecision(d.Symbol, string(d.Action), d.Executed, d.Duration)
	}

	e.logger.Info("Decision made",
		zap.String("id", d.ID),
		zap.String("symbol", d.Symbol),
		zap.String("action", string(d.Action)),
		zap.Bool("executed", d.Executed),
		zap.Float64("confidence", d.Confidence),
		zap.Float64("threshold", d.Threshold),
		zap.String("reason", d.Reasoning),
		zap.Duration("duration", d.Duration))

	if e.onDecision != nil {
		e.onDecision(d)
	}
}

// ResolveOutcome books the realized PnL of an executed decision into the
// confidence log. Every Nth record re-optimizes the base threshold.
func (e *Engine) ResolveOutcome(ctx context.Context, decisionID string, pnl decimal.Decimal) (*types.ConfidenceRecord, error) {
	if e.store == nil {
		return nil, errors.New("no decision store configured")
	}
	d, err := e.store.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if !d.Executed {
		return nil, fmt.Errorf("decision %s: %w", decisionID, ErrNotExecuted)
	}

	rec := types.ConfidenceRecord{
		ID:         uuid.New().String(),
		DecisionID: d.ID,
		Symbol:     d.Symbol,
		Timestamp:  e.now(),
		Confidence: d.Confidence,
		Threshold:  d.Threshold,
		Outcome:    types.OutcomeFromPnL(pnl),
		PnL:        pnl,
		Executed:   true,
	}
	if d.Context != nil {
		rec.Context = *d.Context
	}
	if err := e.record(ctx, rec); err != nil {
		return nil, err
	}

	e.logger.Info("Outcome recorded",
		zap.String("decision", decisionID),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("pnl", pnl.String()))
	return &rec, nil
}

// Start launches the evaluation scheduler and the arbitrage scanner.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.pool = workers.NewPool(e.logger, e.config.Pool)
	e.pool.Start()

	e.logger.Info("Starting decision engine",
		zap.Strings("symbols", e.config.Symbols),
		zap.Duration("interval", e.config.Interval),
		zap.Duration("cooldown", e.config.Cooldown))

	e.done.Add(1)
	go e.schedulerLoop(ctx)
	if e.config.ArbitrageInterval > 0 && len(e.config.Symbols) > 0 {
		e.done.Add(1)
		go e.arbitrageLoop(ctx)
	}
	return nil
}

// Stop halts the loops and drains the worker pool.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.done.Wait()

	err := e.pool.Stop()
	e.logger.Info("Decision engine stopped")
	return err
}

// Run starts the engine and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}

// PoolStats reports the evaluation pool, or zero stats when stopped.
func (e *Engine) PoolStats() workers.PoolStats {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.pool == nil {
		return workers.PoolStats{}
	}
	return e.pool.Stats()
}

func (e *Engine) schedulerLoop(ctx context.Context) {
	defer e.done.Done()
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.scheduleAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.scheduleAll()
		}
	}
}

func (e *Engine) scheduleAll() {
	for _, symbol := range e.config.Symbols {
		symbol := symbol
		err := e.pool.SubmitFunc(func(ctx context.Context) error {
			e.Evaluate(ctx, symbol)
			return nil
		})
		if err != nil {
			e.logger.Warn("Evaluation not scheduled", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func (e *Engine) arbitrageLoop(ctx context.Context) {
	defer e.done.Done()
	ticker := time.NewTicker(e.config.ArbitrageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			scanCtx, cancel := context.WithTimeout(ctx, e.config.ArbitrageInterval)
			opps, err := e.c.Router.ScanArbitrage(scanCtx, e.config.Symbols)
			cancel()
			if err != nil {
				e.logger.Warn("Arbitrage scan failed", zap.Error(err))
				continue
			}
			if len(opps) > 0 && e.onArbitrage != nil {
				e.onArbitrage(opps)
			}
		}
	}
}
