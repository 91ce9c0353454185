// Package risk provides the risk gateway that sizes positions and gates execution.
package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sub-check names reported by ValidateExecution.
const (
	CheckEmergencyStop     = "emergency_stop"
	CheckDailyLoss         = "daily_loss"
	CheckMaxPositions      = "max_positions"
	CheckMinNotional       = "min_notional"
	CheckDuplicatePosition = "duplicate_position"
)

// GatewayConfig contains risk gateway configuration.
type GatewayConfig struct {
	Base           regime.RiskBase
	PortfolioValue decimal.Decimal `json:"portfolioValue"` // Starting portfolio value
	MinNotional    decimal.Decimal `json:"minNotional"`    // Smallest order value accepted
	Timezone       string          `json:"timezone"`       // Trading day boundary
	AuditLimit     int             `json:"auditLimit"`     // Emergency stop audit entries kept in memory
}

// DefaultGatewayConfig returns default risk gateway configuration.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Base:           regime.DefaultRiskBase(),
		PortfolioValue: decimal.NewFromInt(10000), // $10,000
		MinNotional:    decimal.NewFromInt(10),    // $10
		Timezone:       "UTC",
		AuditLimit:     100,
	}
}

// RiskProfile is the mutable per-account state owned by the gateway.
type RiskProfile struct {
	DailyPnL            decimal.Decimal  `json:"dailyPnl"`
	DailyTradeCount     int              `json:"dailyTradeCount"`
	OpenPositionCount   int              `json:"openPositionCount"`
	EmergencyStopActive bool             `json:"emergencyStopActive"`
	EmergencyReason     string           `json:"emergencyReason,omitempty"`
	LastResetDate       time.Time        `json:"lastResetDate"`
	PortfolioValue      decimal.Decimal  `json:"portfolioValue"`
	Positions           []types.Position `json:"positions"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// AuditEntry records an emergency stop transition.
type AuditEntry struct {
	Action    string          `json:"action"` // "enable", "disable" or "auto"
	Reason    string          `json:"reason"`
	Operator  string          `json:"operator"`
	DailyPnL  decimal.Decimal `json:"dailyPnl"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProfileStore persists the risk profile so the emergency stop survives restarts.
type ProfileStore interface {
	SaveRiskProfile(ctx context.Context, p *RiskProfile) error
	LoadRiskProfile(ctx context.Context) (*RiskProfile, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) // newest first
}

// MetricsRecorder receives gateway observations.
type MetricsRecorder interface {
	RecordRiskCheck(check string, passed bool)
	SetEmergencyStop(active bool)
}

// RiskEvent represents a risk-related event.
type RiskEvent struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SizingRequest are the inputs to SizePosition. Zero StopLossPrice or
// PortfolioValue fall back to the adaptive default and the tracked value.
type SizingRequest struct {
	Symbol         string
	Side           types.OrderSide
	Price          decimal.Decimal
	StopLossPrice  decimal.Decimal
	PortfolioValue decimal.Decimal
	Volatility     *regime.VolatilityMetrics
}

// PositionSize is the sizing outcome for one trade.
type PositionSize struct {
	Symbol          string                        `json:"symbol"`
	Side            types.OrderSide               `json:"side"`
	Quantity        decimal.Decimal               `json:"quantity"`
	Notional        decimal.Decimal               `json:"notional"`
	RiskAmount      decimal.Decimal               `json:"riskAmount"`
	StopDistance    decimal.Decimal               `json:"stopDistance"`
	StopLossPrice   decimal.Decimal               `json:"stopLossPrice"`
	TakeProfitPrice decimal.Decimal               `json:"takeProfitPrice"`
	RiskReward      decimal.Decimal               `json:"riskReward"`
	Parameters      regime.AdaptiveRiskParameters `json:"parameters"`
}

// ValidationRequest describes a proposed execution. Volatility is the
// reading for Symbol; nil validates against the base policy.
type ValidationRequest struct {
	Symbol     string
	Side       types.OrderSide
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	StopLoss   decimal.Decimal
	Volatility *regime.VolatilityMetrics
}

// CheckResult is one validation sub-check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// ValidationResult is the conjunction of all sub-checks.
type ValidationResult struct {
	Approved   bool                          `json:"approved"`
	Checks     []CheckResult                 `json:"checks"`
	Parameters regime.AdaptiveRiskParameters `json:"parameters"`
}

// Err returns a RiskError naming the failed checks, or nil. A lone
// daily-loss or max-positions failure keeps its own kind.
func (r *ValidationResult) Err() error {
	if r.Approved {
		return nil
	}
	var failed []string
	kind := KindValidation
	for _, c := range r.Checks {
		if c.Passed {
			continue
		}
		failed = append(failed, c.Name+": "+c.Detail)
		switch c.Name {
		case CheckDailyLoss:
			kind = KindDailyLoss
		case CheckMaxPositions:
			kind = KindMaxPositions
		default:
			kind = KindValidation
		}
	}
	if len(failed) > 1 {
		kind = KindValidation
	}
	return newRiskError(kind, "%s", strings.Join(failed, "; "))
}

// RiskMetrics is a read-only snapshot of gateway state.
type RiskMetrics struct {
	DailyPnL            decimal.Decimal               `json:"dailyPnl"`
	DailyTradeCount     int                           `json:"dailyTradeCount"`
	OpenPositions       int                           `json:"openPositions"`
	EmergencyStopActive bool                          `json:"emergencyStopActive"`
	EmergencyReason     string                        `json:"emergencyReason,omitempty"`
	LastResetDate       time.Time                     `json:"lastResetDate"`
	PortfolioValue      decimal.Decimal               `json:"portfolioValue"`
	DailyLossLimit      decimal.Decimal               `json:"dailyLossLimit"`
	RemainingLossBudget decimal.Decimal               `json:"remainingLossBudget"`
	Parameters          regime.AdaptiveRiskParameters `json:"parameters"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithProfileStore persists profile changes to store.
func WithProfileStore(store ProfileStore) Option {
	return func(g *Gateway) { g.store = store }
}

// WithMetrics reports checks and emergency stop state to m.
func WithMetrics(m MetricsRecorder) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway sizes positions and enforces the daily-loss, position-count and
// emergency-stop invariants. All state mutations happen under mu.
type Gateway struct {
	logger *zap.Logger
	config GatewayConfig
	mu     sync.Mutex

	profile   RiskProfile
	positions map[string]*types.Position
	params    regime.AdaptiveRiskParameters // base policy, used when no reading is supplied
	audit     []AuditEntry

	store   ProfileStore
	metrics MetricsRecorder
	events  chan RiskEvent
	now     func() time.Time
}

// NewGateway creates a new risk gateway.
func NewGateway(logger *zap.Logger, config GatewayConfig, opts ...Option) *Gateway {
	if config.Timezone == "" {
		config.Timezone = "UTC"
	}
	if config.AuditLimit <= 0 {
		config.AuditLimit = 100
	}
	g := &Gateway{
		logger:    logger.Named("risk-gateway"),
		config:    config,
		positions: make(map[string]*types.Position),
		params:    regime.BaseParameters(config.Base),
		events:    make(chan RiskEvent, 100),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.profile.PortfolioValue = config.PortfolioValue
	g.profile.LastResetDate = TodayOpen(config.Timezone, g.now())
	return g
}

// Restore loads a persisted profile. A missing store or profile is not an error.
func (g *Gateway) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	p, err := g.store.LoadRiskProfile(ctx)
	if err != nil {
		return fmt.Errorf("failed to load risk profile: %w", err)
	}
	if p == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.profile = *p
	if !g.profile.PortfolioValue.IsPositive() {
		g.profile.PortfolioValue = g.config.PortfolioValue
	}
	g.positions = make(map[string]*types.Position, len(p.Positions))
	for i := range p.Positions {
		pos := p.Positions[i]
		g.positions[pos.Symbol] = &pos
	}
	g.profile.Positions = nil
	g.profile.OpenPositionCount = len(g.positions)

	audit, err := g.store.AuditLog(ctx, g.config.AuditLimit)
	if err != nil {
		return fmt.Errorf("failed to load emergency stop audit: %w", err)
	}
	g.audit = make([]AuditEntry, 0, len(audit))
	for i := len(audit) - 1; i >= 0; i-- {
		g.audit = append(g.audit, audit[i])
	}
	g.maybeResetLocked()
	if g.metrics != nil {
		g.metrics.SetEmergencyStop(g.profile.EmergencyStopActive)
	}

	g.logger.Info("Risk profile restored",
		zap.String("daily_pnl", g.profile.DailyPnL.String()),
		zap.Int("open_positions", g.profile.OpenPositionCount),
		zap.Bool("emergency_stop", g.profile.EmergencyStopActive))
	return nil
}

// SizePosition computes quantity, stop and target for a trade.
func (g *Gateway) SizePosition(req SizingRequest) (*PositionSize, error) {
	if !req.Price.IsPositive() {
		return nil, newRiskError(KindPositionSize, "price must be positive, got %s", req.Price)
	}

	g.mu.Lock()
	g.maybeResetLocked()
	params := g.params
	portfolio := g.profile.PortfolioValue
	g.mu.Unlock()

	if req.Volatility != nil {
		params = regime.Adapt(g.config.Base, req.Volatility)
	}
	if req.PortfolioValue.IsPositive() {
		portfolio = req.PortfolioValue
	}
	if !portfolio.IsPositive() {
		return nil, newRiskError(KindPositionSize, "portfolio value must be positive, got %s", portfolio)
	}

	riskAmount := portfolio.Mul(params.RiskPerTradePercent)

	var stopDistance decimal.Decimal
	if req.StopLossPrice.IsPositive() {
		stopDistance = req.Price.Sub(req.StopLossPrice).Abs().Div(req.Price)
	}
	if !stopDistance.IsPositive() {
		stopDistance = g.config.Base.DefaultStopLoss.Mul(params.StopLossMultiplier)
	}
	if !stopDistance.IsPositive() {
		return nil, newRiskError(KindPositionSize, "stop distance must be positive")
	}

	rewardMultiple := g.config.Base.TakeProfitRatio.Mul(params.TakeProfitMultiplier)
	tpDistance := stopDistance.Mul(rewardMultiple)
	one := decimal.NewFromInt(1)

	size := &PositionSize{
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     riskAmount.Div(stopDistance.Mul(req.Price)),
		RiskAmount:   riskAmount,
		StopDistance: stopDistance,
		RiskReward:   rewardMultiple,
		Parameters:   params,
	}
	size.Notional = size.Quantity.Mul(req.Price)

	if req.Side == types.OrderSideSell {
		size.StopLossPrice = req.Price.Mul(one.Add(stopDistance))
		size.TakeProfitPrice = req.Price.Mul(one.Sub(tpDistance))
	} else {
		size.StopLossPrice = req.Price.Mul(one.Sub(stopDistance))
		size.TakeProfitPrice = req.Price.Mul(one.Add(tpDistance))
	}
	if req.StopLossPrice.IsPositive() && !req.StopLossPrice.Equal(req.Price) {
		size.StopLossPrice = req.StopLossPrice
	}

	g.logger.Debug("Position sized",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("quantity", size.Quantity.String()),
		zap.String("risk_amount", riskAmount.String()),
		zap.String("stop_distance", stopDistance.String()))

	return size, nil
}

// CheckDailyLossLimit simulates today's PnL plus hypotheticalPnL against the
// daily loss limit. A breach activates the emergency stop, which stays active
// until DisableEmergencyStop is called.
func (g *Gateway) CheckDailyLossLimit(hypotheticalPnL decimal.Decimal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeResetLocked()
	ok, _ := g.checkDailyLossLocked(g.params, hypotheticalPnL)
	return ok
}

func (g *Gateway) checkDailyLossLocked(params regime.AdaptiveRiskParameters, hypotheticalPnL decimal.Decimal) (bool, string) {
	simulated := g.profile.DailyPnL.Add(hypotheticalPnL)
	limit := g.profile.PortfolioValue.Mul(params.MaxDailyLossPercent)
	detail := fmt.Sprintf("simulated %s vs limit -%s", simulated.StringFixed(2), limit.StringFixed(2))

	if simulated.LessThan(limit.Neg()) {
		g.activateLocked("auto", "daily loss limit breached: "+detail, "risk-gateway")
		return false, detail
	}
	return true, detail
}

// CheckMaxPositions reports whether another position may be opened.
func (g *Gateway) CheckMaxPositions() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeResetLocked()
	return len(g.positions) < g.params.MaxConcurrentPositions
}

// ValidateExecution runs every sub-check and approves only if all pass.
// Limits are adapted to the request's own volatility reading. Orders that
// reduce an existing opposite position are not counted against the
// position limit.
func (g *Gateway) ValidateExecution(req ValidationRequest) *ValidationResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeResetLocked()

	params := g.params
	if req.Volatility != nil {
		params = regime.Adapt(g.config.Base, req.Volatility)
	}

	existing := g.positions[req.Symbol]
	reducing := existing != nil && existing.Side != types.SideForOrder(req.Side)

	result := &ValidationResult{Approved: true, Parameters: params}
	add := func(name string, passed bool, detail string) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Passed: passed, Detail: detail})
		if !passed {
			result.Approved = false
		}
		if g.metrics != nil {
			g.metrics.RecordRiskCheck(name, passed)
		}
		g.logger.Debug("Risk check",
			zap.String("symbol", req.Symbol),
			zap.String("check", name),
			zap.Bool("passed", passed),
			zap.String("detail", detail))
	}

	if g.profile.EmergencyStopActive {
		add(CheckEmergencyStop, false, "emergency stop active: "+g.profile.EmergencyReason)
	} else {
		add(CheckEmergencyStop, true, "inactive")
	}

	stopDistance := req.Price.Sub(req.StopLoss).Abs()
	if !req.StopLoss.IsPositive() {
		stopDistance = req.Price.Mul(g.config.Base.DefaultStopLoss.Mul(params.StopLossMultiplier))
	}
	potentialLoss := req.Quantity.Mul(stopDistance).Neg()
	ok, detail := g.checkDailyLossLocked(params, potentialLoss)
	add(CheckDailyLoss, ok, detail)

	open := len(g.positions)
	if reducing {
		add(CheckMaxPositions, true, "reduces existing position")
	} else {
		limit := params.MaxConcurrentPositions
		add(CheckMaxPositions, open < limit || existing != nil, fmt.Sprintf("%d open, max %d", open, limit))
	}

	notional := req.Quantity.Mul(req.Price)
	add(CheckMinNotional, notional.GreaterThanOrEqual(g.config.MinNotional),
		fmt.Sprintf("notional %s, min %s", notional.StringFixed(2), g.config.MinNotional.StringFixed(2)))

	if existing != nil && !reducing {
		add(CheckDuplicatePosition, false, fmt.Sprintf("%s position already open", existing.Side))
	} else {
		add(CheckDuplicatePosition, true, "no open position in this direction")
	}

	if !result.Approved {
		g.logger.Info("Execution rejected by risk gateway",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("regime", string(params.Regime)),
			zap.Error(result.Err()))
	}
	return result
}

// RecordFill books an execution and returns the realized PnL net of fees.
func (g *Gateway) RecordFill(fill types.Fill) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeResetLocked()
	if fill.Timestamp.IsZero() {
		fill.Timestamp = g.now()
	}
	realized := applyFill(g.positions, fill)

	g.profile.DailyPnL = g.profile.DailyPnL.Add(realized)
	g.profile.DailyTradeCount++
	g.profile.OpenPositionCount = len(g.positions)
	g.profile.PortfolioValue = g.profile.PortfolioValue.Add(realized)
	g.persistLocked()

	g.logger.Info("Fill recorded",
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String("realized_pnl", realized.String()),
		zap.String("daily_pnl", g.profile.DailyPnL.String()))
	return realized
}

// EnableEmergencyStop halts all new executions until cleared.
func (g *Gateway) EnableEmergencyStop(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activateLocked("enable", reason, "operator")
}

// DisableEmergencyStop clears the emergency stop. This is the only way it is cleared.
func (g *Gateway) DisableEmergencyStop(operator string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.profile.EmergencyStopActive {
		return
	}
	if operator == "" {
		operator = "operator"
	}
	g.profile.EmergencyStopActive = false
	g.profile.EmergencyReason = ""
	g.recordAuditLocked(AuditEntry{Action: "disable", Operator: operator})
	g.persistLocked()
	if g.metrics != nil {
		g.metrics.SetEmergencyStop(false)
	}

	g.logger.Warn("Emergency stop cleared", zap.String("operator", operator))
	g.sendRiskEvent(RiskEvent{Type: "emergency_stop_cleared", Message: "cleared by " + operator, Timestamp: g.now()})
}

// IsEmergencyStopActive reports the emergency stop flag.
func (g *Gateway) IsEmergencyStopActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profile.EmergencyStopActive
}

// GetMetrics returns a snapshot of the gateway state.
func (g *Gateway) GetMetrics() RiskMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeResetLocked()
	limit := g.profile.PortfolioValue.Mul(g.params.MaxDailyLossPercent)
	remaining := limit.Add(g.profile.DailyPnL)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return RiskMetrics{
		DailyPnL:            g.profile.DailyPnL,
		DailyTradeCount:     g.profile.DailyTradeCount,
		OpenPositions:       len(g.positions),
		EmergencyStopActive: g.profile.EmergencyStopActive,
		EmergencyReason:     g.profile.EmergencyReason,
		LastResetDate:       g.profile.LastResetDate,
		PortfolioValue:      g.profile.PortfolioValue,
		DailyLossLimit:      limit,
		RemainingLossBudget: remaining,
		Parameters:          g.params,
	}
}

// Positions returns the open positions ordered by symbol.
func (g *Gateway) Positions() []types.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positionsLocked()
}

// Audit returns up to limit most recent emergency stop transitions.
func (g *Gateway) Audit(limit int) []AuditEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	if limit <= 0 || limit > len(g.audit) {
		limit = len(g.audit)
	}
	out := make([]AuditEntry, limit)
	copy(out, g.audit[len(g.audit)-limit:])
	return out
}

// Events returns the risk event channel.
func (g *Gateway) Events() <-chan RiskEvent {
	return g.events
}

func (g *Gateway) positionsLocked() []types.Position {
	out := make([]types.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// maybeResetLocked zeroes the daily counters once per trading day. The
// emergency stop is left untouched.
func (g *Gateway) maybeResetLocked() {
	now := g.now()
	if SameTradingDay(g.config.Timezone, g.profile.LastResetDate, now) {
		return
	}
	g.logger.Info("Daily risk counters reset",
		zap.String("previous_day", g.profile.LastResetDate.Format("2006-01-02")),
		zap.String("daily_pnl", g.profile.DailyPnL.String()),
		zap.Int("daily_trades", g.profile.DailyTradeCount),
		zap.Bool("emergency_stop", g.profile.EmergencyStopActive))

	g.profile.DailyPnL = decimal.Zero
	g.profile.DailyTradeCount = 0
	g.profile.LastResetDate = TodayOpen(g.config.Timezone, now)
	g.persistLocked()
}

func (g *Gateway) activateLocked(action, reason, operator string) {
	already := g.profile.EmergencyStopActive
	g.profile.EmergencyStopActive = true
	g.profile.EmergencyReason = reason
	g.recordAuditLocked(AuditEntry{Action: action, Reason: reason, Operator: operator})
	g.persistLocked()
	if g.metrics != nil {
		g.metrics.SetEmergencyStop(true)
	}
	if already {
		return
	}

	g.logger.Warn("Emergency stop activated",
		zap.String("reason", reason),
		zap.String("operator", operator),
		zap.String("daily_pnl", g.profile.DailyPnL.String()))
	g.sendRiskEvent(RiskEvent{Type: "emergency_stop", Message: reason, Timestamp: g.now()})
}

func (g *Gateway) recordAuditLocked(e AuditEntry) {
	e.DailyPnL = g.profile.DailyPnL
	e.Timestamp = g.now()
	g.audit = append(g.audit, e)
	if len(g.audit) > g.config.AuditLimit {
		g.audit = g.audit[len(g.audit)-g.config.AuditLimit:]
	}
	if g.store != nil {
		if err := g.store.AppendAudit(context.Background(), e); err != nil {
			g.logger.Error("Failed to persist emergency stop audit", zap.Error(err))
		}
	}
}

func (g *Gateway) persistLocked() {
	if g.store == nil {
		return
	}
	snapshot := g.profile
	snapshot.OpenPositionCount = len(g.positions)
	snapshot.Positions = g.positionsLocked()
	snapshot.UpdatedAt = g.now()
	if err := g.store.SaveRiskProfile(context.Background(), &snapshot); err != nil {
		g.logger.Error("Failed to persist risk profile", zap.Error(err))
	}
}

func (g *Gateway) sendRiskEvent(event RiskEvent) {
	select {
	case g.events <- event:
	default:
		g.logger.Warn("Risk event channel full, dropping event", zap.String("type", event.Type))
	}
}
