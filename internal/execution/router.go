package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Route scoring weights.
const (
	weightCost        = 0.4
	weightReliability = 0.3
	weightLatency     = 0.2
	weightProbability = 0.1
)

// RouterConfig configures the ExchangeRouter.
type RouterConfig struct {
	MinArbitrageSpread decimal.Decimal
	OpportunityTTL     time.Duration
	QuoteTimeout       time.Duration
	MaxFallbacks       int
	Slippage           SlippageConfig
}

// DefaultRouterConfig returns default router configuration
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MinArbitrageSpread: decimal.NewFromFloat(0.001), // 0.1%
		OpportunityTTL:     10 * time.Second,
		QuoteTimeout:       5 * time.Second,
		MaxFallbacks:       2,
		Slippage:           DefaultSlippageConfig(),
	}
}

// Route is one scored way to execute an order.
type Route struct {
	Exchange             string          `json:"exchange"`
	Symbol               string          `json:"symbol"`
	Side                 types.OrderSide `json:"side"`
	Amount               decimal.Decimal `json:"amount"`
	Quote                types.Quote     `json:"quote"`
	ExpectedPrice        decimal.Decimal `json:"expectedPrice"`
	Fee                  decimal.Decimal `json:"fee"`
	Slippage             decimal.Decimal `json:"slippage"`
	EstimatedCost        decimal.Decimal `json:"estimatedCost"` // quote currency paid (buy) or received (sell)
	ExecutionProbability float64         `json:"executionProbability"`
	Latency              time.Duration   `json:"latency"`
	Reliability          float64         `json:"reliability"`
	Score                float64         `json:"score"`
}

// RoutingPlan is the ranked set of routes for one order.
type RoutingPlan struct {
	Symbol          string          `json:"symbol"`
	Side            types.OrderSide `json:"side"`
	Amount          decimal.Decimal `json:"amount"`
	PrimaryRoute    Route           `json:"primaryRoute"`
	FallbackRoutes  []Route         `json:"fallbackRoutes"`
	RiskLevel       string          `json:"riskLevel"`
	Recommendations []string        `json:"recommendations,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Routes returns the primary followed by the fallbacks.
func (p *RoutingPlan) Routes() []Route {
	return append([]Route{p.PrimaryRoute}, p.FallbackRoutes...)
}

// RouteAttempt records one placement attempt.
type RouteAttempt struct {
	Exchange string        `json:"exchange"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExecutionReport describes how a routed order was filled.
type ExecutionReport struct {
	Result       *types.OrderResult `json:"result,omitempty"`
	Route        Route              `json:"route"`
	UsedFallback bool               `json:"usedFallback"`
	Attempts     []RouteAttempt     `json:"attempts"`
}

type venue struct {
	client ExchangeClient
	info   ExchangeInfo
}

// Router picks exchanges for orders and watches for arbitrage.
type Router struct {
	logger   *zap.Logger
	config   RouterConfig
	recorder MetricsRecorder
	now      func() time.Time

	mu     sync.RWMutex
	venues map[string]*venue
	order  []string

	oppMu         sync.Mutex
	opportunities map[string]ArbitrageOpportunity
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithRouterClock overrides the clock used for opportunity expiry.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithRouterMetrics attaches a metrics recorder.
func WithRouterMetrics(m MetricsRecorder) RouterOption {
	return func(r *Router) { r.recorder = m }
}

// NewRouter creates a router with no exchanges.
func NewRouter(logger *zap.Logger, config RouterConfig, opts ...RouterOption) *Router {
	if config.QuoteTimeout <= 0 {
		config.QuoteTimeout = 5 * time.Second
	}
	if config.MaxFallbacks < 0 {
		config.MaxFallbacks = 0
	}
	r := &Router{
		logger:        logger.Named("exchange-router"),
		config:        config,
		now:           time.Now,
		venues:        make(map[string]*venue),
		opportunities: make(map[string]ArbitrageOpportunity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddExchange registers a venue. info.Name defaults to client.Name().
func (r *Router) AddExchange(client ExchangeClient, info ExchangeInfo) {
	if info.Name == "" {
		info.Name = client.Name()
	}
	if info.Reliability <= 0 || info.Reliability > 1 {
		info.Reliability = 0.9
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.venues[info.Name]; !exists {
		r.order = append(r.order, info.Name)
	}
	r.venues[info.Name] = &venue{client: client, info: info}

	r.logger.Info("Added exchange",
		zap.String("exchange", info.Name),
		zap.String("takerFee", info.TakerFee.String()),
		zap.Duration("latency", info.Latency),
		zap.Float64("reliability", info.Reliability))
}

// Exchanges lists registered venue names.
func (r *Router) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Health checks every venue concurrently.
func (r *Router) Health(ctx context.Context) map[string]bool {
	venues := r.selectVenues(nil)
	out := make(map[string]bool, len(venues))
	var mu sync.Mutex
	var g errgroup.Group
	for _, v := range venues {
		v := v
		g.Go(func() error {
			ok := v.client.Health(ctx)
			mu.Lock()
			out[v.info.Name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Router) selectVenues(candidates []string) []*venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(candidates) == 0 {
		candidates = r.order
	}
	out := make([]*venue, 0, len(candidates))
	for _, name := range candidates {
		if v, ok := r.venues[name]; ok {
			out = append(out, v)
		}
	}
	return out
}

type quoteResult struct {
	venue *venue
	quote *types.Quote
	err   error
}

// fetchQuotes quotes symbol on every venue in parallel. Failures are
// returned alongside successes.
func (r *Router) fetchQuotes(ctx context.Context, venues []*venue, symbol string) []quoteResult {
	ctx, cancel := context.WithTimeout(ctx, r.config.QuoteTimeout)
	defer cancel()

	results := make([]quoteResult, len(venues))
	var g errgroup.Group
	for i, v := range venues {
		i, v := i, v
		g.Go(func() error {
			q, err := v.client.Quote(ctx, symbol)
			if err == nil && (q == nil || !q.Bid.IsPositive() || !q.Ask.IsPositive()) {
				err = errors.New("empty book")
			}
			if err != nil {
				err = &ExchangeError{Exchange: v.info.Name, Op: "quote", Err: err}
			}
			results[i] = quoteResult{venue: v, quote: q, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// BestRoute quotes the candidates (all venues when empty) and ranks them.
func (r *Router) BestRoute(ctx context.Context, symbol string, side types.OrderSide, amount decimal.Decimal, candidates []string) (*RoutingPlan, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("execution: amount must be positive, got %s", amount)
	}
	venues := r.selectVenues(candidates)
	if len(venues) == 0 {
		return nil, ErrNoRoutes
	}

	var routes []Route
	var quoteErrs []error
	for _, res := range r.fetchQuotes(ctx, venues, symbol) {
		if res.err != nil {
			r.logger.Warn("Quote failed", zap.String("exchange", res.venue.info.Name), zap.Error(res.err))
			quoteErrs = append(quoteErrs, res.err)
			continue
		}
		routes = append(routes, r.buildRoute(res.venue, res.quote, symbol, side, amount))
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoRoutes, errors.Join(quoteErrs...))
	}

	scoreRoutes(routes, side)
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Score > routes[j].Score })

	plan := &RoutingPlan{
		Symbol:       symbol,
		Side:         side,
		Amount:       amount,
		PrimaryRoute: routes[0],
		CreatedAt:    r.now(),
	}
	if n := len(routes) - 1; n > 0 {
		if n > r.config.MaxFallbacks {
			n = r.config.MaxFallbacks
		}
		plan.FallbackRoutes = append([]Route(nil), routes[1:1+n]...)
	}
	plan.RiskLevel, plan.Recommendations = assessPlan(plan, len(quoteErrs))

	r.logger.Debug("Routing plan built",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("primary", plan.PrimaryRoute.Exchange),
		zap.Float64("score", plan.PrimaryRoute.Score),
		zap.Int("fallbacks", len(plan.FallbackRoutes)),
		zap.String("risk", plan.RiskLevel))

	return plan, nil
}

func (r *Router) buildRoute(v *venue, q *types.Quote, symbol string, side types.OrderSide, amount decimal.Decimal) Route {
	price, _ := touch(q, side)
	slip := r.config.Slippage.EstimateSlippage(q, side, amount)

	expected := price.Mul(decimal.NewFromInt(1).Add(slip))
	if side == types.OrderSideSell {
		expected = price.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	notional := expected.Mul(amount)
	fee := notional.Mul(v.info.TakerFee)
	cost := notional.Add(fee)
	if side == types.OrderSideSell {
		cost = notional.Sub(fee)
	}

	return Route{
		Exchange:             v.info.Name,
		Symbol:               symbol,
		Side:                 side,
		Amount:               amount,
		Quote:                *q,
		ExpectedPrice:        expected,
		Fee:                  fee,
		Slippage:             slip,
		EstimatedCost:        cost,
		ExecutionProbability: executionProbability(q, side, amount),
		Latency:              v.info.Latency,
		Reliability:          v.info.Reliability,
	}
}

// scoreRoutes min-max normalizes cost and latency across the candidate set.
func scoreRoutes(routes []Route, side types.OrderSide) {
	bestCost, worstCost := routes[0].EstimatedCost, routes[0].EstimatedCost
	minLat, maxLat := routes[0].Latency, routes[0].Latency
	for _, rt := range routes[1:] {
		if rt.EstimatedCost.LessThan(bestCost) {
			bestCost = rt.EstimatedCost
		}
		if rt.EstimatedCost.GreaterThan(worstCost) {
			worstCost = rt.EstimatedCost
		}
		if rt.Latency < minLat {
			minLat = rt.Latency
		}
		if rt.Latency > maxLat {
			maxLat = rt.Latency
		}
	}
	// Selling wants the largest proceeds.
	if side == types.OrderSideSell {
		bestCost, worstCost = worstCost, bestCost
	}

	for i := range routes {
		costScore := 1.0
		if span := worstCost.Sub(bestCost).Abs(); span.IsPositive() {
			costScore = worstCost.Sub(routes[i].EstimatedCost).Abs().Div(span).InexactFloat64()
		}
		latScore := 1.0
		if span := maxLat - minLat; span > 0 {
			latScore = float64(maxLat-routes[i].Latency) / float64(span)
		}
		routes[i].Score = weightCost*costScore +
			weightReliability*routes[i].Reliability +
			weightLatency*latScore +
			weightProbability*routes[i].ExecutionProbability
	}
}

func assessPlan(plan *RoutingPlan, quoteFailures int) (string, []string) {
	var recs []string
	p := plan.PrimaryRoute

	if len(plan.FallbackRoutes) == 0 {
		recs = append(recs, "only one venue quoted; no fallback available")
	}
	if quoteFailures > 0 {
		recs = append(recs, fmt.Sprintf("%d venue(s) failed to quote", quoteFailures))
	}
	if _, size := touch(&p.Quote, p.Side); size.IsPositive() && plan.Amount.GreaterThan(size) {
		recs = append(recs, fmt.Sprintf("order exceeds top-of-book size on %s; consider splitting", p.Exchange))
	}
	if spread := p.Quote.SpreadPct(); spread.GreaterThan(decimal.NewFromFloat(0.005)) {
		recs = append(recs, fmt.Sprintf("wide spread on %s (%s%%)", p.Exchange, spread.Mul(decimal.NewFromInt(100)).StringFixed(2)))
	}

	switch {
	case p.ExecutionProbability >= 0.8 && len(plan.FallbackRoutes) > 0:
		return "low", recs
	case p.ExecutionProbability >= 0.5:
		return "medium", recs
	default:
		return "high", recs
	}
}

// ExecuteWithRouting places order on the plan's primary route, then on each
// fallback in rank order, stopping at the first success. When every route
// fails the error wraps the last failure.
func (r *Router) ExecuteWithRouting(ctx context.Context, plan *RoutingPlan, order types.Order) (*ExecutionReport, error) {
	if plan == nil {
		return nil, ErrNoRoutes
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = r.now()
	}

	report := &ExecutionReport{}
	routes := plan.Routes()
	var lastErr error

	for i, route := range routes {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		r.mu.RLock()
		v, ok := r.venues[route.Exchange]
		r.mu.RUnlock()
		if !ok {
			lastErr = &ExchangeError{Exchange: route.Exchange, Op: "place_order", Err: errors.New("exchange not registered")}
			report.Attempts = append(report.Attempts, RouteAttempt{Exchange: route.Exchange, Error: lastErr.Error()})
			continue
		}

		attempt := order
		attempt.ClientOrderID = fmt.Sprintf("%s-%d", order.ClientOrderID, i)
		start := time.Now()
		result, err := v.client.PlaceOrder(ctx, &attempt)
		if err == nil && result != nil && result.Status == types.OrderStatusRejected {
			err = errors.New("order rejected")
		}
		if err == nil && result == nil {
			err = errors.New("empty order result")
		}
		elapsed := time.Since(start)

		if err != nil {
			lastErr = &ExchangeError{Exchange: route.Exchange, Op: "place_order", Err: err}
			report.Attempts = append(report.Attempts, RouteAttempt{Exchange: route.Exchange, Error: err.Error(), Duration: elapsed})
			r.recordExecution(route.Exchange, false, i > 0)
			r.logger.Warn("Route failed",
				zap.String("exchange", route.Exchange),
				zap.Int("rank", i),
				zap.Error(err))
			continue
		}

		if result.Exchange == "" {
			result.Exchange = route.Exchange
		}
		report.Attempts = append(report.Attempts, RouteAttempt{Exchange: route.Exchange, Duration: elapsed})
		report.Result = result
		report.Route = route
		report.UsedFallback = i > 0
		r.recordExecution(route.Exchange, true, i > 0)

		r.logger.Info("Order executed",
			zap.String("orderId", result.OrderID),
			zap.String("exchange", route.Exchange),
			zap.String("symbol", order.Symbol),
			zap.String("side", string(order.Side)),
			zap.String("qty", result.ExecutedQty.String()),
			zap.String("price", result.ExecutedPrice.String()),
			zap.Bool("fallback", i > 0))
		return report, nil
	}

	return report, fmt.Errorf("all %d routes failed: %w", len(routes), lastErr)
}

func (r *Router) recordExecution(exchange string, success, fallback bool) {
	if r.recorder != nil {
		r.recorder.RecordExecution(exchange, success, fallback)
	}
}
