package execution_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/execution"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeExchange struct {
	name     string
	bid, ask float64
	size     float64
	quoteErr error
	placeErr error
	balances map[string]decimal.Decimal
	log      *callLog
}

func (f *fakeExchange) Name() string { return f.name }

func (f *fakeExchange) Quote(ctx context.Context, symbol string) (*types.Quote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	size := f.size
	if size == 0 {
		size = 10
	}
	return &types.Quote{
		Exchange: f.name,
		Symbol:   symbol,
		Bid:      decimal.NewFromFloat(f.bid),
		Ask:      decimal.NewFromFloat(f.ask),
		BidSize:  decimal.NewFromFloat(size),
		AskSize:  decimal.NewFromFloat(size),
	}, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error) {
	if f.log != nil {
		f.log.add(f.name)
	}
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &types.OrderResult{
		OrderID:       f.name + "-1",
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        types.OrderStatusFilled,
		ExecutedQty:   order.Quantity,
		ExecutedPrice: decimal.NewFromFloat(f.ask),
	}, nil
}

func (f *fakeExchange) Health(ctx context.Context) bool { return f.quoteErr == nil }

func (f *fakeExchange) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return f.balances[asset], nil
}

func info(name string) execution.ExchangeInfo {
	return execution.ExchangeInfo{
		Name:        name,
		TakerFee:    decimal.NewFromFloat(0.001),
		Latency:     50 * time.Millisecond,
		Reliability: 0.95,
	}
}

func newRouter(exchanges ...*fakeExchange) *execution.Router {
	r := execution.NewRouter(zap.NewNop(), execution.DefaultRouterConfig())
	for _, ex := range exchanges {
		r.AddExchange(ex, info(ex.name))
	}
	return r
}

func TestBestRouteRanksByCost(t *testing.T) {
	r := newRouter(
		&fakeExchange{name: "c", bid: 101.5, ask: 102},
		&fakeExchange{name: "a", bid: 99.5, ask: 100},
		&fakeExchange{name: "d", bid: 102.5, ask: 103},
		&fakeExchange{name: "b", bid: 100.5, ask: 101},
	)

	plan, err := r.BestRoute(context.Background(), "BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(1), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if plan.PrimaryRoute.Exchange != "a" {
		t.Errorf("Expected primary a, got %s", plan.PrimaryRoute.Exchange)
	}
	if len(plan.FallbackRoutes) != 2 {
		t.Fatalf("Expected 2 fallbacks, got %d", len(plan.FallbackRoutes))
	}
	if plan.FallbackRoutes[0].Exchange != "b" || plan.FallbackRoutes[1].Exchange != "c" {
		t.Errorf("Expected fallbacks [b c], got [%s %s]", plan.FallbackRoutes[0].Exchange, plan.FallbackRoutes[1].Exchange)
	}
	for _, rt := range plan.Routes() {
		if rt.ExecutionProbability < 0.1 || rt.ExecutionProbability > 0.95 {
			t.Errorf("Execution probability %f outside [0.1, 0.95]", rt.ExecutionProbability)
		}
	}
}

func TestBestRouteSellPrefersHighestBid(t *testing.T) {
	r := newRouter(
		&fakeExchange{name: "low", bid: 99, ask: 99.5},
		&fakeExchange{name: "high", bid: 100, ask: 100.5},
	)

	plan, err := r.BestRoute(context.Background(), "BTC/USDT", types.OrderSideSell, decimal.NewFromInt(1), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if plan.PrimaryRoute.Exchange != "high" {
		t.Errorf("Expected primary high, got %s", plan.PrimaryRoute.Exchange)
	}
}

func TestBestRouteSkipsFailedQuotes(t *testing.T) {
	r := newRouter(
		&fakeExchange{name: "a", bid: 99.5, ask: 100},
		&fakeExchange{name: "down", quoteErr: errors.New("timeout")},
	)

	plan, err := r.BestRoute(context.Background(), "BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(1), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if plan.PrimaryRoute.Exchange != "a" || len(plan.FallbackRoutes) != 0 {
		t.Errorf("Expected only route a, got %s with %d fallbacks", plan.PrimaryRoute.Exchange, len(plan.FallbackRoutes))
	}
	if plan.RiskLevel == "low" {
		t.Errorf("Expected elevated risk without fallbacks, got %s", plan.RiskLevel)
	}
	joined := strings.Join(plan.Recommendations, "; ")
	if !strings.Contains(joined, "failed to quote") {
		t.Errorf("Expected quote failure recommendation, got %q", joined)
	}
}

func TestBestRouteNoRoutes(t *testing.T) {
	r := newRouter(&fakeExchange{name: "down", quoteErr: errors.New("timeout")})

	_, err := r.BestRoute(context.Background(), "BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(1), nil)
	if !errors.Is(err, execution.ErrNoRoutes) {
		t.Errorf("Expected ErrNoRoutes, got %v", err)
	}

	_, err = r.BestRoute(context.Background(), "BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(1), []string{"unknown"})
	if !errors.Is(err, execution.ErrNoRoutes) {
		t.Errorf("Expected ErrNoRoutes for unknown candidates, got %v", err)
	}
}

func TestExecuteWithRoutingFallbackOrder(t *testing.T) {
	log := &callLog{}
	r := newRouter(
		&fakeExchange{name: "a", bid: 99.5, ask: 100, placeErr: errors.New("a down"), log: log},
		&fakeExchange{name: "b", bid: 100.5, ask: 101, placeErr: errors.New("b down"), log: log},
		&fakeExchange{name: "c", bid: 101.5, ask: 102, log: log},
	)

	plan, err := r.BestRoute(context.Background(), "BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(1), nil)
	if err != nil {
		t.Fatalf("BestRoute failed: %v", err)
	}

	report, err := r.ExecuteWithRouting(context.Background(), plan, types.Order{
		Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("Expected fallback success, got %v", err)
	}
	if got := log.list(); strings.Join(got, ",") != "a,b,c" {
		t.Errorf("Expected attempts a,b,c, got %v", got)
	}
	if !report.UsedFallback || report.Route.Exchange != "c" {
		t.Errorf("Expected fill on fallback c, got %s (fallback=%v)", report.Route.Exchange, report.UsedFallback)
	}
	if report.Result.Exchange != "c" {
		t.Errorf("Expected result exchange c, got %s", report.Result.Exchange)
	}
	if len(report.Attempts) != 3 || report.Attempts[0].Error == "" {
		t.Errorf("Expected 3 attempts with first failed, got %+v", report.Attempts)
	}
}

func TestExecuteWithRoutingAllFail(t *testing.T) {
	last := errors.New("c down")
	log := &callLog{}
	r := newRouter(
		&fakeExchange{name: "a", bid: 99.5, ask: 100, placeErr: errors.New("a down"), log: log},
		&fakeExchange{name: "b", bid: 100.5, ask: 101, placeErr: errors.New("b down"), log: log},
		&fakeExchange{name: "c", bid: 101.5, ask: 102, placeErr: last, log: log},
	)

	plan, err := r.BestRoute(context.Background(), "BTC/USDT", types.OrderSideBuy, decimal.NewFromInt(1), nil)
	if err != nil {
		t.Fatalf("BestRoute failed: %v", err)
	}

	_, err = r.ExecuteWithRouting(context.Background(), plan, types.Order{
		Symbol: "BTC/USDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	})
	if !errors.Is(err, last) {
		t.Fatalf("Expected last observed error, got %v", err)
	}
	var exErr *execution.ExchangeError
	if !errors.As(err, &exErr) || exErr.Exchange != "c" {
		t.Errorf("Expected ExchangeError from c, got %v", err)
	}
	if got := log.list(); strings.Join(got, ",") != "a,b,c" {
		t.Errorf("Expected attempts a,b,c, got %v", got)
	}
}

func arbitrageVenues() (*fakeExchange, *fakeExchange) {
	cheap := &fakeExchange{
		name: "cheap", bid: 99.9, ask: 100, size: 5,
		balances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
	}
	rich := &fakeExchange{
		name: "rich", bid: 101, ask: 101.1, size: 2,
		balances: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(1)},
	}
	return cheap, rich
}

func TestScanArbitrage(t *testing.T) {
	cheap, rich := arbitrageVenues()
	r := newRouter(cheap, rich)

	opps, err := r.ScanArbitrage(context.Background(), []string{"BTC/USDT"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(opps) != 1 {
		t.Fatalf("Expected 1 opportunity, got %d", len(opps))
	}
	opp := opps[0]
	if opp.BuyExchange != "cheap" || opp.SellExchange != "rich" {
		t.Errorf("Expected buy cheap / sell rich, got %s / %s", opp.BuyExchange, opp.SellExchange)
	}
	if !opp.Size.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected size limited by inventory to 1, got %s", opp.Size)
	}
	// gross 1.0, fees 0.1 + 0.101
	if !opp.NetProfit.Equal(decimal.NewFromFloat(0.799)) {
		t.Errorf("Expected net profit 0.799, got %s", opp.NetProfit)
	}
}

func TestScanArbitrageRequiresSpreadAndInventory(t *testing.T) {
	cheap, rich := arbitrageVenues()
	rich.bid = 100.05 // 0.05% spread
	r := newRouter(cheap, rich)
	if opps, _ := r.ScanArbitrage(context.Background(), []string{"BTC/USDT"}); len(opps) != 0 {
		t.Errorf("Expected no opportunity below minimum spread, got %d", len(opps))
	}

	cheap, rich = arbitrageVenues()
	rich.balances = nil
	r = newRouter(cheap, rich)
	if opps, _ := r.ScanArbitrage(context.Background(), []string{"BTC/USDT"}); len(opps) != 0 {
		t.Errorf("Expected no opportunity without inventory, got %d", len(opps))
	}

	cheap, rich = arbitrageVenues()
	rich.bid = 100.15 // clears 0.1% but not fees
	r = newRouter(cheap, rich)
	if opps, _ := r.ScanArbitrage(context.Background(), []string{"BTC/USDT"}); len(opps) != 0 {
		t.Errorf("Expected no opportunity when fees exceed spread, got %d", len(opps))
	}
}

func TestOpportunitiesExpire(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	cfg := execution.DefaultRouterConfig()
	cfg.OpportunityTTL = 10 * time.Second
	r := execution.NewRouter(zap.NewNop(), cfg, execution.WithRouterClock(func() time.Time { return now }))

	cheap, rich := arbitrageVenues()
	r.AddExchange(cheap, info("cheap"))
	r.AddExchange(rich, info("rich"))

	if _, err := r.ScanArbitrage(context.Background(), []string{"BTC/USDT"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	now = now.Add(5 * time.Second)
	if got := len(r.Opportunities()); got != 1 {
		t.Errorf("Expected 1 live opportunity, got %d", got)
	}

	now = now.Add(6 * time.Second)
	for _, opp := range r.Opportunities() {
		if opp.ExpiresAt.Before(now) {
			t.Errorf("Expired opportunity returned: %+v", opp)
		}
	}
	if got := len(r.Opportunities()); got != 0 {
		t.Errorf("Expected expired opportunities dropped, got %d", got)
	}
}

func TestEstimateSlippage(t *testing.T) {
	cfg := execution.DefaultSlippageConfig()
	q := &types.Quote{Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(100), AskSize: decimal.NewFromInt(1), BidSize: decimal.NewFromInt(1)}

	if s := cfg.EstimateSlippage(q, types.OrderSideBuy, decimal.NewFromFloat(0.5)); !s.IsZero() {
		t.Errorf("Expected no slippage within top of book, got %s", s)
	}
	// 5x the touch: 0.001 * sqrt(4)
	if s := cfg.EstimateSlippage(q, types.OrderSideBuy, decimal.NewFromInt(5)); !s.Equal(decimal.NewFromFloat(0.002)) {
		t.Errorf("Expected 0.002, got %s", s)
	}
	if s := cfg.EstimateSlippage(q, types.OrderSideBuy, decimal.NewFromInt(1000000)); !s.Equal(cfg.MaxSlippage) {
		t.Errorf("Expected cap at max slippage, got %s", s)
	}
}
