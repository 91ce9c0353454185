package adapters

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QuoteSource supplies live quotes to the paper exchange.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (*types.Quote, error)
	Health(ctx context.Context) bool
}

// PaperConfig configures a PaperExchange.
type PaperConfig struct {
	Name     string
	TakerFee decimal.Decimal
	Balances map[string]decimal.Decimal // starting balances by asset
}

// PaperExchange fills orders at the touch price against in-memory balances,
// using a real venue for quotes.
type PaperExchange struct {
	logger *zap.Logger
	name   string
	fee    decimal.Decimal
	source QuoteSource
	now    func() time.Time

	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewPaperExchange creates a paper venue backed by source.
func NewPaperExchange(logger *zap.Logger, source QuoteSource, config PaperConfig) *PaperExchange {
	if config.Name == "" {
		config.Name = "paper"
	}
	balances := make(map[string]decimal.Decimal, len(config.Balances))
	for asset, amt := range config.Balances {
		balances[strings.ToUpper(asset)] = amt
	}
	return &PaperExchange{
		logger:   logger.Named("paper").With(zap.String("exchange", config.Name)),
		name:     config.Name,
		fee:      config.TakerFee,
		source:   source,
		now:      time.Now,
		balances: balances,
	}
}

// Name returns the venue name.
func (p *PaperExchange) Name() string { return p.name }

// Health reports the quote source's health.
func (p *PaperExchange) Health(ctx context.Context) bool { return p.source.Health(ctx) }

// Quote relabels the source quote with this venue's name.
func (p *PaperExchange) Quote(ctx context.Context, symbol string) (*types.Quote, error) {
	q, err := p.source.Quote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := *q
	out.Exchange = p.name
	return &out, nil
}

// Balance returns the simulated balance of asset.
func (p *PaperExchange) Balance(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[strings.ToUpper(asset)], nil
}

// PlaceOrder fills the full quantity at the ask (buy) or bid (sell) and
// charges the taker fee in the quote asset.
func (p *PaperExchange) PlaceOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error) {
	if !order.Quantity.IsPositive() {
		return nil, fmt.Errorf("paper: quantity must be positive")
	}
	q, err := p.source.Quote(ctx, order.Symbol)
	if err != nil {
		return nil, fmt.Errorf("paper: quote failed: %w", err)
	}

	price := q.Ask
	if order.Side == types.OrderSideSell {
		price = q.Bid
	}
	if order.Type == types.OrderTypeLimit && order.Price.IsPositive() {
		crosses := (order.Side == types.OrderSideBuy && order.Price.GreaterThanOrEqual(price)) ||
			(order.Side == types.OrderSideSell && order.Price.LessThanOrEqual(price))
		if !crosses {
			return nil, fmt.Errorf("paper: limit %s does not cross touch %s", order.Price, price)
		}
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("paper: no price for %s", order.Symbol)
	}

	base, quote := types.SplitSymbol(order.Symbol)
	notional := price.Mul(order.Quantity)
	fee := notional.Mul(p.fee)

	p.mu.Lock()
	switch order.Side {
	case types.OrderSideBuy:
		need := notional.Add(fee)
		if p.balances[quote].LessThan(need) {
			p.mu.Unlock()
			return nil, fmt.Errorf("paper: insufficient %s balance: have %s, need %s", quote, p.balances[quote], need)
		}
		p.balances[quote] = p.balances[quote].Sub(need)
		p.balances[base] = p.balances[base].Add(order.Quantity)
	case types.OrderSideSell:
		if p.balances[base].LessThan(order.Quantity) {
			p.mu.Unlock()
			return nil, fmt.Errorf("paper: insufficient %s balance: have %s, need %s", base, p.balances[base], order.Quantity)
		}
		p.balances[base] = p.balances[base].Sub(order.Quantity)
		p.balances[quote] = p.balances[quote].Add(notional.Sub(fee))
	default:
		p.mu.Unlock()
		return nil, fmt.Errorf("paper: unknown side %q", order.Side)
	}
	p.mu.Unlock()

	p.logger.Info("Paper fill",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("qty", order.Quantity.String()),
		zap.String("price", price.String()),
		zap.String("fee", fee.String()))

	return &types.OrderResult{
		OrderID:       uuid.New().String(),
		ClientOrderID: order.ClientOrderID,
		Exchange:      p.name,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        types.OrderStatusFilled,
		ExecutedQty:   order.Quantity,
		ExecutedPrice: price,
		Fees:          fee,
		Timestamp:     p.now(),
	}, nil
}
