// Package types provides the value types shared across the decision engine.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the trade action an advisor or the engine settles on.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ParseAction normalizes advisor wording into an Action.
func ParseAction(s string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG", "STRONG_BUY", "STRONG BUY":
		return ActionBuy, true
	case "SELL", "SHORT", "STRONG_SELL", "STRONG SELL":
		return ActionSell, true
	case "HOLD", "NEUTRAL", "WAIT", "NONE":
		return ActionHold, true
	default:
		return ActionHold, false
	}
}

// Side maps an action onto an order side. HOLD has no side.
func (a Action) Side() (OrderSide, bool) {
	switch a {
	case ActionBuy:
		return OrderSideBuy, true
	case ActionSell:
		return OrderSideSell, true
	default:
		return "", false
	}
}

// OrderSide represents the side of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// SideForOrder returns the position side an opening order creates.
func SideForOrder(side OrderSide) PositionSide {
	if side == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

// Regime is a volatility classification bucket.
type Regime string

const (
	RegimeLow     Regime = "LOW"
	RegimeNormal  Regime = "NORMAL"
	RegimeHigh    Regime = "HIGH"
	RegimeExtreme Regime = "EXTREME"
)

// MarketCondition describes the broad shape of recent price action.
type MarketCondition string

const (
	ConditionTrendingUp   MarketCondition = "trending_up"
	ConditionTrendingDown MarketCondition = "trending_down"
	ConditionSideways     MarketCondition = "sideways"
	ConditionVolatile     MarketCondition = "volatile"
)

// NewsImpact grades how much scheduled or breaking news may move the market.
type NewsImpact string

const (
	NewsImpactNone   NewsImpact = "none"
	NewsImpactLow    NewsImpact = "low"
	NewsImpactMedium NewsImpact = "medium"
	NewsImpactHigh   NewsImpact = "high"
)

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Quote is a top-of-book snapshot from one exchange.
type Quote struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	BidSize   decimal.Decimal `json:"bidSize"`
	AskSize   decimal.Decimal `json:"askSize"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	Volume24h decimal.Decimal `json:"volume24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the midpoint of bid and ask.
func (q *Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// SpreadPct returns (ask-bid)/mid, or zero when the book is empty.
func (q *Quote) SpreadPct() decimal.Decimal {
	mid := q.Mid()
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid).Div(mid)
}

// Order represents a trading order
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// OrderResult is what an exchange reports after accepting an order.
type OrderResult struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Status        OrderStatus     `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	Fees          decimal.Decimal `json:"fees"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Position represents an open position tracked at weighted-average cost.
type Position struct {
	Symbol      string          `json:"symbol"`
	Side        PositionSide    `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avgCost"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	OpenedAt    time.Time       `json:"openedAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Fill is an executed quantity applied to the position book.
type Fill struct {
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fees      decimal.Decimal `json:"fees"`
	Exchange  string          `json:"exchange"`
	OrderID   string          `json:"orderId"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trade represents an executed trade
type Trade struct {
	ID         string          `json:"id"`
	DecisionID string          `json:"decisionId"`
	OrderID    string          `json:"orderId"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fees       decimal.Decimal `json:"fees"`
	PnL        decimal.Decimal `json:"pnl"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// Signal is one advisor's opinion for one symbol. Treat as immutable.
type Signal struct {
	Symbol       string          `json:"symbol"`
	Action       Action          `json:"action"`
	Confidence   float64         `json:"confidence"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit   decimal.Decimal `json:"takeProfit"`
	PositionSize decimal.Decimal `json:"positionSize"`
	RiskReward   float64         `json:"riskReward"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model,omitempty"`
	Cost         decimal.Decimal `json:"cost"`
	ResponseTime time.Duration   `json:"responseTime"`
	ProducedAt   time.Time       `json:"producedAt"`
}

// ConsensusSignal is the reduced output of one ensemble round.
type ConsensusSignal struct {
	Signal
	Consensus           float64  `json:"consensus"`
	AgreeingProviders   []string `json:"agreeingProviders"`
	DissentingProviders []string `json:"dissentingProviders"`
	FailedProviders     []string `json:"failedProviders,omitempty"`
	Signals             []Signal `json:"signals"`
	// Fallback names the strategy applied when consensus fell short, empty otherwise.
	Fallback  string          `json:"fallback,omitempty"`
	TotalCost decimal.Decimal `json:"totalCost"`
}

// MarketContext is the market picture handed to advisors and the threshold optimizer.
type MarketContext struct {
	Symbol            string          `json:"symbol"`
	Price             decimal.Decimal `json:"price"`
	PriceChange24h    float64         `json:"priceChange24h"`
	Volatility        float64         `json:"volatility"`
	AverageVolatility float64         `json:"averageVolatility"`
	Regime            Regime          `json:"regime"`
	ATR               float64         `json:"atr"`
	VolumeRatio       float64         `json:"volumeRatio"`
	// Liquidity is a 0..1 score, 1 meaning deep books.
	Liquidity  float64         `json:"liquidity"`
	Condition  MarketCondition `json:"condition"`
	NewsImpact NewsImpact      `json:"newsImpact"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Outcome classifies the result of a decision once it is known.
type Outcome string

const (
	OutcomeProfit  Outcome = "PROFIT"
	OutcomeLoss    Outcome = "LOSS"
	OutcomeNeutral Outcome = "NEUTRAL"
)

// OutcomeFromPnL maps a realized PnL onto an Outcome.
func OutcomeFromPnL(pnl decimal.Decimal) Outcome {
	switch {
	case pnl.IsPositive():
		return OutcomeProfit
	case pnl.IsNegative():
		return OutcomeLoss
	default:
		return OutcomeNeutral
	}
}

// ConfidenceRecord is an append-only log entry used for threshold re-optimization.
type ConfidenceRecord struct {
	ID         string          `json:"id"`
	DecisionID string          `json:"decisionId"`
	Symbol     string          `json:"symbol"`
	Timestamp  time.Time       `json:"timestamp"`
	Confidence float64         `json:"confidence"`
	Threshold  float64         `json:"threshold"`
	Outcome    Outcome         `json:"outcome"`
	PnL        decimal.Decimal `json:"pnl"`
	Context    MarketContext   `json:"marketContext"`
	Executed   bool            `json:"executed"`
}

// Decision is the outcome of one evaluation round. It is always populated,
// failures are expressed as HOLD with Reasoning set.
type Decision struct {
	ID            string           `json:"id"`
	Symbol        string           `json:"symbol"`
	Action        Action           `json:"action"`
	ShouldExecute bool             `json:"shouldExecute"`
	Executed      bool             `json:"executed"`
	Reasoning     string           `json:"reasoning"`
	Confidence    float64          `json:"confidence"`
	Threshold     float64          `json:"threshold"`
	Consensus     *ConsensusSignal `json:"consensus,omitempty"`
	Context       *MarketContext   `json:"marketContext,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	EntryPrice    decimal.Decimal  `json:"entryPrice"`
	StopLoss      decimal.Decimal  `json:"stopLoss"`
	TakeProfit    decimal.Decimal  `json:"takeProfit"`
	Exchange      string           `json:"exchange,omitempty"`
	OrderID       string           `json:"orderId,omitempty"`
	UsedFallback  bool             `json:"usedFallback"`
	CreatedAt     time.Time        `json:"createdAt"`
	Duration      time.Duration    `json:"duration"`
}

var quoteAssets = []string{"USDT", "USDC", "BUSD", "FDUSD", "USD", "EUR", "BTC", "ETH", "BNB"}

// SplitSymbol splits "BTC/USDT", "BTC-USDT" or "BTCUSDT" into base and quote.
func SplitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i > 0 {
			return s[:i], s[i+1:]
		}
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q), q
		}
	}
	return s, ""
}

// NormalizeSymbol returns the canonical BASE/QUOTE form.
func NormalizeSymbol(symbol string) string {
	base, quote := SplitSymbol(symbol)
	if quote == "" {
		return base
	}
	return base + "/" + quote
}
