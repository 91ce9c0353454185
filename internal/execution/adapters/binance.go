// Package adapters provides exchange adapter implementations.
package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BinanceAdapter implements execution.ExchangeClient and data.CandleSource
// against the Binance spot REST API.
type BinanceAdapter struct {
	logger     *zap.Logger
	name       string
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	rateLimiter *RateLimiter
}

// BinanceConfig contains Binance adapter configuration.
type BinanceConfig struct {
	Name              string        `json:"name"`
	APIKey            string        `json:"apiKey"`
	APISecret         string        `json:"apiSecret"`
	BaseURL           string        `json:"baseUrl"` // overrides Testnet
	Testnet           bool          `json:"testnet"`
	Timeout           time.Duration `json:"timeout"`
	RequestsPerMinute int           `json:"requestsPerMinute"`
}

// BinanceOrder represents a Binance order response.
type BinanceOrder struct {
	Symbol             string          `json:"symbol"`
	OrderID            int64           `json:"orderId"`
	ClientOrderID      string          `json:"clientOrderId"`
	Price              decimal.Decimal `json:"price"`
	OrigQty            decimal.Decimal `json:"origQty"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	CumulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status             string          `json:"status"`
	Type               string          `json:"type"`
	Side               string          `json:"side"`
	TransactTime       int64           `json:"transactTime"`
	Fills              []BinanceFill   `json:"fills"`
}

// BinanceFill is one fill inside a FULL order response.
type BinanceFill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
}

// BinanceBalance represents account balance.
type BinanceBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// BinanceAccount represents account information.
type BinanceAccount struct {
	CanTrade    bool             `json:"canTrade"`
	UpdateTime  int64            `json:"updateTime"`
	AccountType string           `json:"accountType"`
	Balances    []BinanceBalance `json:"balances"`
}

type binanceBookTicker struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	BidQty   decimal.Decimal `json:"bidQty"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskQty   decimal.Decimal `json:"askQty"`
}

type binance24hr struct {
	LastPrice   decimal.Decimal `json:"lastPrice"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
}

// APIError is a non-200 reply from the exchange.
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance status %d: code %d: %s", e.Status, e.Code, e.Msg)
}

// RateLimiter is a token bucket refilled one token per refillRate.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a full bucket of maxTokens refilled over per.
func NewRateLimiter(maxTokens int, per time.Duration) *RateLimiter {
	if maxTokens <= 0 {
		maxTokens = 1
	}
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: per / time.Duration(maxTokens),
		lastRefill: time.Now(),
	}
}

// Wait takes a token, blocking until one is available or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		if refills := int(now.Sub(rl.lastRefill) / rl.refillRate); refills > 0 {
			rl.tokens = min(rl.maxTokens, rl.tokens+refills)
			rl.lastRefill = rl.lastRefill.Add(time.Duration(refills) * rl.refillRate)
		}
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := rl.refillRate - now.Sub(rl.lastRefill)
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// NewBinanceAdapter creates a new Binance adapter.
func NewBinanceAdapter(logger *zap.Logger, config BinanceConfig) *BinanceAdapter {
	baseURL := "https://api.binance.com"
	if config.Testnet {
		baseURL = "https://testnet.binance.vision"
	}
	if config.BaseURL != "" {
		baseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if config.Name == "" {
		config.Name = "binance"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 1200 // Binance weight limit
	}

	return &BinanceAdapter{
		logger:      logger.Named("binance").With(zap.String("exchange", config.Name)),
		name:        config.Name,
		apiKey:      config.APIKey,
		apiSecret:   config.APISecret,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: config.Timeout},
		now:         time.Now,
		rateLimiter: NewRateLimiter(config.RequestsPerMinute, time.Minute),
	}
}

// Name returns the venue name.
func (b *BinanceAdapter) Name() string { return b.name }

// Health pings the API.
func (b *BinanceAdapter) Health(ctx context.Context) bool {
	if err := b.get(ctx, "/api/v3/ping", nil, nil); err != nil {
		b.logger.Warn("Ping failed", zap.Error(err))
		return false
	}
	return true
}

// Quote combines the book ticker with the 24h ticker.
func (b *BinanceAdapter) Quote(ctx context.Context, symbol string) (*types.Quote, error) {
	params := url.Values{"symbol": {formatSymbol(symbol)}}

	var book binanceBookTicker
	if err := b.get(ctx, "/api/v3/ticker/bookTicker", params, &book); err != nil {
		return nil, fmt.Errorf("failed to get book ticker: %w", err)
	}
	var day binance24hr
	if err := b.get(ctx, "/api/v3/ticker/24hr", params, &day); err != nil {
		return nil, fmt.Errorf("failed to get 24h ticker: %w", err)
	}

	return &types.Quote{
		Exchange:  b.name,
		Symbol:    symbol,
		Bid:       book.BidPrice,
		Ask:       book.AskPrice,
		BidSize:   book.BidQty,
		AskSize:   book.AskQty,
		LastPrice: day.LastPrice,
		Volume24h: day.QuoteVolume,
		Timestamp: b.now(),
	}, nil
}

// PlaceOrder places an order on Binance.
func (b *BinanceAdapter) PlaceOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", formatSymbol(order.Symbol))
	params.Set("side", strings.ToUpper(string(order.Side)))
	params.Set("type", convertOrderType(order.Type))
	params.Set("quantity", order.Quantity.String())
	params.Set("newOrderRespType", "FULL")

	if order.Type == types.OrderTypeLimit {
		params.Set("price", order.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}

	var bo BinanceOrder
	if err := b.signed(ctx, http.MethodPost, "/api/v3/order", params, &bo); err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	return b.convertBinanceOrder(order.Symbol, &bo), nil
}

// Balance returns the free balance of asset.
func (b *BinanceAdapter) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	account, err := b.GetAccount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, balance := range account.Balances {
		if strings.EqualFold(balance.Asset, asset) {
			return balance.Free, nil
		}
	}
	return decimal.Zero, nil
}

// GetAccount gets full account information.
func (b *BinanceAdapter) GetAccount(ctx context.Context) (*BinanceAccount, error) {
	var account BinanceAccount
	if err := b.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &account); err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// Candles returns up to limit klines for symbol, oldest first.
func (b *BinanceAdapter) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error) {
	params := url.Values{
		"symbol":   {formatSymbol(symbol)},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	var raw [][]any
	if err := b.get(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, fmt.Errorf("failed to get klines: %w", err)
	}

	candles := make([]types.OHLCV, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, _ := k[0].(float64)
		candles = append(candles, types.OHLCV{
			Timestamp: time.UnixMilli(int64(openTime)).UTC(),
			Open:      klineDecimal(k[1]),
			High:      klineDecimal(k[2]),
			Low:       klineDecimal(k[3]),
			Close:     klineDecimal(k[4]),
			Volume:    klineDecimal(k[5]),
		})
	}
	return candles, nil
}

func klineDecimal(v any) decimal.Decimal {
	switch x := v.(type) {
	case string:
		d, _ := decimal.NewFromString(x)
		return d
	case float64:
		return decimal.NewFromFloat(x)
	}
	return decimal.Zero
}

func (b *BinanceAdapter) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	reqURL := b.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	return b.do(ctx, req, out)
}

// signed makes a signed API request.
func (b *BinanceAdapter) signed(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	params.Set("signature", b.sign(params.Encode()))

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	return b.do(ctx, req, out)
}

func (b *BinanceAdapter) do(ctx context.Context, req *http.Request, out any) error {
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// sign creates HMAC-SHA256 signature.
func (b *BinanceAdapter) sign(data string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// convertBinanceOrder converts Binance order to our format.
func (b *BinanceAdapter) convertBinanceOrder(symbol string, bo *BinanceOrder) *types.OrderResult {
	result := &types.OrderResult{
		OrderID:       fmt.Sprintf("%s:%d", bo.Symbol, bo.OrderID),
		ClientOrderID: bo.ClientOrderID,
		Exchange:      b.name,
		Symbol:        symbol,
		Status:        convertOrderStatus(bo.Status),
		ExecutedQty:   bo.ExecutedQty,
		Timestamp:     time.UnixMilli(bo.TransactTime),
	}
	if bo.TransactTime == 0 {
		result.Timestamp = b.now()
	}

	switch strings.ToLower(bo.Side) {
	case "buy":
		result.Side = types.OrderSideBuy
	case "sell":
		result.Side = types.OrderSideSell
	}

	if bo.ExecutedQty.IsPositive() && bo.CumulativeQuoteQty.IsPositive() {
		result.ExecutedPrice = bo.CumulativeQuoteQty.Div(bo.ExecutedQty)
	} else {
		result.ExecutedPrice = bo.Price
	}

	// Fees are reported in quote terms; base-asset commissions are priced at the fill.
	base, quote := types.SplitSymbol(symbol)
	for _, f := range bo.Fills {
		switch strings.ToUpper(f.CommissionAsset) {
		case quote:
			result.Fees = result.Fees.Add(f.Commission)
		case base:
			result.Fees = result.Fees.Add(f.Commission.Mul(f.Price))
		}
	}
	return result
}

// convertOrderType converts our order type to Binance format.
func convertOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeLimit:
		return "LIMIT"
	default:
		return "MARKET"
	}
}

// convertOrderStatus converts Binance order status.
func convertOrderStatus(status string) types.OrderStatus {
	switch status {
	case "NEW":
		return types.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartiallyFilled
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED":
		return types.OrderStatusCancelled
	case "REJECTED":
		return types.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return types.OrderStatusExpired
	default:
		return types.OrderStatusPending
	}
}

// formatSymbol converts BTC/USDT to BTCUSDT.
func formatSymbol(symbol string) string {
	base, quote := types.SplitSymbol(symbol)
	return base + quote
}
