// Package data pulls recent candles and derives the market snapshot the
// decision engine classifies.
package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNoData is returned when the source has no usable candles.
var ErrNoData = errors.New("data: no candles available")

// CandleSource returns up to limit candles, oldest first.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error)
}

// FeedConfig configures the market data feed.
type FeedConfig struct {
	Interval       string
	Limit          int
	CacheTTL       time.Duration
	TrendLookback  int     // bars used for trend detection
	TrendThreshold float64 // fractional move that counts as a trend
	VolatileRange  float64 // average (high-low)/close that counts as volatile
}

// DefaultFeedConfig returns default feed configuration
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Interval:       "1h",
		Limit:          100,
		CacheTTL:       30 * time.Second,
		TrendLookback:  20,
		TrendThreshold: 0.02, // 2%
		VolatileRange:  0.03, // 3%
	}
}

// MarketSnapshot is the derived view of one symbol's recent candles.
type MarketSnapshot struct {
	Symbol         string                `json:"symbol"`
	Candles        []types.OHLCV         `json:"-"`
	LastPrice      decimal.Decimal       `json:"lastPrice"`
	PriceChange24h float64               `json:"priceChange24h"` // percent
	VolumeRatio    float64               `json:"volumeRatio"`
	Condition      types.MarketCondition `json:"condition"`
	Issues         []Issue               `json:"issues,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
}

type cacheEntry struct {
	candles   []types.OHLCV
	issues    []Issue
	fetchedAt time.Time
}

// Feed caches candles per symbol and derives snapshots.
type Feed struct {
	logger *zap.Logger
	source CandleSource
	config FeedConfig
	now    func() time.Time
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedClock overrides the clock used for cache expiry.
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *Feed) { f.now = now }
}

// NewFeed creates a feed over source.
func NewFeed(logger *zap.Logger, source CandleSource, config FeedConfig, opts ...FeedOption) *Feed {
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.Interval == "" {
		config.Interval = "1h"
	}
	if config.TrendLookback <= 0 {
		config.TrendLookback = 20
	}
	f := &Feed{
		logger: logger.Named("market-data"),
		source: source,
		config: config,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Candles returns cleaned candles for symbol, refetching once the cache
// entry is older than CacheTTL. Concurrent misses share one fetch.
func (f *Feed) Candles(ctx context.Context, symbol string) ([]types.OHLCV, []Issue, error) {
	f.mu.RLock()
	entry, ok := f.cache[symbol]
	f.mu.RUnlock()
	if ok && f.now().Sub(entry.fetchedAt) < f.config.CacheTTL {
		return entry.candles, entry.issues, nil
	}

	v, err, _ := f.group.Do(symbol, func() (interface{}, error) {
		raw, err := f.source.Candles(ctx, symbol, f.config.Interval, f.config.Limit)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch candles for %s: %w", symbol, err)
		}
		candles, issues := Clean(raw)
		if len(issues) > 0 {
			f.logger.Warn("Dropped bad candles",
				zap.String("symbol", symbol),
				zap.Int("issues", len(issues)),
				zap.Int("kept", len(candles)))
		}
		e := cacheEntry{candles: candles, issues: issues, fetchedAt: f.now()}
		f.mu.Lock()
		f.cache[symbol] = e
		f.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, nil, err
	}
	e := v.(cacheEntry)
	return e.candles, e.issues, nil
}

// Invalidate drops the cached candles for symbol.
func (f *Feed) Invalidate(symbol string) {
	f.mu.Lock()
	delete(f.cache, symbol)
	f.mu.Unlock()
}

// Snapshot derives the current market snapshot for symbol.
func (f *Feed) Snapshot(ctx context.Context, symbol string) (*MarketSnapshot, error) {
	candles, issues, err := f.Candles(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, ErrNoData
	}

	last := candles[len(candles)-1]
	return &MarketSnapshot{
		Symbol:         symbol,
		Candles:        candles,
		LastPrice:      last.Close,
		PriceChange24h: priceChange(candles, 24*time.Hour),
		VolumeRatio:    volumeRatio(candles),
		Condition:      f.condition(candles),
		Issues:         issues,
		Timestamp:      f.now(),
	}, nil
}

// priceChange is the percent move from the first bar inside window to the last.
func priceChange(candles []types.OHLCV, window time.Duration) float64 {
	last := candles[len(candles)-1]
	cutoff := last.Timestamp.Add(-window)
	ref := candles[0]
	for _, c := range candles {
		if !c.Timestamp.Before(cutoff) {
			ref = c
			break
		}
	}
	if !ref.Close.IsPositive() {
		return 0
	}
	return last.Close.Sub(ref.Close).Div(ref.Close).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// volumeRatio is the last bar's volume over the mean of the bars before it.
func volumeRatio(candles []types.OHLCV) float64 {
	if len(candles) < 2 {
		return 1
	}
	var sum float64
	for _, c := range candles[:len(candles)-1] {
		sum += c.Volume.InexactFloat64()
	}
	avg := sum / float64(len(candles)-1)
	if avg <= 0 {
		return 1
	}
	return candles[len(candles)-1].Volume.InexactFloat64() / avg
}

// condition labels the market as volatile, trending or sideways.
func (f *Feed) condition(candles []types.OHLCV) types.MarketCondition {
	n := f.config.TrendLookback
	if n >= len(candles) {
		n = len(candles) - 1
	}
	if n <= 0 {
		return types.ConditionSideways
	}
	window := candles[len(candles)-n-1:]

	var rangeSum float64
	for _, c := range window[1:] {
		if c.Close.IsPositive() {
			rangeSum += c.High.Sub(c.Low).Div(c.Close).InexactFloat64()
		}
	}
	if f.config.VolatileRange > 0 && rangeSum/float64(n) > f.config.VolatileRange {
		return types.ConditionVolatile
	}

	first := window[0].Close.InexactFloat64()
	if first <= 0 {
		return types.ConditionSideways
	}
	move := (window[len(window)-1].Close.InexactFloat64() - first) / first
	switch {
	case move > f.config.TrendThreshold:
		return types.ConditionTrendingUp
	case move < -f.config.TrendThreshold:
		return types.ConditionTrendingDown
	default:
		return types.ConditionSideways
	}
}
