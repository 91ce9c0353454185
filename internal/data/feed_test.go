package data_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var start = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	candles []types.OHLCV
	err     error
	calls   atomic.Int32
}

func (f *fakeSource) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.candles, nil
}

func bar(i int, closePrice, spread, volume float64) types.OHLCV {
	return types.OHLCV{
		Timestamp: start.Add(time.Duration(i) * time.Hour),
		Open:      decimal.NewFromFloat(closePrice),
		High:      decimal.NewFromFloat(closePrice * (1 + spread)),
		Low:       decimal.NewFromFloat(closePrice * (1 - spread)),
		Close:     decimal.NewFromFloat(closePrice),
		Volume:    decimal.NewFromFloat(volume),
	}
}

// series builds n hourly bars stepping the close by step each bar.
func series(n int, first, step, spread float64) []types.OHLCV {
	out := make([]types.OHLCV, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, bar(i, first+step*float64(i), spread, 100))
	}
	return out
}

func TestSnapshotTrendingUp(t *testing.T) {
	candles := series(48, 100, 0.5, 0.002)
	candles[len(candles)-1].Volume = decimal.NewFromInt(300)

	feed := data.NewFeed(zap.NewNop(), &fakeSource{candles: candles}, data.DefaultFeedConfig())
	snap, err := feed.Snapshot(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if !snap.LastPrice.Equal(decimal.NewFromFloat(123.5)) {
		t.Errorf("Expected last price 123.5, got %s", snap.LastPrice)
	}
	if snap.Condition != types.ConditionTrendingUp {
		t.Errorf("Expected trending_up, got %s", snap.Condition)
	}
	if snap.VolumeRatio < 2.99 || snap.VolumeRatio > 3.01 {
		t.Errorf("Expected volume ratio 3, got %f", snap.VolumeRatio)
	}
	// Bar 23 (close 111.5) is the first inside the 24h window ending at bar 47.
	want := (123.5 - 111.5) / 111.5 * 100
	if diff := snap.PriceChange24h - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("Expected 24h change %f, got %f", want, snap.PriceChange24h)
	}
}

func TestSnapshotConditions(t *testing.T) {
	tests := []struct {
		name    string
		candles []types.OHLCV
		want    types.MarketCondition
	}{
		{"down", series(30, 150, -1, 0.002), types.ConditionTrendingDown},
		{"flat", series(30, 100, 0.01, 0.002), types.ConditionSideways},
		{"wide ranges", series(30, 100, 0.01, 0.05), types.ConditionVolatile},
		{"single bar", series(1, 100, 0, 0.002), types.ConditionSideways},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := data.NewFeed(zap.NewNop(), &fakeSource{candles: tt.candles}, data.DefaultFeedConfig())
			snap, err := feed.Snapshot(context.Background(), "ETH/USDT")
			if err != nil {
				t.Fatalf("Snapshot failed: %v", err)
			}
			if snap.Condition != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, snap.Condition)
			}
		})
	}
}

func TestFeedCachesUntilTTL(t *testing.T) {
	now := start
	src := &fakeSource{candles: series(10, 100, 1, 0.002)}
	cfg := data.DefaultFeedConfig()
	cfg.CacheTTL = 30 * time.Second
	feed := data.NewFeed(zap.NewNop(), src, cfg, data.WithFeedClock(func() time.Time { return now }))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := feed.Candles(ctx, "BTC/USDT"); err != nil {
			t.Fatalf("Candles failed: %v", err)
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("Expected 1 fetch while cached, got %d", got)
	}

	now = now.Add(31 * time.Second)
	if _, _, err := feed.Candles(ctx, "BTC/USDT"); err != nil {
		t.Fatalf("Candles failed: %v", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("Expected refetch after TTL, got %d fetches", got)
	}

	feed.Invalidate("BTC/USDT")
	if _, _, err := feed.Candles(ctx, "BTC/USDT"); err != nil {
		t.Fatalf("Candles failed: %v", err)
	}
	if got := src.calls.Load(); got != 3 {
		t.Errorf("Expected refetch after invalidate, got %d fetches", got)
	}
}

func TestSnapshotErrors(t *testing.T) {
	boom := errors.New("exchange down")
	feed := data.NewFeed(zap.NewNop(), &fakeSource{err: boom}, data.DefaultFeedConfig())
	if _, err := feed.Snapshot(context.Background(), "BTC/USDT"); !errors.Is(err, boom) {
		t.Errorf("Expected wrapped source error, got %v", err)
	}

	empty := data.NewFeed(zap.NewNop(), &fakeSource{}, data.DefaultFeedConfig())
	if _, err := empty.Snapshot(context.Background(), "BTC/USDT"); !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData, got %v", err)
	}
}
