package types_test

import (
	"testing"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in     string
		want   types.Action
		wantOK bool
	}{
		{"buy", types.ActionBuy, true},
		{" Strong Buy ", types.ActionBuy, true},
		{"LONG", types.ActionBuy, true},
		{"short", types.ActionSell, true},
		{"STRONG_SELL", types.ActionSell, true},
		{"neutral", types.ActionHold, true},
		{"wait", types.ActionHold, true},
		{"moon", types.ActionHold, false},
		{"", types.ActionHold, false},
	}

	for _, tt := range tests {
		got, ok := types.ParseAction(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseAction(%q): expected (%s, %v), got (%s, %v)", tt.in, tt.want, tt.wantOK, got, ok)
		}
	}
}

func TestActionSide(t *testing.T) {
	if side, ok := types.ActionBuy.Side(); !ok || side != types.OrderSideBuy {
		t.Errorf("Expected buy side, got %q (%v)", side, ok)
	}
	if side, ok := types.ActionSell.Side(); !ok || side != types.OrderSideSell {
		t.Errorf("Expected sell side, got %q (%v)", side, ok)
	}
	if _, ok := types.ActionHold.Side(); ok {
		t.Error("Expected HOLD to have no side")
	}
}

func TestSideForOrder(t *testing.T) {
	if got := types.SideForOrder(types.OrderSideBuy); got != types.PositionSideLong {
		t.Errorf("Expected long, got %s", got)
	}
	if got := types.SideForOrder(types.OrderSideSell); got != types.PositionSideShort {
		t.Errorf("Expected short, got %s", got)
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		in, base, quote string
	}{
		{"BTC/USDT", "BTC", "USDT"},
		{"btc-usdt", "BTC", "USDT"},
		{"eth_usdc", "ETH", "USDC"},
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHBTC", "ETH", "BTC"},
		{"SOLUSD", "SOL", "USD"},
		{"USDT", "USDT", ""},
		{" xyz ", "XYZ", ""},
	}

	for _, tt := range tests {
		base, quote := types.SplitSymbol(tt.in)
		if base != tt.base || quote != tt.quote {
			t.Errorf("SplitSymbol(%q): expected %s/%s, got %s/%s", tt.in, tt.base, tt.quote, base, quote)
		}
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := map[string]string{
		"BTC/USDT": "BTC/USDT",
		"BTC-USDT": "BTC/USDT",
		"btcusdt":  "BTC/USDT",
		"ethbtc":   "ETH/BTC",
		"xyz":      "XYZ",
	}
	for in, want := range tests {
		if got := types.NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestOutcomeFromPnL(t *testing.T) {
	if got := types.OutcomeFromPnL(decimal.NewFromFloat(12.5)); got != types.OutcomeProfit {
		t.Errorf("Expected PROFIT, got %s", got)
	}
	if got := types.OutcomeFromPnL(decimal.NewFromFloat(-0.01)); got != types.OutcomeLoss {
		t.Errorf("Expected LOSS, got %s", got)
	}
	if got := types.OutcomeFromPnL(decimal.Zero); got != types.OutcomeNeutral {
		t.Errorf("Expected NEUTRAL, got %s", got)
	}
}

func TestQuoteMidAndSpread(t *testing.T) {
	q := &types.Quote{
		Bid: decimal.NewFromInt(99),
		Ask: decimal.NewFromInt(101),
	}
	if !q.Mid().Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected mid 100, got %s", q.Mid())
	}
	if !q.SpreadPct().Equal(decimal.NewFromFloat(0.02)) {
		t.Errorf("Expected spread 0.02, got %s", q.SpreadPct())
	}

	empty := &types.Quote{}
	if !empty.SpreadPct().IsZero() {
		t.Errorf("Expected zero spread for empty book, got %s", empty.SpreadPct())
	}
}
