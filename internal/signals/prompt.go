package signals

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// PromptBuilder renders the question a provider is asked. It is kept apart
// from aggregation so providers can be given their own wording.
type PromptBuilder interface {
	Build(symbol string, mctx types.MarketContext) Request
}

// JSONPromptBuilder asks for a single JSON object answer.
type JSONPromptBuilder struct {
	Instructions string
}

// DefaultPromptBuilder returns the standard JSON-answer builder.
func DefaultPromptBuilder() *JSONPromptBuilder {
	return &JSONPromptBuilder{
		Instructions: `Respond with one JSON object only: {"action":"BUY|SELL|HOLD","confidence":0.0-1.0,` +
			`"reasoning":"...","entry_price":number,"stop_loss":number,"take_profit":number}`,
	}
}

// Build renders the market context as text. The timestamp is left out so
// identical market pictures produce identical prompts.
func (b *JSONPromptBuilder) Build(symbol string, mctx types.MarketContext) Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Trading decision request for %s.\n", symbol)
	fmt.Fprintf(&sb, "Price: %s\n", mctx.Price.String())
	fmt.Fprintf(&sb, "24h change: %.2f%%\n", mctx.PriceChange24h)
	fmt.Fprintf(&sb, "Realized volatility: %.2f%% (avg %.2f%%), regime %s\n",
		mctx.Volatility, mctx.AverageVolatility, mctx.Regime)
	fmt.Fprintf(&sb, "ATR: %.4f\n", mctx.ATR)
	fmt.Fprintf(&sb, "Volume ratio: %.2f\n", mctx.VolumeRatio)
	fmt.Fprintf(&sb, "Market condition: %s\n", mctx.Condition)
	if mctx.NewsImpact != "" && mctx.NewsImpact != types.NewsImpactNone {
		fmt.Fprintf(&sb, "News impact: %s\n", mctx.NewsImpact)
	}
	sb.WriteString(b.Instructions)
	return Request{Prompt: sb.String()}
}
