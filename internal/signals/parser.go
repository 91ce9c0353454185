package signals

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
)

var (
	fenceRegex      = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	actionRegex     = regexp.MustCompile(`(?i)\b(?:action|signal|recommendation)\s*[:=]\s*"?([a-z_ ]+?)"?(?:[\s,.;]|$)`)
	confidenceRegex = regexp.MustCompile(`(?i)confidence\s*(?:score|level)?\s*[:=]?\s*(\d+(?:\.\d+)?)\s*(%)?`)
	stopRegex       = regexp.MustCompile(`(?i)(?:stop[\s_-]?loss|\bsl)\s*[:=@]?\s*\$?(\d+(?:\.\d+)?)`)
	targetRegex     = regexp.MustCompile(`(?i)(?:take[\s_-]?profit|target|\btp)\s*[:=@]?\s*\$?(\d+(?:\.\d+)?)`)
)

// ParseSignal converts a provider response into a Signal. JSON payloads are
// preferred, whether supplied separately or embedded in the content; a
// labelled plain-text answer is the fallback. Anything without an action and
// a confidence is a recoverable parse error.
func ParseSignal(provider, symbol string, resp *Response) (*types.Signal, error) {
	if resp == nil {
		return nil, NewProviderError(provider, CodeParse, errors.New("empty response"))
	}

	raw := []byte(resp.Payload)
	if len(raw) == 0 {
		raw = extractJSON(resp.Content)
	}

	var sig *types.Signal
	var err error
	if len(raw) > 0 {
		sig, err = parseJSONSignal(raw)
		if err != nil {
			// Malformed JSON still gets the text pass before giving up.
			if textSig, textErr := parseTextSignal(resp.Content); textErr == nil {
				sig, err = textSig, nil
			}
		}
	} else {
		sig, err = parseTextSignal(resp.Content)
	}
	if err != nil {
		return nil, NewProviderError(provider, CodeParse, err)
	}

	sig.Symbol = symbol
	sig.Provider = provider
	sig.Model = resp.Model
	sig.Cost = resp.Cost
	sig.ResponseTime = resp.ResponseTime
	sig.ProducedAt = time.Now()
	if sig.RiskReward == 0 {
		sig.RiskReward = riskReward(sig.EntryPrice, sig.StopLoss, sig.TakeProfit)
	}
	return sig, nil
}

// extractJSON returns the first JSON object in text, preferring fenced blocks.
func extractJSON(text string) []byte {
	if m := fenceRegex.FindStringSubmatch(text); len(m) > 1 {
		return []byte(m[1])
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	return []byte(text[start : end+1])
}

func parseJSONSignal(raw []byte) (*types.Signal, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	lookup := normalizeKeys(fields)

	actionText, ok := firstString(lookup, "action", "signal", "recommendation", "direction", "decision")
	if !ok {
		return nil, errors.New("payload has no action")
	}
	action, ok := types.ParseAction(actionText)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", actionText)
	}

	conf, ok := firstNumber(lookup, "confidence", "confidencescore", "confidencelevel", "probability")
	if !ok {
		return nil, errors.New("payload has no confidence")
	}
	confidence, err := normalizeConfidence(conf)
	if err != nil {
		return nil, err
	}

	sig := &types.Signal{Action: action, Confidence: confidence}
	sig.Reasoning, _ = firstString(lookup, "reasoning", "rationale", "analysis", "reason")
	sig.EntryPrice = firstDecimal(lookup, "entryprice", "entry", "price")
	sig.StopLoss = firstDecimal(lookup, "stoploss", "stop", "sl")
	sig.TakeProfit = firstDecimal(lookup, "takeprofit", "target", "tp")
	sig.PositionSize = firstDecimal(lookup, "positionsize", "size")
	if rr, ok := firstNumber(lookup, "riskreward", "riskrewardratio", "rr"); ok {
		sig.RiskReward = rr
	}
	return sig, nil
}

func parseTextSignal(text string) (*types.Signal, error) {
	m := actionRegex.FindStringSubmatch(text)
	if len(m) < 2 {
		return nil, errors.New("no action found in response")
	}
	action, ok := types.ParseAction(m[1])
	if !ok {
		return nil, fmt.Errorf("unknown action %q", m[1])
	}

	c := confidenceRegex.FindStringSubmatch(text)
	if len(c) < 2 {
		return nil, errors.New("no confidence found in response")
	}
	v, err := strconv.ParseFloat(c[1], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid confidence %q", c[1])
	}
	if c[2] == "%" {
		v /= 100
	}
	confidence, err := normalizeConfidence(v)
	if err != nil {
		return nil, err
	}

	sig := &types.Signal{Action: action, Confidence: confidence, Reasoning: strings.TrimSpace(text)}
	if s := stopRegex.FindStringSubmatch(text); len(s) > 1 {
		sig.StopLoss, _ = decimal.NewFromString(s[1])
	}
	if tp := targetRegex.FindStringSubmatch(text); len(tp) > 1 {
		sig.TakeProfit, _ = decimal.NewFromString(tp[1])
	}
	return sig, nil
}

// normalizeConfidence accepts 0..1 or a 0..100 percentage.
func normalizeConfidence(v float64) (float64, error) {
	switch {
	case v < 0 || v > 100:
		return 0, fmt.Errorf("confidence %v out of range", v)
	case v > 1:
		return v / 100, nil
	default:
		return v, nil
	}
}

func riskReward(entry, stop, target decimal.Decimal) float64 {
	if entry.IsZero() || stop.IsZero() || target.IsZero() {
		return 0
	}
	risk := entry.Sub(stop).Abs()
	if risk.IsZero() {
		return 0
	}
	rr, _ := target.Sub(entry).Abs().Div(risk).Float64()
	return rr
}

// normalizeKeys lowercases keys and strips separators so stop_loss,
// stopLoss and StopLoss all match "stoploss".
func normalizeKeys(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(k))
		out[key] = v
	}
	return out
}

func firstString(fields map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func firstNumber(fields map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case float64:
			return v, true
		case string:
			s := strings.TrimSuffix(strings.TrimSpace(v), "%")
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				if strings.HasSuffix(strings.TrimSpace(v), "%") {
					f /= 100
				}
				return f, true
			}
		}
	}
	return 0, false
}

func firstDecimal(fields map[string]any, keys ...string) decimal.Decimal {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case float64:
			return decimal.NewFromFloat(v)
		case string:
			if d, err := decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(v), "$")); err == nil {
				return d
			}
		}
	}
	return decimal.Zero
}
