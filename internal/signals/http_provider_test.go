package signals_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atlas-desktop/decision-engine/internal/signals"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestHTTPProviderGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if body["model"] != "test-model" {
			t.Errorf("Expected model test-model, got %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "test-model",
			"choices": [{"message": {"role": "assistant", "content": "{\"action\":\"BUY\",\"confidence\":0.7}"}}],
			"usage": {"prompt_tokens": 400, "completion_tokens": 100, "total_tokens": 500}
		}`))
	}))
	defer server.Close()

	p := signals.NewHTTPProvider(zap.NewNop(), signals.HTTPProviderConfig{
		Name:            "openai",
		BaseURL:         server.URL + "/",
		APIKey:          "secret",
		Model:           "test-model",
		CostPer1KTokens: decimal.NewFromFloat(0.002),
	})

	req := signals.DefaultPromptBuilder().Build("BTCUSDT", types.MarketContext{Price: decimal.NewFromInt(50000)})
	resp, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.TokensUsed != 500 {
		t.Errorf("Expected 500 tokens, got %d", resp.TokensUsed)
	}
	if !resp.Cost.Equal(decimal.NewFromFloat(0.001)) {
		t.Errorf("Expected cost 0.001, got %s", resp.Cost)
	}

	sig, err := signals.ParseSignal(p.Name(), "BTCUSDT", resp)
	if err != nil {
		t.Fatalf("Failed to parse provider content: %v", err)
	}
	if sig.Action != types.ActionBuy {
		t.Errorf("Expected BUY, got %s", sig.Action)
	}
}

func TestHTTPProviderStatusCodes(t *testing.T) {
	tests := []struct {
		status      int
		code        string
		recoverable bool
	}{
		{http.StatusTooManyRequests, signals.CodeRateLimit, true},
		{http.StatusInternalServerError, signals.CodeServer, true},
		{http.StatusUnauthorized, signals.CodeAuth, false},
		{http.StatusBadRequest, signals.CodeBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			p := signals.NewHTTPProvider(zap.NewNop(), signals.HTTPProviderConfig{Name: "openai", BaseURL: server.URL})
			_, err := p.Generate(context.Background(), signals.Request{Prompt: "hi"})

			var pe *signals.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("Expected ProviderError, got %v", err)
			}
			if pe.Code != tt.code || pe.Recoverable != tt.recoverable {
				t.Errorf("Expected %s (recoverable=%v), got %s (recoverable=%v)", tt.code, tt.recoverable, pe.Code, pe.Recoverable)
			}
		})
	}
}

func TestPromptOmitsTimestamp(t *testing.T) {
	b := signals.DefaultPromptBuilder()
	mctx := types.MarketContext{Price: decimal.NewFromInt(100), Condition: types.ConditionSideways}
	first := b.Build("ETHUSDT", mctx)
	mctx.Timestamp = mctx.Timestamp.AddDate(0, 0, 1)
	second := b.Build("ETHUSDT", mctx)

	if first.Fingerprint() != second.Fingerprint() {
		t.Error("Expected identical fingerprints for identical market pictures")
	}
	if !strings.Contains(first.Prompt, "ETHUSDT") {
		t.Error("Expected prompt to name the symbol")
	}
}
