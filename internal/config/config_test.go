package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/config"
	"github.com/atlas-desktop/decision-engine/internal/optimization"
	"github.com/atlas-desktop/decision-engine/internal/signals"
)

const sampleConfig = `
server:
  port: 9090
logging:
  level: debug
  format: json
risk:
  portfolio_value: 25000
  risk_per_trade: 0.01
  timezone: America/New_York
ensemble:
  min_providers: 2
  fallback_strategy: majority_vote
  providers:
    - name: openai
      enabled: true
      base_url: https://api.openai.com/v1
      model: gpt-4o-mini
      api_key_env: TEST_OPENAI_KEY
      cost_per_1k_tokens: 0.002
    - name: local
      enabled: true
      base_url: http://localhost:11434/v1
      accuracy_weight: 0.5
threshold:
  base: 0.65
  risk_tolerance: conservative
router:
  exchanges:
    - name: binance
      taker_fee: 0.001
      maker_fee: 0.001
      latency_ms: 80
      reliability: 0.99
    - name: paper
      paper: true
      taker_fee: 0.001
      balances:
        usdt: 10000
engine:
  symbols: [" btc/usdt ", "eth/usdt"]
  interval: 1m
  cooldown: 2m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	cfg, err := config.Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("Expected addr 0.0.0.0:9090, got %s", cfg.Server.Addr())
	}
	if cfg.Engine.Interval != time.Minute {
		t.Errorf("Expected interval 1m, got %v", cfg.Engine.Interval)
	}
	if got := strings.Join(cfg.Engine.Symbols, ","); got != "BTC/USDT,ETH/USDT" {
		t.Errorf("Expected normalized symbols, got %s", got)
	}
	// Untouched keys keep their defaults.
	if cfg.Risk.MaxDailyLoss != 0.05 {
		t.Errorf("Expected default max daily loss 0.05, got %f", cfg.Risk.MaxDailyLoss)
	}

	gw := cfg.Risk.Gateway()
	if gw.PortfolioValue.String() != "25000" {
		t.Errorf("Expected portfolio 25000, got %s", gw.PortfolioValue)
	}
	if gw.Base.RiskPerTrade.String() != "0.01" {
		t.Errorf("Expected risk per trade 0.01, got %s", gw.Base.RiskPerTrade)
	}

	agg := cfg.Ensemble.Aggregator()
	if agg.FallbackStrategy != signals.FallbackMajorityVote {
		t.Errorf("Expected MAJORITY_VOTE, got %s", agg.FallbackStrategy)
	}

	if len(cfg.Ensemble.Providers) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(cfg.Ensemble.Providers))
	}
	openai := cfg.Ensemble.Providers[0]
	if openai.HTTP().APIKey != "sk-test" {
		t.Errorf("Expected API key from env, got %q", openai.HTTP().APIKey)
	}
	if openai.Provider().MaxTokens != signals.DefaultProviderConfig("x").MaxTokens {
		t.Errorf("Expected default max tokens, got %d", openai.Provider().MaxTokens)
	}
	local := cfg.Ensemble.Providers[1].Provider()
	if local.AccuracyWeight != 0.5 || local.SpeedWeight != 0 {
		t.Errorf("Expected explicit weights kept, got %+v", local)
	}

	th := cfg.Threshold.Optimizer(cfg.Risk.Timezone)
	if th.RiskTolerance != optimization.Conservative {
		t.Errorf("Expected conservative tolerance, got %s", th.RiskTolerance)
	}
	if th.Location.String() != "America/New_York" {
		t.Errorf("Expected New York location, got %s", th.Location)
	}

	if len(cfg.Router.Exchanges) != 2 {
		t.Fatalf("Expected 2 exchanges, got %d", len(cfg.Router.Exchanges))
	}
	info := cfg.Router.Exchanges[0].Info()
	if info.Latency != 80*time.Millisecond || info.Reliability != 0.99 {
		t.Errorf("Unexpected exchange info: %+v", info)
	}
	paper := cfg.Router.Exchanges[1]
	if !paper.Paper {
		t.Error("Expected paper exchange")
	}
	if bal := paper.PaperSettings().Balances["USDT"]; bal.String() != "10000" {
		t.Errorf("Expected USDT balance 10000, got %s", bal)
	}
	if paper.Info().Reliability != 0.95 {
		t.Errorf("Expected default reliability 0.95, got %f", paper.Info().Reliability)
	}

	eng := cfg.Orchestrator()
	if eng.Cooldown != 2*time.Minute {
		t.Errorf("Expected cooldown 2m, got %v", eng.Cooldown)
	}
	if eng.RiskTolerance != optimization.Conservative {
		t.Errorf("Expected engine tolerance conservative, got %s", eng.RiskTolerance)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Threshold.Base != 0.6 {
		t.Errorf("Expected default threshold 0.6, got %f", cfg.Threshold.Base)
	}
	if cfg.Engine.Feed().Interval != "1h" {
		t.Errorf("Expected candle interval 1h, got %s", cfg.Engine.Feed().Interval)
	}
	if cfg.Redis.Enabled {
		t.Error("Expected redis disabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DECISION_ENGINE_SERVER_PORT", "7070")
	t.Setenv("DECISION_ENGINE_THRESHOLD_RISK_TOLERANCE", "aggressive")
	t.Setenv("DECISION_ENGINE_ENGINE_COOLDOWN", "5m")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Expected port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Threshold.RiskTolerance != "aggressive" {
		t.Errorf("Expected aggressive, got %s", cfg.Threshold.RiskTolerance)
	}
	if cfg.Engine.Cooldown != 5*time.Minute {
		t.Errorf("Expected cooldown 5m, got %v", cfg.Engine.Cooldown)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"bad level", "logging:\n  level: verbose\n", "logging.level"},
		{"bad risk", "risk:\n  risk_per_trade: 1.5\n", "risk.risk_per_trade"},
		{"bad timezone", "risk:\n  timezone: Mars/Olympus\n", "risk.timezone"},
		{"bad fallback", "ensemble:\n  fallback_strategy: coin_flip\n", "ensemble.fallback_strategy"},
		{"threshold order", "threshold:\n  min: 0.8\n  max: 0.5\n", "threshold.min"},
		{"base outside range", "threshold:\n  base: 0.95\n", "threshold.base"},
		{"bad tolerance", "threshold:\n  risk_tolerance: reckless\n", "threshold.risk_tolerance"},
		{"provider without url", "ensemble:\n  providers:\n    - name: a\n", "base_url"},
		{"duplicate exchange", "router:\n  exchanges:\n    - name: a\n    - name: a\n", "duplicate exchange"},
		{"blank symbol", "engine:\n  symbols: [\" \"]\n", "engine.symbols"},
		{"redis without addr", "redis:\n  enabled: true\n  addr: \"\"\n", "redis.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
