package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/storage"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var base = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(zap.NewNop(), filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDecisionRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i, sym := range []string{"BTC/USDT", "ETH/USDT", "BTC/USDT"} {
		d := &types.Decision{
			ID:         []string{"d1", "d2", "d3"}[i],
			Symbol:     sym,
			Action:     types.ActionBuy,
			Executed:   i == 2,
			Confidence: 0.8,
			Threshold:  0.6,
			Quantity:   decimal.RequireFromString("0.25"),
			Reasoning:  "executed",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveDecision(ctx, d); err != nil {
			t.Fatalf("SaveDecision: %v", err)
		}
	}

	got, err := s.GetDecision(ctx, "d3")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if !got.Executed || !got.Quantity.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("Expected executed decision with qty 0.25, got %+v", got)
	}

	list, err := s.ListDecisions(ctx, "BTC/USDT", 10)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(list) != 2 || list[0].ID != "d3" || list[1].ID != "d1" {
		t.Errorf("Expected [d3 d1], got %d decisions", len(list))
	}

	all, _ := s.ListDecisions(ctx, "", 2)
	if len(all) != 2 {
		t.Errorf("Expected limit 2, got %d", len(all))
	}

	if _, err := s.GetDecision(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTrades(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	trade := &types.Trade{
		ID:         "t1",
		DecisionID: "d1",
		OrderID:    "o1",
		Exchange:   "binance",
		Symbol:     "BTC/USDT",
		Side:       types.OrderSideBuy,
		Quantity:   decimal.RequireFromString("0.5"),
		Price:      decimal.RequireFromString("50000.12"),
		Fees:       decimal.RequireFromString("25.00006"),
		PnL:        decimal.Zero,
		ExecutedAt: base,
	}
	if err := s.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if err := s.SaveTrade(ctx, trade); !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}

	got, err := s.GetTrade(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if !got.Price.Equal(trade.Price) || !got.Fees.Equal(trade.Fees) || got.Side != types.OrderSideBuy {
		t.Errorf("Expected stored trade to match, got %+v", got)
	}
	if !got.ExecutedAt.Equal(base) {
		t.Errorf("Expected executed at %v, got %v", base, got.ExecutedAt)
	}

	bySymbol, err := s.TradesBySymbol(ctx, "BTC/USDT", 10)
	if err != nil {
		t.Fatalf("TradesBySymbol: %v", err)
	}
	if len(bySymbol) != 1 {
		t.Errorf("Expected 1 trade, got %d", len(bySymbol))
	}
	if _, err := s.GetTrade(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestConfidenceRecords(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := types.ConfidenceRecord{
			ID:         "r" + string(rune('0'+i)),
			DecisionID: "d" + string(rune('0'+i)),
			Symbol:     "BTC/USDT",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Confidence: 0.5 + float64(i)/10,
			Threshold:  0.6,
			Outcome:    types.OutcomeProfit,
			PnL:        decimal.NewFromInt(int64(i)),
			Context:    types.MarketContext{Symbol: "BTC/USDT", Regime: types.RegimeHigh},
			Executed:   true,
		}
		if err := s.AppendConfidenceRecord(ctx, rec); err != nil {
			t.Fatalf("AppendConfidenceRecord: %v", err)
		}
	}

	recs, err := s.LoadConfidenceRecords(ctx, 3)
	if err != nil {
		t.Fatalf("LoadConfidenceRecords: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recs))
	}
	if recs[0].ID != "r2" || recs[2].ID != "r4" {
		t.Errorf("Expected latest records oldest first, got %s..%s", recs[0].ID, recs[2].ID)
	}
	if recs[2].Context.Regime != types.RegimeHigh || !recs[2].PnL.Equal(decimal.NewFromInt(4)) {
		t.Errorf("Expected context and pnl to round trip, got %+v", recs[2])
	}

	dup := types.ConfidenceRecord{ID: "x", DecisionID: "d1", Symbol: "BTC/USDT", Timestamp: base}
	if err := s.AppendConfidenceRecord(ctx, dup); !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for second record of d1, got %v", err)
	}

	// Records without a decision are not unique-constrained.
	for i := 0; i < 2; i++ {
		if err := s.AppendConfidenceRecord(ctx, types.ConfidenceRecord{ID: "anon", Symbol: "ETH/USDT", Timestamp: base}); err != nil {
			t.Fatalf("Expected anonymous records to append, got %v", err)
		}
	}
}

func TestRiskProfileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	ctx := context.Background()

	s, err := storage.New(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p, err := s.LoadRiskProfile(ctx); err != nil || p != nil {
		t.Fatalf("Expected no profile, got %v %v", p, err)
	}

	profile := &risk.RiskProfile{
		DailyPnL:            decimal.NewFromInt(-600),
		EmergencyStopActive: true,
		EmergencyReason:     "daily loss",
		UpdatedAt:           base,
	}
	if err := s.SaveRiskProfile(ctx, profile); err != nil {
		t.Fatalf("SaveRiskProfile: %v", err)
	}
	profile.DailyTradeCount = 3
	if err := s.SaveRiskProfile(ctx, profile); err != nil {
		t.Fatalf("SaveRiskProfile overwrite: %v", err)
	}
	if err := s.AppendAudit(ctx, risk.AuditEntry{Action: "auto", Reason: "daily loss", DailyPnL: profile.DailyPnL, Timestamp: base}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	s.Close()

	s, err = storage.New(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.LoadRiskProfile(ctx)
	if err != nil {
		t.Fatalf("LoadRiskProfile: %v", err)
	}
	if !got.EmergencyStopActive || got.DailyTradeCount != 3 || !got.DailyPnL.Equal(decimal.NewFromInt(-600)) {
		t.Errorf("Expected persisted emergency stop profile, got %+v", got)
	}
	audit, err := s.AuditLog(ctx, 10)
	if err != nil || len(audit) != 1 || audit[0].Action != "auto" {
		t.Errorf("Expected one audit entry, got %v %v", audit, err)
	}
}

func TestGatewayRestoresFromStorage(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	g := risk.NewGateway(zap.NewNop(), risk.DefaultGatewayConfig(), risk.WithProfileStore(s))
	g.EnableEmergencyStop("operator test")

	restored := risk.NewGateway(zap.NewNop(), risk.DefaultGatewayConfig(), risk.WithProfileStore(s))
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !restored.GetMetrics().EmergencyStopActive {
		t.Error("Expected emergency stop to survive restore")
	}
	if audit := restored.Audit(10); len(audit) != 1 || audit[0].Reason != "operator test" {
		t.Errorf("Expected audit trail restored from storage, got %+v", audit)
	}
}
