package data_test

import (
	"testing"

	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func TestCleanRepairsAndDrops(t *testing.T) {
	b0 := bar(0, 100, 0.01, 10)
	b1 := bar(1, 101, 0.01, 10)
	b2 := bar(2, 102, 0.01, 10)
	b3 := bar(3, 103, 0.01, 10)
	bad := bar(4, 104, 0.01, 10)
	bad.High = decimal.NewFromInt(90)
	zero := bar(5, 105, 0.01, 10)
	zero.Close = decimal.Zero

	cleaned, issues := data.Clean([]types.OHLCV{b1, b0, b2, b2, b3, bad, zero})

	if len(cleaned) != 4 {
		t.Fatalf("Expected 4 clean bars, got %d", len(cleaned))
	}
	for i := 1; i < len(cleaned); i++ {
		if !cleaned[i].Timestamp.After(cleaned[i-1].Timestamp) {
			t.Fatalf("Expected chronological order at %d", i)
		}
	}

	counts := make(map[string]int)
	for _, is := range issues {
		counts[is.Type]++
	}
	for _, typ := range []string{data.IssueOutOfOrder, data.IssueDuplicate, data.IssueOHLCInconsistent, data.IssueNonPositive} {
		if counts[typ] != 1 {
			t.Errorf("Expected one %s issue, got %d", typ, counts[typ])
		}
	}
}

func TestCleanLeavesInputUntouched(t *testing.T) {
	in := series(5, 100, 1, 0.01)
	in[0], in[1] = in[1], in[0]
	first := in[0].Timestamp

	data.Clean(in)

	if !in[0].Timestamp.Equal(first) {
		t.Error("Expected Clean not to reorder the caller's slice")
	}
}
