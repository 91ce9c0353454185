package data

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// Issue describes one rejected or repaired candle.
type Issue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Issue types.
const (
	IssueOutOfOrder       = "OUT_OF_ORDER"
	IssueDuplicate        = "DUPLICATE_TIMESTAMP"
	IssueOHLCInconsistent = "OHLC_INCONSISTENT"
	IssueNonPositive      = "NON_POSITIVE_PRICE"
)

// Clean returns candles sorted oldest first with duplicates, inconsistent
// bars and non-positive prices removed, plus what was dropped or repaired.
func Clean(candles []types.OHLCV) ([]types.OHLCV, []Issue) {
	var issues []Issue

	bars := append([]types.OHLCV(nil), candles...)
	if !sort.SliceIsSorted(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) }) {
		issues = append(issues, Issue{
			Type:     IssueOutOfOrder,
			Severity: "high",
			Message:  "bars were not in chronological order",
		})
		sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	}

	out := bars[:0]
	seen := make(map[int64]bool, len(bars))
	for _, bar := range bars {
		ts := bar.Timestamp.UnixNano()
		switch {
		case seen[ts]:
			issues = append(issues, Issue{
				Type: IssueDuplicate, Severity: "high", Timestamp: bar.Timestamp,
				Message: "duplicate timestamp",
			})
			continue
		case !bar.Close.IsPositive() || !bar.Low.IsPositive():
			issues = append(issues, Issue{
				Type: IssueNonPositive, Severity: "critical", Timestamp: bar.Timestamp,
				Message: fmt.Sprintf("non-positive price (L:%s C:%s)", bar.Low, bar.Close),
			})
			continue
		case bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) || bar.High.LessThan(bar.Low) ||
			bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close):
			issues = append(issues, Issue{
				Type: IssueOHLCInconsistent, Severity: "critical", Timestamp: bar.Timestamp,
				Message: fmt.Sprintf("inconsistent bar (O:%s H:%s L:%s C:%s)", bar.Open, bar.High, bar.Low, bar.Close),
			})
			continue
		}
		seen[ts] = true
		out = append(out, bar)
	}
	return out, issues
}
