// Package execution routes orders across exchanges and scans them for
// arbitrage.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrNoRoutes is returned when no exchange can quote the symbol.
var ErrNoRoutes = errors.New("execution: no routes available")

// ExchangeClient is the surface the router needs from an exchange.
// Implementations must not retry internally.
type ExchangeClient interface {
	Name() string
	Quote(ctx context.Context, symbol string) (*types.Quote, error)
	PlaceOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error)
	Health(ctx context.Context) bool
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// ExchangeInfo describes static venue characteristics used for scoring.
type ExchangeInfo struct {
	Name        string          `json:"name"`
	MakerFee    decimal.Decimal `json:"makerFee"`
	TakerFee    decimal.Decimal `json:"takerFee"`
	Latency     time.Duration   `json:"latency"`
	Reliability float64         `json:"reliability"` // 0..1
}

// ExchangeError wraps a failure from one exchange operation.
type ExchangeError struct {
	Exchange string
	Op       string
	Err      error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange %s: %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// MetricsRecorder receives routing observations.
type MetricsRecorder interface {
	RecordExecution(exchange string, success, fallback bool)
	RecordArbitrageOpportunity(symbol string)
}
