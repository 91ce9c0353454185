package risk

import "fmt"

// ErrorKind classifies a RiskError.
type ErrorKind string

const (
	KindPositionSize ErrorKind = "POSITION_SIZE"
	KindDailyLoss    ErrorKind = "DAILY_LOSS"
	KindMaxPositions ErrorKind = "MAX_POSITIONS"
	KindValidation   ErrorKind = "VALIDATION"
)

// RiskError is returned when the gateway blocks or cannot size a trade.
// It is always locally recoverable.
type RiskError struct {
	Kind    ErrorKind
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk %s: %s", e.Kind, e.Message)
}

func newRiskError(kind ErrorKind, format string, args ...any) *RiskError {
	return &RiskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
