package signals

import (
	"time"

	"github.com/shopspring/decimal"
)

// ErrorRecord is one entry in a provider's rolling error list.
type ErrorRecord struct {
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

// ProviderMetrics tracks one provider's health across rounds.
type ProviderMetrics struct {
	Name            string          `json:"name"`
	Weight          float64         `json:"weight"`
	TotalRequests   int64           `json:"totalRequests"`
	Successes       int64           `json:"successes"`
	Failures        int64           `json:"failures"`
	Skipped         int64           `json:"skipped"`
	DedupHits       int64           `json:"dedupHits"`
	AvgResponseTime time.Duration   `json:"avgResponseTime"`
	TotalCost       decimal.Decimal `json:"totalCost"`
	WindowUsage     int             `json:"windowUsage"`
	LastSuccess     time.Time       `json:"lastSuccess,omitempty"`
	LastFailure     time.Time       `json:"lastFailure,omitempty"`
	Errors          []ErrorRecord   `json:"errors"`
}

// ErrorRate is failures over upstream requests.
func (m *ProviderMetrics) ErrorRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.TotalRequests)
}

func (m *ProviderMetrics) recordSuccess(resp *Response, at time.Time) {
	m.TotalRequests++
	m.Successes++
	m.LastSuccess = at
	m.TotalCost = m.TotalCost.Add(resp.Cost)
	// Running mean over successful calls.
	m.AvgResponseTime += (resp.ResponseTime - m.AvgResponseTime) / time.Duration(m.Successes)
}

func (m *ProviderMetrics) recordFailure(pe *ProviderError, at time.Time, limit int) {
	m.TotalRequests++
	m.Failures++
	m.LastFailure = at
	m.Errors = append(m.Errors, ErrorRecord{
		Code:        pe.Code,
		Message:     pe.Error(),
		Recoverable: pe.Recoverable,
		Timestamp:   at,
	})
	if len(m.Errors) > limit {
		m.Errors = m.Errors[len(m.Errors)-limit:]
	}
}

func (m ProviderMetrics) clone() ProviderMetrics {
	m.Errors = append([]ErrorRecord(nil), m.Errors...)
	return m
}
