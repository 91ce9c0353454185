// Package signals fans a trading question out to advisory providers and
// reduces their answers to one consensus signal.
package signals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AdvisoryProvider answers one trading question. Implementations must not
// retry internally.
type AdvisoryProvider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Request is one question sent to a provider.
type Request struct {
	Prompt      string  `json:"prompt"`
	Context     string  `json:"context,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// Fingerprint identifies the prompt content of a request.
func (r Request) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.Model))
	h.Write([]byte{0})
	h.Write([]byte(r.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(r.Context))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// dedupKey is provider + prompt fingerprint + temperature + maxTokens.
func (r Request) dedupKey(provider string) string {
	return fmt.Sprintf("%s|%s|%.3f|%d", provider, r.Fingerprint(), r.Temperature, r.MaxTokens)
}

// Response is a provider's raw answer.
type Response struct {
	Content      string          `json:"content"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Cost         decimal.Decimal `json:"cost"`
	ResponseTime time.Duration   `json:"responseTime"`
	Model        string          `json:"model,omitempty"`
	TokensUsed   int             `json:"tokensUsed,omitempty"`
}

// Provider error codes.
const (
	CodeRateLimit  = "rate_limit"
	CodeNetwork    = "network"
	CodeServer     = "server"
	CodeBadRequest = "bad_request"
	CodeAuth       = "auth"
	CodeParse      = "parse"
	CodeTimeout    = "timeout"
)

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider    string
	Code        string
	Recoverable bool
	Err         error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a ProviderError, deriving recoverability from code.
func NewProviderError(provider, code string, err error) *ProviderError {
	recoverable := true
	switch code {
	case CodeBadRequest, CodeAuth:
		recoverable = false
	}
	return &ProviderError{Provider: provider, Code: code, Recoverable: recoverable, Err: err}
}

// asProviderError classifies any error returned by a provider call.
func asProviderError(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProviderError(provider, CodeTimeout, err)
	}
	return NewProviderError(provider, CodeNetwork, err)
}

// ProviderConfig configures one provider's participation in the ensemble.
type ProviderConfig struct {
	Name              string  `json:"name"`
	Enabled           bool    `json:"enabled"`
	AccuracyWeight    float64 `json:"accuracyWeight"`
	SpeedWeight       float64 `json:"speedWeight"`
	CostWeight        float64 `json:"costWeight"`
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"maxTokens"`
	Model             string  `json:"model"`
	RequestsPerMinute int     `json:"requestsPerMinute"`
}

// DefaultProviderConfig returns an enabled provider with neutral weights.
func DefaultProviderConfig(name string) ProviderConfig {
	return ProviderConfig{
		Name:              name,
		Enabled:           true,
		AccuracyWeight:    1.0,
		SpeedWeight:       1.0,
		CostWeight:        1.0,
		Temperature:       0.2,
		MaxTokens:         500,
		RequestsPerMinute: 30,
	}
}

// Weight blends the accuracy, speed and cost weights into one vote weight.
func (c ProviderConfig) Weight() float64 {
	w := 0.5*c.AccuracyWeight + 0.3*c.SpeedWeight + 0.2*c.CostWeight
	if w <= 0 {
		return 1
	}
	return w
}
