package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultSystemMessage = "You are a disciplined crypto market analyst. Base every answer only on the data provided and answer in the requested JSON format."

// HTTPProviderConfig configures an OpenAI-compatible chat completions provider.
type HTTPProviderConfig struct {
	Name            string
	BaseURL         string // e.g. https://api.openai.com/v1
	APIKey          string
	Model           string
	SystemMessage   string
	CostPer1KTokens decimal.Decimal
	Timeout         time.Duration
}

// HTTPProvider is an AdvisoryProvider backed by a chat completions endpoint.
type HTTPProvider struct {
	logger *zap.Logger
	config HTTPProviderConfig
	client *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewHTTPProvider creates a chat completions provider.
func NewHTTPProvider(logger *zap.Logger, config HTTPProviderConfig) *HTTPProvider {
	if config.SystemMessage == "" {
		config.SystemMessage = defaultSystemMessage
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &HTTPProvider{
		logger: logger.Named("llm-provider").With(zap.String("provider", config.Name)),
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider name.
func (p *HTTPProvider) Name() string { return p.config.Name }

// Generate sends req as a single-turn chat completion.
func (p *HTTPProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	user := req.Prompt
	if req.Context != "" {
		user = req.Prompt + "\n\nContext:\n" + req.Context
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: p.config.SystemMessage},
			{Role: "user", Content: user},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, NewProviderError(p.config.Name, CodeBadRequest, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(p.config.Name, CodeBadRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, NewProviderError(p.config.Name, CodeTimeout, err)
		}
		return nil, NewProviderError(p.config.Name, CodeNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewProviderError(p.config.Name, CodeNetwork, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewProviderError(p.config.Name, codeForStatus(resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError(p.config.Name, CodeParse, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, NewProviderError(p.config.Name, CodeParse, errors.New("no choices in response"))
	}

	elapsed := time.Since(start)
	cost := p.config.CostPer1KTokens.Mul(decimal.NewFromInt(int64(parsed.Usage.TotalTokens))).Div(decimal.NewFromInt(1000))

	p.logger.Debug("Provider responded",
		zap.Duration("latency", elapsed),
		zap.Int("tokens", parsed.Usage.TotalTokens))

	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		Cost:         cost,
		ResponseTime: elapsed,
		Model:        parsed.Model,
		TokensUsed:   parsed.Usage.TotalTokens,
	}, nil
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeServer
	default:
		return CodeBadRequest
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
