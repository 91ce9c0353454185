package signals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FallbackStrategy decides what a round returns when consensus is too weak.
type FallbackStrategy string

const (
	FallbackSafeHold          FallbackStrategy = "SAFE_HOLD"
	FallbackHighestConfidence FallbackStrategy = "HIGHEST_CONFIDENCE"
	FallbackMajorityVote      FallbackStrategy = "MAJORITY_VOTE"
	FallbackReject            FallbackStrategy = "REJECT"
)

// ParseFallbackStrategy validates a configured strategy name.
func ParseFallbackStrategy(s string) (FallbackStrategy, error) {
	switch f := FallbackStrategy(strings.ToUpper(strings.TrimSpace(s))); f {
	case FallbackSafeHold, FallbackHighestConfidence, FallbackMajorityVote, FallbackReject:
		return f, nil
	}
	return "", fmt.Errorf("unknown fallback strategy %q", s)
}

// EnsembleConfig holds aggregator settings.
type EnsembleConfig struct {
	MinProviders       int
	ConsensusThreshold float64
	FallbackStrategy   FallbackStrategy
	RoundTimeout       time.Duration
	RateWindow         time.Duration
	ErrorHistory       int
}

// DefaultEnsembleConfig returns default ensemble configuration
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		MinProviders:       2,
		ConsensusThreshold: 0.6,
		FallbackStrategy:   FallbackSafeHold,
		RoundTimeout:       30 * time.Second,
		RateWindow:         60 * time.Second,
		ErrorHistory:       100, // per provider
	}
}

// MetricsRecorder receives provider and consensus observations.
type MetricsRecorder interface {
	RecordProviderCall(provider, status string, d time.Duration)
	RecordConsensus(action, fallback string)
}

// ConsensusRequest asks for one ensemble round. Zero values fall back to
// the aggregator configuration; an empty Providers list means all enabled.
type ConsensusRequest struct {
	Symbol             string
	Context            types.MarketContext
	Providers          []string
	MinProviders       int
	ConsensusThreshold float64
	Fallback           FallbackStrategy
}

type registeredProvider struct {
	provider AdvisoryProvider
	config   ProviderConfig
	builder  PromptBuilder
	limiter  *SlidingWindow
	metrics  ProviderMetrics
}

type providerOutcome struct {
	name    string
	signal  *types.Signal
	err     *ProviderError
	skipped bool
}

// Aggregator runs ensemble rounds across registered providers.
type Aggregator struct {
	logger   *zap.Logger
	config   EnsembleConfig
	dedup    *Deduplicator
	recorder MetricsRecorder
	now      func() time.Time

	mu        sync.RWMutex
	providers map[string]*registeredProvider
	order     []string
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorClock overrides the clock used for rate windows.
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// WithAggregatorMetrics attaches a metrics recorder.
func WithAggregatorMetrics(r MetricsRecorder) AggregatorOption {
	return func(a *Aggregator) { a.recorder = r }
}

// NewAggregator creates an aggregator with no providers.
func NewAggregator(logger *zap.Logger, config EnsembleConfig, opts ...AggregatorOption) *Aggregator {
	if config.RoundTimeout <= 0 {
		config.RoundTimeout = 30 * time.Second
	}
	if config.RateWindow <= 0 {
		config.RateWindow = time.Minute
	}
	if config.ErrorHistory <= 0 {
		config.ErrorHistory = 100
	}
	if config.FallbackStrategy == "" {
		config.FallbackStrategy = FallbackSafeHold
	}
	a := &Aggregator{
		logger:    logger.Named("ensemble"),
		config:    config,
		dedup:     NewDeduplicator(),
		now:       time.Now,
		providers: make(map[string]*registeredProvider),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds a provider. A nil builder uses DefaultPromptBuilder.
// Registering an existing name replaces it and resets its metrics.
func (a *Aggregator) Register(p AdvisoryProvider, cfg ProviderConfig, builder PromptBuilder) {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	if builder == nil {
		builder = DefaultPromptBuilder()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.providers[cfg.Name]; !exists {
		a.order = append(a.order, cfg.Name)
	}
	a.providers[cfg.Name] = &registeredProvider{
		provider: p,
		config:   cfg,
		builder:  builder,
		limiter:  NewSlidingWindow(cfg.RequestsPerMinute, a.config.RateWindow),
		metrics:  ProviderMetrics{Name: cfg.Name, Weight: cfg.Weight()},
	}

	a.logger.Info("Registered provider",
		zap.String("provider", cfg.Name),
		zap.Bool("enabled", cfg.Enabled),
		zap.Float64("weight", cfg.Weight()),
		zap.Int("rpm", cfg.RequestsPerMinute))
}

// Providers lists registered provider names in registration order.
func (a *Aggregator) Providers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.order...)
}

// ProviderMetrics returns a snapshot of every provider's metrics.
func (a *Aggregator) ProviderMetrics() []ProviderMetrics {
	now := a.now()
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ProviderMetrics, 0, len(a.order))
	for _, name := range a.order {
		rp := a.providers[name]
		m := rp.metrics.clone()
		m.WindowUsage = rp.limiter.Count(now)
		out = append(out, m)
	}
	return out
}

// GenerateConsensus runs one round and reduces the answers to a consensus.
func (a *Aggregator) GenerateConsensus(ctx context.Context, req ConsensusRequest) (*types.ConsensusSignal, error) {
	minProviders := req.MinProviders
	if minProviders <= 0 {
		minProviders = a.config.MinProviders
	}
	if minProviders <= 0 {
		minProviders = 1
	}
	threshold := req.ConsensusThreshold
	if threshold <= 0 {
		threshold = a.config.ConsensusThreshold
	}
	fallback := req.Fallback
	if fallback == "" {
		fallback = a.config.FallbackStrategy
	}

	selected := a.selectProviders(req.Providers)
	if len(selected) < minProviders {
		return nil, &EnsembleError{
			Kind:    InsufficientProviders,
			Message: fmt.Sprintf("%d providers enabled, need %d", len(selected), minProviders),
		}
	}

	roundCtx, cancel := context.WithTimeout(ctx, a.config.RoundTimeout)
	defer cancel()

	outcomes := make([]providerOutcome, len(selected))
	var g errgroup.Group
	for i, rp := range selected {
		i, rp := i, rp
		g.Go(func() error {
			outcomes[i] = a.callProvider(roundCtx, rp, req.Symbol, req.Context)
			return nil
		})
	}
	_ = g.Wait()

	var (
		signals  []types.Signal
		failures []*ProviderError
		failed   []string
	)
	weights := make(map[string]float64, len(selected))
	for i, o := range outcomes {
		weights[o.name] = selected[i].config.Weight()
		if o.signal != nil {
			signals = append(signals, *o.signal)
			continue
		}
		failed = append(failed, o.name)
		if o.err != nil {
			failures = append(failures, o.err)
		}
	}

	if len(signals) < minProviders {
		a.logger.Warn("Not enough providers responded",
			zap.String("symbol", req.Symbol),
			zap.Int("responded", len(signals)),
			zap.Int("required", minProviders),
			zap.Strings("failed", failed))
		return nil, &EnsembleError{
			Kind:     InsufficientProviders,
			Message:  fmt.Sprintf("%d of %d providers responded, need %d", len(signals), len(selected), minProviders),
			Failures: failures,
		}
	}

	producedAt := a.now()
	winner, consensus := weightedVote(signals, weights)
	result := buildConsensus(req.Symbol, winner, signals, weights, producedAt)
	result.Consensus = consensus
	result.FailedProviders = failed

	if consensus < threshold {
		a.logger.Warn("Consensus below threshold, applying fallback",
			zap.String("symbol", req.Symbol),
			zap.String("action", string(winner)),
			zap.Float64("consensus", consensus),
			zap.Float64("threshold", threshold),
			zap.String("fallback", string(fallback)))

		switch fallback {
		case FallbackReject:
			a.recordConsensus(types.ActionHold, fallback)
			return nil, &EnsembleError{
				Kind:     NoConsensus,
				Message:  fmt.Sprintf("consensus %.3f below threshold %.3f", consensus, threshold),
				Failures: failures,
			}
		case FallbackHighestConfidence:
			best := signals[0]
			for _, s := range signals[1:] {
				if s.Confidence > best.Confidence {
					best = s
				}
			}
			result = buildConsensus(req.Symbol, best.Action, signals, weights, producedAt)
			result.Signal = best
			result.ProducedAt = producedAt
			result.Signal.Reasoning = fmt.Sprintf("highest confidence (%s): %s", best.Provider, best.Reasoning)
			result.Consensus = actionShare(best.Action, signals, weights)
		case FallbackMajorityVote:
			action := majorityVote(signals)
			result = buildConsensus(req.Symbol, action, signals, weights, producedAt)
			result.Consensus = float64(len(result.AgreeingProviders)) / float64(len(signals))
			result.Reasoning = "majority vote: " + result.Reasoning
		default:
			result.Signal = types.Signal{
				Symbol:     req.Symbol,
				Action:     types.ActionHold,
				Confidence: 0,
				Provider:   "ensemble",
				Reasoning:  fmt.Sprintf("consensus %.2f below threshold %.2f, holding", consensus, threshold),
				ProducedAt: result.ProducedAt,
			}
			fallback = FallbackSafeHold
		}
		result.Fallback = string(fallback)
		result.FailedProviders = failed
	}

	result.Signals = signals
	result.TotalCost = decimal.Zero
	for _, s := range signals {
		result.TotalCost = result.TotalCost.Add(s.Cost)
	}

	a.recordConsensus(result.Action, FallbackStrategy(result.Fallback))
	a.logger.Info("Consensus generated",
		zap.String("symbol", req.Symbol),
		zap.String("action", string(result.Action)),
		zap.Float64("confidence", result.Confidence),
		zap.Float64("consensus", result.Consensus),
		zap.Int("responded", len(signals)),
		zap.Int("failed", len(failed)),
		zap.String("fallback", result.Fallback),
		zap.String("cost", result.TotalCost.String()))

	return result, nil
}

func (a *Aggregator) selectProviders(names []string) []*registeredProvider {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(names) == 0 {
		names = a.order
	}
	selected := make([]*registeredProvider, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		rp, ok := a.providers[name]
		if !ok {
			a.logger.Warn("Unknown provider requested", zap.String("provider", name))
			continue
		}
		if !rp.config.Enabled || seen[name] {
			continue
		}
		seen[name] = true
		selected = append(selected, rp)
	}
	return selected
}

func (a *Aggregator) callProvider(ctx context.Context, rp *registeredProvider, symbol string, mctx types.MarketContext) providerOutcome {
	name := rp.config.Name
	out := providerOutcome{name: name}

	if !rp.limiter.Allow(a.now()) {
		a.mu.Lock()
		rp.metrics.Skipped++
		a.mu.Unlock()
		a.logger.Warn("Provider over rate limit, skipping", zap.String("provider", name))
		out.skipped = true
		out.err = NewProviderError(name, CodeRateLimit, errors.New("local rate window exhausted"))
		return out
	}

	request := rp.builder.Build(symbol, mctx)
	if request.Temperature == 0 {
		request.Temperature = rp.config.Temperature
	}
	if request.MaxTokens == 0 {
		request.MaxTokens = rp.config.MaxTokens
	}
	if request.Model == "" {
		request.Model = rp.config.Model
	}

	var ran atomic.Bool
	resp, _, err := a.dedup.Do(ctx, request.dedupKey(name), func() (*Response, error) {
		ran.Store(true)
		rp.limiter.Record(a.now())
		start := time.Now()
		resp, err := a.invoke(ctx, rp, request)
		if err == nil {
			if resp.ResponseTime == 0 {
				resp.ResponseTime = time.Since(start)
			}
			// Parse failures are failures of the shared call.
			if _, perr := ParseSignal(name, symbol, resp); perr != nil {
				resp, err = nil, perr
			}
		}
		a.recordCall(rp, resp, err, time.Since(start))
		return resp, err
	})
	if err != nil {
		out.err = asProviderError(name, err)
		return out
	}
	if !ran.Load() {
		a.mu.Lock()
		rp.metrics.DedupHits++
		a.mu.Unlock()
	}

	sig, err := ParseSignal(name, symbol, resp)
	if err != nil {
		out.err = asProviderError(name, err)
		return out
	}
	out.signal = sig
	return out
}

// invoke calls the provider and abandons it when ctx ends.
func (a *Aggregator) invoke(ctx context.Context, rp *registeredProvider, req Request) (*Response, error) {
	name := rp.config.Name
	type result struct {
		resp *Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := rp.provider.Generate(ctx, req)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, asProviderError(name, r.err)
		}
		if r.resp == nil {
			return nil, NewProviderError(name, CodeParse, errors.New("empty response"))
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, NewProviderError(name, CodeTimeout, ctx.Err())
	}
}

func (a *Aggregator) recordCall(rp *registeredProvider, resp *Response, err error, elapsed time.Duration) {
	now := a.now()
	status := "success"

	a.mu.Lock()
	if err != nil {
		pe := asProviderError(rp.config.Name, err)
		status = pe.Code
		rp.metrics.recordFailure(pe, now, a.config.ErrorHistory)
	} else {
		rp.metrics.recordSuccess(resp, now)
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("Provider call failed",
			zap.String("provider", rp.config.Name),
			zap.String("code", status),
			zap.Error(err))
	}
	if a.recorder != nil {
		a.recorder.RecordProviderCall(rp.config.Name, status, elapsed)
	}
}

func (a *Aggregator) recordConsensus(action types.Action, fallback FallbackStrategy) {
	if a.recorder != nil {
		a.recorder.RecordConsensus(string(action), string(fallback))
	}
}

// weightedVote returns the action with the largest weight x confidence mass
// and its share of the total. A tie for the top mass is a HOLD.
func weightedVote(signals []types.Signal, weights map[string]float64) (types.Action, float64) {
	mass := make(map[types.Action]float64, 3)
	var total float64
	for _, s := range signals {
		m := weights[s.Provider] * s.Confidence
		mass[s.Action] += m
		total += m
	}
	if total <= 0 {
		return types.ActionHold, 0
	}

	var (
		winner types.Action
		top    float64
		tied   bool
	)
	for _, action := range []types.Action{types.ActionBuy, types.ActionSell, types.ActionHold} {
		m := mass[action]
		switch {
		case m > top:
			winner, top, tied = action, m, false
		case m == top && m > 0:
			tied = true
		}
	}
	if tied {
		return types.ActionHold, top / total
	}
	return winner, top / total
}

func actionShare(action types.Action, signals []types.Signal, weights map[string]float64) float64 {
	var part, total float64
	for _, s := range signals {
		m := weights[s.Provider] * s.Confidence
		total += m
		if s.Action == action {
			part += m
		}
	}
	if total <= 0 {
		return 0
	}
	return part / total
}

// majorityVote counts heads; a tie is a HOLD.
func majorityVote(signals []types.Signal) types.Action {
	counts := make(map[types.Action]int, 3)
	for _, s := range signals {
		counts[s.Action]++
	}
	var winner types.Action = types.ActionHold
	top, tied := 0, false
	for _, action := range []types.Action{types.ActionBuy, types.ActionSell, types.ActionHold} {
		c := counts[action]
		switch {
		case c > top:
			winner, top, tied = action, c, false
		case c == top && c > 0:
			tied = true
		}
	}
	if tied {
		return types.ActionHold
	}
	return winner
}

// buildConsensus merges the signals that voted for action.
func buildConsensus(symbol string, action types.Action, signals []types.Signal, weights map[string]float64, at time.Time) *types.ConsensusSignal {
	result := &types.ConsensusSignal{
		Signal: types.Signal{
			Symbol:     symbol,
			Action:     action,
			Provider:   "ensemble",
			ProducedAt: at,
		},
	}

	var (
		weightSum, confSum float64
		entry, stop, take  levelAverage
		reasons            []string
	)
	for _, s := range signals {
		if s.Action != action {
			result.DissentingProviders = append(result.DissentingProviders, s.Provider)
			continue
		}
		result.AgreeingProviders = append(result.AgreeingProviders, s.Provider)
		w := weights[s.Provider]
		weightSum += w
		confSum += w * s.Confidence
		entry.add(s.EntryPrice)
		stop.add(s.StopLoss)
		take.add(s.TakeProfit)
		if s.Reasoning != "" {
			reasons = append(reasons, s.Provider+": "+s.Reasoning)
		}
	}
	sort.Strings(result.AgreeingProviders)
	sort.Strings(result.DissentingProviders)

	if weightSum > 0 {
		result.Confidence = confSum / weightSum
	}
	result.EntryPrice = entry.value()
	result.StopLoss = stop.value()
	result.TakeProfit = take.value()
	result.RiskReward = riskReward(result.EntryPrice, result.StopLoss, result.TakeProfit)
	result.Reasoning = strings.Join(reasons, "; ")
	return result
}

// levelAverage averages the non-zero price levels it sees.
type levelAverage struct {
	sum decimal.Decimal
	n   int64
}

func (l *levelAverage) add(d decimal.Decimal) {
	if d.IsPositive() {
		l.sum = l.sum.Add(d)
		l.n++
	}
}

func (l levelAverage) value() decimal.Decimal {
	if l.n == 0 {
		return decimal.Zero
	}
	return l.sum.Div(decimal.NewFromInt(l.n))
}
