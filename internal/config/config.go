// Package config loads the decision engine configuration from YAML and the
// environment and converts it into the per-component configuration structs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/cache"
	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/internal/execution"
	"github.com/atlas-desktop/decision-engine/internal/execution/adapters"
	"github.com/atlas-desktop/decision-engine/internal/optimization"
	"github.com/atlas-desktop/decision-engine/internal/orchestrator"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/signals"
	"github.com/atlas-desktop/decision-engine/internal/workers"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DECISION_ENGINE_SERVER_PORT.
const EnvPrefix = "DECISION_ENGINE"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Volatility VolatilityConfig `mapstructure:"volatility"`
	Ensemble   EnsembleConfig   `mapstructure:"ensemble"`
	Threshold  ThresholdConfig  `mapstructure:"threshold"`
	Router     RouterConfig     `mapstructure:"router"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RiskConfig holds base risk parameters, all fractions of portfolio value.
type RiskConfig struct {
	PortfolioValue  float64    `mapstructure:"portfolio_value"`
	RiskPerTrade    float64    `mapstructure:"risk_per_trade"`
	MaxDailyLoss    float64    `mapstructure:"max_daily_loss"`
	DefaultStopLoss float64    `mapstructure:"default_stop_loss"`
	TakeProfitRatio float64    `mapstructure:"take_profit_ratio"`
	ATRStopMultiple float64    `mapstructure:"atr_stop_multiple"`
	MaxPositions    int        `mapstructure:"max_positions"`
	MinNotional     float64    `mapstructure:"min_notional"`
	Timezone        string     `mapstructure:"timezone"`
	AuditLimit      int        `mapstructure:"audit_limit"`
	Bounds          RiskBounds `mapstructure:"bounds"`
}

// RiskBounds clamp the volatility-adapted parameters.
type RiskBounds struct {
	MinRiskPerTrade       float64 `mapstructure:"min_risk_per_trade"`
	MaxRiskPerTrade       float64 `mapstructure:"max_risk_per_trade"`
	MinDailyLoss          float64 `mapstructure:"min_daily_loss"`
	MaxDailyLoss          float64 `mapstructure:"max_daily_loss"`
	MinStopLossMultiplier float64 `mapstructure:"min_stop_loss_multiplier"`
	MaxStopLossMultiplier float64 `mapstructure:"max_stop_loss_multiplier"`
	MinPositions          int     `mapstructure:"min_positions"`
	MaxPositions          int     `mapstructure:"max_positions"`
}

// VolatilityConfig configures the volatility classifier.
type VolatilityConfig struct {
	Lookback    int `mapstructure:"lookback"`
	HistorySize int `mapstructure:"history_size"`
	ATRPeriod   int `mapstructure:"atr_period"`
}

// EnsembleConfig configures the advisory ensemble and its providers.
type EnsembleConfig struct {
	MinProviders       int              `mapstructure:"min_providers"`
	ConsensusThreshold float64          `mapstructure:"consensus_threshold"`
	FallbackStrategy   string           `mapstructure:"fallback_strategy"`
	RoundTimeout       time.Duration    `mapstructure:"round_timeout"`
	Providers          []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig describes one OpenAI-compatible advisory endpoint.
type ProviderConfig struct {
	Name              string        `mapstructure:"name"`
	Enabled           bool          `mapstructure:"enabled"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	APIKeyEnv         string        `mapstructure:"api_key_env"`
	AccuracyWeight    float64       `mapstructure:"accuracy_weight"`
	SpeedWeight       float64       `mapstructure:"speed_weight"`
	CostWeight        float64       `mapstructure:"cost_weight"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	CostPer1KTokens   float64       `mapstructure:"cost_per_1k_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// ThresholdConfig configures the confidence threshold optimizer.
type ThresholdConfig struct {
	Base            float64 `mapstructure:"base"`
	Min             float64 `mapstructure:"min"`
	Max             float64 `mapstructure:"max"`
	RiskTolerance   string  `mapstructure:"risk_tolerance"`
	ReoptimizeEvery int     `mapstructure:"reoptimize_every"`
	TargetFrequency float64 `mapstructure:"target_frequency"`
	MinSamples      int     `mapstructure:"min_samples"`
	HistoryLimit    int     `mapstructure:"history_limit"`
}

// RouterConfig configures routing and arbitrage detection.
type RouterConfig struct {
	MinArbitrageSpread float64          `mapstructure:"min_arbitrage_spread"`
	OpportunityTTL     time.Duration    `mapstructure:"opportunity_ttl"`
	QuoteTimeout       time.Duration    `mapstructure:"quote_timeout"`
	MaxFallbacks       int              `mapstructure:"max_fallbacks"`
	Exchanges          []ExchangeConfig `mapstructure:"exchanges"`
}

// ExchangeConfig describes one venue. Paper venues quote from BaseURL but
// fill in memory.
type ExchangeConfig struct {
	Name              string             `mapstructure:"name"`
	BaseURL           string             `mapstructure:"base_url"`
	Testnet           bool               `mapstructure:"testnet"`
	APIKeyEnv         string             `mapstructure:"api_key_env"`
	APISecretEnv      string             `mapstructure:"api_secret_env"`
	MakerFee          float64            `mapstructure:"maker_fee"`
	TakerFee          float64            `mapstructure:"taker_fee"`
	LatencyMs         int                `mapstructure:"latency_ms"`
	Reliability       float64            `mapstructure:"reliability"`
	RequestsPerMinute int                `mapstructure:"requests_per_minute"`
	Paper             bool               `mapstructure:"paper"`
	Balances          map[string]float64 `mapstructure:"balances"`
}

// EngineConfig configures the decision loop.
type EngineConfig struct {
	Symbols           []string      `mapstructure:"symbols"`
	Interval          time.Duration `mapstructure:"interval"`
	ArbitrageInterval time.Duration `mapstructure:"arbitrage_interval"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	RoundTimeout      time.Duration `mapstructure:"round_timeout"`
	Workers           int           `mapstructure:"workers"`
	CandleInterval    string        `mapstructure:"candle_interval"`
	CandleLimit       int           `mapstructure:"candle_limit"`
}

// StorageConfig configures the sqlite database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig configures the optional shared cooldown store.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	gw := risk.DefaultGatewayConfig()
	cls := regime.DefaultClassifierConfig()
	ens := signals.DefaultEnsembleConfig()
	th := optimization.DefaultThresholdConfig()
	rt := execution.DefaultRouterConfig()
	eng := orchestrator.DefaultEngineConfig()
	feed := data.DefaultFeedConfig()
	rd := cache.DefaultRedisConfig()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("risk.portfolio_value", gw.PortfolioValue.InexactFloat64())
	v.SetDefault("risk.risk_per_trade", gw.Base.RiskPerTrade.InexactFloat64())
	v.SetDefault("risk.max_daily_loss", gw.Base.MaxDailyLoss.InexactFloat64())
	v.SetDefault("risk.default_stop_loss", gw.Base.DefaultStopLoss.InexactFloat64())
	v.SetDefault("risk.take_profit_ratio", gw.Base.TakeProfitRatio.InexactFloat64())
	v.SetDefault("risk.atr_stop_multiple", gw.Base.ATRStopMultiple.InexactFloat64())
	v.SetDefault("risk.max_positions", gw.Base.MaxPositions)
	v.SetDefault("risk.min_notional", gw.MinNotional.InexactFloat64())
	v.SetDefault("risk.timezone", gw.Timezone)
	v.SetDefault("risk.audit_limit", gw.AuditLimit)
	b := gw.Base.Bounds
	v.SetDefault("risk.bounds.min_risk_per_trade", b.MinRiskPerTrade.InexactFloat64())
	v.SetDefault("risk.bounds.max_risk_per_trade", b.MaxRiskPerTrade.InexactFloat64())
	v.SetDefault("risk.bounds.min_daily_loss", b.MinDailyLoss.InexactFloat64())
	v.SetDefault("risk.bounds.max_daily_loss", b.MaxDailyLoss.InexactFloat64())
	v.SetDefault("risk.bounds.min_stop_loss_multiplier", b.MinStopLossMultiplier.InexactFloat64())
	v.SetDefault("risk.bounds.max_stop_loss_multiplier", b.MaxStopLossMultiplier.InexactFloat64())
	v.SetDefault("risk.bounds.min_positions", b.MinPositions)
	v.SetDefault("risk.bounds.max_positions", b.MaxPositions)

	v.SetDefault("volatility.lookback", cls.Lookback)
	v.SetDefault("volatility.history_size", cls.HistorySize)
	v.SetDefault("volatility.atr_period", cls.ATRPeriod)

	v.SetDefault("ensemble.min_providers", ens.MinProviders)
	v.SetDefault("ensemble.consensus_threshold", ens.ConsensusThreshold)
	v.SetDefault("ensemble.fallback_strategy", string(ens.FallbackStrategy))
	v.SetDefault("ensemble.round_timeout", ens.RoundTimeout)

	v.SetDefault("threshold.base", th.Base)
	v.SetDefault("threshold.min", th.Min)
	v.SetDefault("threshold.max", th.Max)
	v.SetDefault("threshold.risk_tolerance", string(th.RiskTolerance))
	v.SetDefault("threshold.reoptimize_every", th.ReoptimizeEvery)
	v.SetDefault("threshold.target_frequency", th.TargetFrequency)
	v.SetDefault("threshold.min_samples", th.MinSamples)
	v.SetDefault("threshold.history_limit", th.HistoryLimit)

	v.SetDefault("router.min_arbitrage_spread", rt.MinArbitrageSpread.InexactFloat64())
	v.SetDefault("router.opportunity_ttl", rt.OpportunityTTL)
	v.SetDefault("router.quote_timeout", rt.QuoteTimeout)
	v.SetDefault("router.max_fallbacks", rt.MaxFallbacks)

	v.SetDefault("engine.symbols", []string{"BTC/USDT"})
	v.SetDefault("engine.interval", eng.Interval)
	v.SetDefault("engine.arbitrage_interval", eng.ArbitrageInterval)
	v.SetDefault("engine.cooldown", eng.Cooldown)
	v.SetDefault("engine.round_timeout", eng.RoundTimeout)
	v.SetDefault("engine.workers", eng.Pool.NumWorkers)
	v.SetDefault("engine.candle_interval", feed.Interval)
	v.SetDefault("engine.candle_limit", feed.Limit)

	v.SetDefault("storage.path", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", rd.Addr)
	v.SetDefault("redis.db", rd.DB)
	v.SetDefault("redis.key_prefix", rd.KeyPrefix)
}

// normalize fills per-item defaults viper cannot express for list entries.
func (c *Config) normalize() {
	for i := range c.Ensemble.Providers {
		p := &c.Ensemble.Providers[i]
		def := signals.DefaultProviderConfig(p.Name)
		if p.AccuracyWeight == 0 && p.SpeedWeight == 0 && p.CostWeight == 0 {
			p.AccuracyWeight, p.SpeedWeight, p.CostWeight = def.AccuracyWeight, def.SpeedWeight, def.CostWeight
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = def.MaxTokens
		}
		if p.RequestsPerMinute == 0 {
			p.RequestsPerMinute = def.RequestsPerMinute
		}
	}
	for i := range c.Router.Exchanges {
		e := &c.Router.Exchanges[i]
		if e.Reliability == 0 {
			e.Reliability = 0.95
		}
		if e.LatencyMs == 0 {
			e.LatencyMs = 100
		}
	}
	for i, s := range c.Engine.Symbols {
		c.Engine.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	if c.Risk.PortfolioValue <= 0 {
		return fmt.Errorf("risk.portfolio_value must be positive")
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade >= 1 {
		return fmt.Errorf("risk.risk_per_trade must be between 0 and 1")
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss >= 1 {
		return fmt.Errorf("risk.max_daily_loss must be between 0 and 1")
	}
	if c.Risk.DefaultStopLoss <= 0 || c.Risk.DefaultStopLoss >= 1 {
		return fmt.Errorf("risk.default_stop_loss must be between 0 and 1")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be positive")
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		return fmt.Errorf("risk.timezone is invalid: %w", err)
	}

	if c.Volatility.Lookback < 2 {
		return fmt.Errorf("volatility.lookback must be at least 2")
	}
	if c.Volatility.HistorySize <= 0 {
		return fmt.Errorf("volatility.history_size must be positive")
	}

	if c.Ensemble.MinProviders <= 0 {
		return fmt.Errorf("ensemble.min_providers must be positive")
	}
	if c.Ensemble.ConsensusThreshold <= 0 || c.Ensemble.ConsensusThreshold > 1 {
		return fmt.Errorf("ensemble.consensus_threshold must be in (0, 1]")
	}
	if _, err := signals.ParseFallbackStrategy(c.Ensemble.FallbackStrategy); err != nil {
		return fmt.Errorf("ensemble.fallback_strategy: %w", err)
	}
	seen := make(map[string]bool)
	for _, p := range c.Ensemble.Providers {
		if p.Name == "" {
			return fmt.Errorf("ensemble.providers: name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("ensemble.providers: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("ensemble.providers[%s].base_url is required", p.Name)
		}
	}

	if c.Threshold.Min <= 0 || c.Threshold.Max > 1 || c.Threshold.Min >= c.Threshold.Max {
		return fmt.Errorf("threshold.min and threshold.max must satisfy 0 < min < max <= 1")
	}
	if c.Threshold.Base < c.Threshold.Min || c.Threshold.Base > c.Threshold.Max {
		return fmt.Errorf("threshold.base must be within [threshold.min, threshold.max]")
	}
	if _, err := optimization.ParseRiskTolerance(c.Threshold.RiskTolerance); err != nil {
		return fmt.Errorf("threshold.risk_tolerance: %w", err)
	}

	if c.Router.MinArbitrageSpread < 0 {
		return fmt.Errorf("router.min_arbitrage_spread must be non-negative")
	}
	seen = make(map[string]bool)
	for _, e := range c.Router.Exchanges {
		if e.Name == "" {
			return fmt.Errorf("router.exchanges: name is required")
		}
		if seen[e.Name] {
			return fmt.Errorf("router.exchanges: duplicate exchange %q", e.Name)
		}
		seen[e.Name] = true
		if e.Reliability < 0 || e.Reliability > 1 {
			return fmt.Errorf("router.exchanges[%s].reliability must be between 0 and 1", e.Name)
		}
		if e.TakerFee < 0 || e.MakerFee < 0 {
			return fmt.Errorf("router.exchanges[%s] fees must be non-negative", e.Name)
		}
	}

	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must not be empty")
	}
	for _, s := range c.Engine.Symbols {
		if s == "" {
			return fmt.Errorf("engine.symbols must not contain empty entries")
		}
	}
	if c.Engine.Interval <= 0 {
		return fmt.Errorf("engine.interval must be positive")
	}
	if c.Engine.Cooldown < 0 {
		return fmt.Errorf("engine.cooldown must be non-negative")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Engine.CandleLimit <= 0 {
		return fmt.Errorf("engine.candle_limit must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Gateway converts the risk section.
func (c RiskConfig) Gateway() risk.GatewayConfig {
	gw := risk.DefaultGatewayConfig()
	gw.PortfolioValue = dec(c.PortfolioValue)
	gw.MinNotional = dec(c.MinNotional)
	gw.Timezone = c.Timezone
	gw.AuditLimit = c.AuditLimit
	gw.Base = regime.RiskBase{
		RiskPerTrade:    dec(c.RiskPerTrade),
		MaxDailyLoss:    dec(c.MaxDailyLoss),
		DefaultStopLoss: dec(c.DefaultStopLoss),
		TakeProfitRatio: dec(c.TakeProfitRatio),
		MaxPositions:    c.MaxPositions,
		ATRStopMultiple: dec(c.ATRStopMultiple),
		Bounds: regime.RiskBounds{
			MinRiskPerTrade:       dec(c.Bounds.MinRiskPerTrade),
			MaxRiskPerTrade:       dec(c.Bounds.MaxRiskPerTrade),
			MinDailyLoss:          dec(c.Bounds.MinDailyLoss),
			MaxDailyLoss:          dec(c.Bounds.MaxDailyLoss),
			MinStopLossMultiplier: dec(c.Bounds.MinStopLossMultiplier),
			MaxStopLossMultiplier: dec(c.Bounds.MaxStopLossMultiplier),
			MinPositions:          c.Bounds.MinPositions,
			MaxPositions:          c.Bounds.MaxPositions,
		},
	}
	return gw
}

// Classifier converts the volatility section.
func (c VolatilityConfig) Classifier() regime.ClassifierConfig {
	cfg := regime.DefaultClassifierConfig()
	cfg.Lookback = c.Lookback
	cfg.HistorySize = c.HistorySize
	cfg.ATRPeriod = c.ATRPeriod
	return cfg
}

// Aggregator converts the ensemble section.
func (c EnsembleConfig) Aggregator() signals.EnsembleConfig {
	cfg := signals.DefaultEnsembleConfig()
	cfg.MinProviders = c.MinProviders
	cfg.ConsensusThreshold = c.ConsensusThreshold
	cfg.RoundTimeout = c.RoundTimeout
	if fs, err := signals.ParseFallbackStrategy(c.FallbackStrategy); err == nil {
		cfg.FallbackStrategy = fs
	}
	return cfg
}

// Provider returns the ensemble registration settings.
func (p ProviderConfig) Provider() signals.ProviderConfig {
	cfg := signals.DefaultProviderConfig(p.Name)
	cfg.Enabled = p.Enabled
	cfg.AccuracyWeight = p.AccuracyWeight
	cfg.SpeedWeight = p.SpeedWeight
	cfg.CostWeight = p.CostWeight
	cfg.Temperature = p.Temperature
	cfg.MaxTokens = p.MaxTokens
	cfg.Model = p.Model
	cfg.RequestsPerMinute = p.RequestsPerMinute
	return cfg
}

// HTTP returns the client settings, reading the API key from APIKeyEnv.
func (p ProviderConfig) HTTP() signals.HTTPProviderConfig {
	var key string
	if p.APIKeyEnv != "" {
		key = os.Getenv(p.APIKeyEnv)
	}
	return signals.HTTPProviderConfig{
		Name:            p.Name,
		BaseURL:         p.BaseURL,
		APIKey:          key,
		Model:           p.Model,
		CostPer1KTokens: dec(p.CostPer1KTokens),
		Timeout:         p.Timeout,
	}
}

// Optimizer converts the threshold section.
func (c ThresholdConfig) Optimizer(timezone string) optimization.ThresholdConfig {
	cfg := optimization.DefaultThresholdConfig()
	cfg.Base = c.Base
	cfg.Min = c.Min
	cfg.Max = c.Max
	cfg.ReoptimizeEvery = c.ReoptimizeEvery
	cfg.TargetFrequency = c.TargetFrequency
	cfg.MinSamples = c.MinSamples
	cfg.HistoryLimit = c.HistoryLimit
	if rt, err := optimization.ParseRiskTolerance(c.RiskTolerance); err == nil {
		cfg.RiskTolerance = rt
	}
	if loc, err := time.LoadLocation(timezone); err == nil {
		cfg.Location = loc
	}
	return cfg
}

// Routing converts the router section.
func (c RouterConfig) Routing() execution.RouterConfig {
	cfg := execution.DefaultRouterConfig()
	cfg.MinArbitrageSpread = dec(c.MinArbitrageSpread)
	cfg.OpportunityTTL = c.OpportunityTTL
	cfg.QuoteTimeout = c.QuoteTimeout
	cfg.MaxFallbacks = c.MaxFallbacks
	return cfg
}

// Info returns the static routing attributes of the venue.
func (e ExchangeConfig) Info() execution.ExchangeInfo {
	return execution.ExchangeInfo{
		Name:        e.Name,
		MakerFee:    dec(e.MakerFee),
		TakerFee:    dec(e.TakerFee),
		Latency:     time.Duration(e.LatencyMs) * time.Millisecond,
		Reliability: e.Reliability,
	}
}

// Binance returns the adapter settings, reading credentials from the
// configured environment variables.
func (e ExchangeConfig) Binance() adapters.BinanceConfig {
	cfg := adapters.BinanceConfig{
		Name:              e.Name,
		BaseURL:           e.BaseURL,
		Testnet:           e.Testnet,
		RequestsPerMinute: e.RequestsPerMinute,
	}
	if e.APIKeyEnv != "" {
		cfg.APIKey = os.Getenv(e.APIKeyEnv)
	}
	if e.APISecretEnv != "" {
		cfg.APISecret = os.Getenv(e.APISecretEnv)
	}
	return cfg
}

// PaperSettings returns the in-memory fill settings for a paper venue.
func (e ExchangeConfig) PaperSettings() adapters.PaperConfig {
	balances := make(map[string]decimal.Decimal, len(e.Balances))
	for asset, amt := range e.Balances {
		balances[strings.ToUpper(asset)] = dec(amt)
	}
	return adapters.PaperConfig{
		Name:     e.Name,
		TakerFee: dec(e.TakerFee),
		Balances: balances,
	}
}

// Orchestrator converts the engine section.
func (c *Config) Orchestrator() orchestrator.EngineConfig {
	cfg := orchestrator.DefaultEngineConfig()
	cfg.Symbols = append([]string(nil), c.Engine.Symbols...)
	cfg.Interval = c.Engine.Interval
	cfg.ArbitrageInterval = c.Engine.ArbitrageInterval
	cfg.Cooldown = c.Engine.Cooldown
	cfg.RoundTimeout = c.Engine.RoundTimeout
	if rt, err := optimization.ParseRiskTolerance(c.Threshold.RiskTolerance); err == nil {
		cfg.RiskTolerance = rt
	}
	pool := workers.DefaultPoolConfig("evaluations")
	pool.NumWorkers = c.Engine.Workers
	pool.TaskTimeout = c.Engine.RoundTimeout + 5*time.Second
	cfg.Pool = pool
	return cfg
}

// Feed converts the candle settings of the engine section.
func (c EngineConfig) Feed() data.FeedConfig {
	cfg := data.DefaultFeedConfig()
	cfg.Interval = c.CandleInterval
	cfg.Limit = c.CandleLimit
	return cfg
}

// Cache converts the redis section.
func (c RedisConfig) Cache() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:      c.Addr,
		Password:  c.Password,
		DB:        c.DB,
		KeyPrefix: c.KeyPrefix,
	}
}
