// Package config defines all configuration for the scalping platform.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every key overridable via TRADING_<SECTION>_<KEY> environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"alpaca-scalper/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Crypto   LoopConfig     `mapstructure:"crypto"`
	Equities LoopConfig     `mapstructure:"equities"`
	Order    OrderConfig    `mapstructure:"order"`
	Position PositionConfig `mapstructure:"position"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Candles  CandleConfig   `mapstructure:"candles"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	EventHub EventHubConfig `mapstructure:"event_hub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	TradeLog TradeLogConfig `mapstructure:"trade_log"`
}

// BrokerConfig holds upstream broker endpoints and credentials. The key and
// secret are normally supplied via TRADING_BROKER_API_KEY and
// TRADING_BROKER_API_SECRET rather than the YAML file.
type BrokerConfig struct {
	RESTBaseURL   string        `mapstructure:"rest_base_url"`
	DataBaseURL   string        `mapstructure:"data_base_url"`
	WSStocksURL   string        `mapstructure:"ws_stocks_url"`
	WSCryptoURL   string        `mapstructure:"ws_crypto_url"`
	WSTradingURL  string        `mapstructure:"ws_trading_url"`
	APIKey        string        `mapstructure:"api_key"`
	APISecret     string        `mapstructure:"api_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RateLimitRPM  int           `mapstructure:"rate_limit_rpm"`
	MaxRetriesGET int           `mapstructure:"max_retries_transient"`
}

// LoopConfig tunes one market-mode scheduler loop.
type LoopConfig struct {
	TickIntervalMS  int      `mapstructure:"tick_interval_ms"`
	SignalThreshold float64  `mapstructure:"signal_threshold"`
	Watchlist       []string `mapstructure:"watchlist"`
	Enabled         bool     `mapstructure:"enabled"`
	QueueWhenClosed bool     `mapstructure:"queue_when_closed"`
}

// OrderConfig controls the order manager's dedup and lifecycle windows.
type OrderConfig struct {
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
	TimeoutSeconds  int `mapstructure:"timeout_seconds"`
}

// PositionConfig sets position sizing and the global concurrency cap.
// FixedQty of 0 means notional sizing: account equity × SizePctEquity.
type PositionConfig struct {
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	SizePctEquity float64 `mapstructure:"size_pct_equity"`
	FixedQty      float64 `mapstructure:"fixed_qty"`
}

// RiskConfig sets session-level hard limits. DailyLossLimit of 0 disables
// the loss halt.
type RiskConfig struct {
	DailyLossLimit       float64 `mapstructure:"daily_loss_limit"`
	ShutdownGraceSeconds int     `mapstructure:"shutdown_grace_seconds"`
}

// CandleConfig sets per-symbol buffer capacity and the history seed.
type CandleConfig struct {
	BufferSize int    `mapstructure:"buffer_size"`
	Timeframe  string `mapstructure:"timeframe"`
	SeedBars   int    `mapstructure:"seed_bars"`
}

// StrategyConfig tunes the StochRSI + EMA confluence evaluator.
//
//   - Stoch: StochRSI periods, smoothing, and the oversold/overbought gates.
//   - EMA: fast/slow periods for trend confirmation.
//   - Volume: v >= ratio * SMA(v) confirmation filter.
//   - DynamicBands: widen the gates when ATR runs above its baseline.
type StrategyConfig struct {
	Stoch        StochConfig        `mapstructure:"stoch"`
	EMA          EMAConfig          `mapstructure:"ema"`
	Volume       VolumeConfig       `mapstructure:"volume"`
	DynamicBands DynamicBandsConfig `mapstructure:"dynamic_bands"`
}

type StochConfig struct {
	RSIPeriod       int     `mapstructure:"rsi_period"`
	StochPeriod     int     `mapstructure:"stoch_period"`
	KSmooth         int     `mapstructure:"k_smooth"`
	DSmooth         int     `mapstructure:"d_smooth"`
	OversoldUpper   float64 `mapstructure:"oversold_upper"`
	OverboughtLower float64 `mapstructure:"overbought_lower"`
}

type EMAConfig struct {
	Fast       int `mapstructure:"fast"`
	Slow       int `mapstructure:"slow"`
	SlopeBars  int `mapstructure:"slope_bars"`
	ATRPeriod  int `mapstructure:"atr_period"`
	VolSMALen  int `mapstructure:"vol_sma_len"`
	BaseVolWin int `mapstructure:"base_volatility_window"`
}

type VolumeConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Ratio   float64 `mapstructure:"ratio"`
}

type DynamicBandsConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Sensitivity float64 `mapstructure:"sensitivity"`
}

// EventHubConfig sizes the client fan-out hub.
type EventHubConfig struct {
	OutboxSize   int `mapstructure:"outbox_size"`
	RecentTrades int `mapstructure:"recent_trades"`
}

// ServerConfig controls the client-facing REST/WS server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TradeLogConfig points the optional append-only trade log at a directory.
// Empty dir disables it.
type TradeLogConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads config from a YAML file with TRADING_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials always win from env
	if key := os.Getenv("TRADING_BROKER_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("TRADING_BROKER_API_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if os.Getenv("TRADING_DRY_RUN") == "true" || os.Getenv("TRADING_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	// Canonicalize watchlists at the ingress boundary
	for i, s := range cfg.Crypto.Watchlist {
		cfg.Crypto.Watchlist[i] = types.CanonicalSymbol(s)
	}
	for i, s := range cfg.Equities.Watchlist {
		cfg.Equities.Watchlist[i] = types.CanonicalSymbol(s)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.rate_limit_rpm", 200)
	v.SetDefault("broker.max_retries_transient", 3)

	v.SetDefault("crypto.tick_interval_ms", 1500)
	v.SetDefault("crypto.signal_threshold", 0.70)
	v.SetDefault("crypto.enabled", true)
	v.SetDefault("equities.tick_interval_ms", 10000)
	v.SetDefault("equities.signal_threshold", 0.75)
	v.SetDefault("equities.enabled", true)

	v.SetDefault("order.cooldown_seconds", 30)
	v.SetDefault("order.timeout_seconds", 60)

	v.SetDefault("position.max_concurrent", 5)
	v.SetDefault("position.size_pct_equity", 0.005)

	v.SetDefault("risk.shutdown_grace_seconds", 10)

	v.SetDefault("candles.buffer_size", 500)
	v.SetDefault("candles.timeframe", "1Min")
	v.SetDefault("candles.seed_bars", 200)

	v.SetDefault("strategy.stoch.rsi_period", 14)
	v.SetDefault("strategy.stoch.stoch_period", 14)
	v.SetDefault("strategy.stoch.k_smooth", 3)
	v.SetDefault("strategy.stoch.d_smooth", 3)
	v.SetDefault("strategy.stoch.oversold_upper", 35)
	v.SetDefault("strategy.stoch.overbought_lower", 65)
	v.SetDefault("strategy.ema.fast", 3)
	v.SetDefault("strategy.ema.slow", 8)
	v.SetDefault("strategy.ema.slope_bars", 3)
	v.SetDefault("strategy.ema.atr_period", 14)
	v.SetDefault("strategy.ema.vol_sma_len", 20)
	v.SetDefault("strategy.ema.base_volatility_window", 100)
	v.SetDefault("strategy.volume.enabled", true)
	v.SetDefault("strategy.volume.ratio", 1.2)
	v.SetDefault("strategy.dynamic_bands.enabled", false)
	v.SetDefault("strategy.dynamic_bands.sensitivity", 0.5)

	v.SetDefault("event_hub.outbox_size", 256)
	v.SetDefault("event_hub.recent_trades", 500)

	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required (set TRADING_BROKER_API_KEY)")
		}
		if c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_secret is required (set TRADING_BROKER_API_SECRET)")
		}
	}
	if c.Broker.RESTBaseURL == "" {
		return fmt.Errorf("broker.rest_base_url is required")
	}
	if c.Crypto.TickIntervalMS <= 0 || c.Equities.TickIntervalMS <= 0 {
		return fmt.Errorf("tick_interval_ms must be > 0")
	}
	if c.Crypto.SignalThreshold < 0 || c.Crypto.SignalThreshold > 1 ||
		c.Equities.SignalThreshold < 0 || c.Equities.SignalThreshold > 1 {
		return fmt.Errorf("signal_threshold must be in [0, 1]")
	}
	if c.Order.CooldownSeconds < 0 {
		return fmt.Errorf("order.cooldown_seconds must be >= 0")
	}
	if c.Order.TimeoutSeconds <= 0 {
		return fmt.Errorf("order.timeout_seconds must be > 0")
	}
	if c.Position.MaxConcurrent <= 0 {
		return fmt.Errorf("position.max_concurrent must be > 0")
	}
	if c.Position.SizePctEquity <= 0 && c.Position.FixedQty <= 0 {
		return fmt.Errorf("position sizing requires size_pct_equity or fixed_qty")
	}
	if c.Candles.BufferSize < 2 {
		return fmt.Errorf("candles.buffer_size must be >= 2")
	}
	if c.Strategy.EMA.Fast >= c.Strategy.EMA.Slow {
		return fmt.Errorf("strategy.ema.fast must be < strategy.ema.slow")
	}
	if c.Strategy.Stoch.OversoldUpper >= c.Strategy.Stoch.OverboughtLower {
		return fmt.Errorf("strategy.stoch.oversold_upper must be < overbought_lower")
	}
	if c.EventHub.OutboxSize <= 0 || c.EventHub.RecentTrades <= 0 {
		return fmt.Errorf("event_hub sizes must be > 0")
	}
	return nil
}

// TickInterval returns the scheduler period for a market mode.
func (c *Config) TickInterval(mode types.MarketMode) time.Duration {
	if mode == types.ModeCrypto {
		return time.Duration(c.Crypto.TickIntervalMS) * time.Millisecond
	}
	return time.Duration(c.Equities.TickIntervalMS) * time.Millisecond
}

// Cooldown returns the order dedup window as a duration.
func (c OrderConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// Timeout returns the unfilled-cancel window as a duration.
func (c OrderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ShutdownGrace returns the bounded shutdown window as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Risk.ShutdownGraceSeconds) * time.Second
}
