// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trade_engine/internal/core"
)

// Config is the fully resolved parameter set handed to the engine. The
// engine core never reads files or environment itself; everything is
// resolved here at load time.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Strategy StrategyConfig `yaml:"strategy"`
	Risk     RiskConfig     `yaml:"risk"`
	Trading  TradingConfig  `yaml:"trading"`
	Engine   EngineConfig   `yaml:"engine"`
	Events   EventsConfig   `yaml:"events"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Mode     string   `yaml:"mode"`     // backtest | paper | live
	Markets  []string `yaml:"markets"`  // e.g. KRW-BTC
	Interval string   `yaml:"interval"` // 1m, 3m, 5m, 15m, 30m, 60m, 240m
	LogLevel string   `yaml:"log_level"`
}

// ExchangeConfig contains exchange credentials and endpoints. Keys are
// normally provided via ${UPBIT_ACCESS_KEY} style env expansion.
type ExchangeConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	RestURL   string `yaml:"rest_url"`
	WsURL     string `yaml:"ws_url"`
}

// StrategyConfig names the strategy and its parameter map.
type StrategyConfig struct {
	Name   string                 `yaml:"name"`
	Params map[string]interface{} `yaml:"params"`
}

// RiskConfig contains the per-run risk limit set.
type RiskConfig struct {
	MaxPositionValueRatio  float64  `yaml:"max_position_value_ratio"`
	MaxDailyLossRatio      float64  `yaml:"max_daily_loss_ratio"`
	MaxConcurrentPositions int      `yaml:"max_concurrent_positions"`
	CooldownBars           int      `yaml:"cooldown_bars"`
	StopLossPct            float64  `yaml:"stop_loss_pct"`
	TakeProfitPct          float64  `yaml:"take_profit_pct"`
	UseATRStop             bool     `yaml:"use_atr_stop"`
	ATRPeriod              int      `yaml:"atr_period"`
	ATRStopMult            float64  `yaml:"atr_stop_mult"`
	ATRTrailingMult        float64  `yaml:"atr_trailing_mult"`
	PartialTPPct           float64  `yaml:"partial_tp_pct"`
	PartialTPRatio         float64  `yaml:"partial_tp_ratio"`
	AllowedHours           []string `yaml:"allowed_hours"`
	Timezone               string   `yaml:"timezone"`
}

// TradingConfig contains fees and capital.
type TradingConfig struct {
	Capital  float64 `yaml:"capital"`
	Fee      float64 `yaml:"fee"`
	Slippage float64 `yaml:"slippage"`
}

// EngineConfig contains pipeline tuning knobs.
type EngineConfig struct {
	PrefetchBars  int    `yaml:"prefetch_bars"`
	FillGaps      *bool  `yaml:"fill_gaps"` // default true
	InboxSize     int    `yaml:"inbox_size"`
	HistoryLimit  int    `yaml:"history_limit"`
	EvalWorkers   int    `yaml:"eval_workers"`
	Seed          int64  `yaml:"seed"`
	JournalPath   string `yaml:"journal_path"`
	SimulatedBars int    `yaml:"simulated_bars"`
}

// EventsConfig configures the event sink.
type EventsConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	BufferSize    int  `yaml:"buffer_size"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references with environment values.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// LoadConfig loads a YAML configuration file with env expansion and
// validation.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

var validIntervals = map[string]time.Duration{
	"1m":   time.Minute,
	"3m":   3 * time.Minute,
	"5m":   5 * time.Minute,
	"15m":  15 * time.Minute,
	"30m":  30 * time.Minute,
	"60m":  time.Hour,
	"240m": 4 * time.Hour,
}

// IntervalDuration returns the bar interval as a duration.
func (c *Config) IntervalDuration() time.Duration {
	return validIntervals[c.App.Interval]
}

// IntervalMinutes returns the Upbit minute-candle unit.
func (c *Config) IntervalMinutes() int {
	return int(validIntervals[c.App.Interval] / time.Minute)
}

// RiskLimits maps the risk section onto the run's immutable limit set.
func (c *Config) RiskLimits() core.RiskLimits {
	return core.RiskLimits{
		MaxPositionValueRatio:  c.Risk.MaxPositionValueRatio,
		MaxDailyLossRatio:      c.Risk.MaxDailyLossRatio,
		MaxConcurrentPositions: c.Risk.MaxConcurrentPositions,
		CooldownBars:           c.Risk.CooldownBars,
		StopLossPct:            c.Risk.StopLossPct,
		TakeProfitPct:          c.Risk.TakeProfitPct,
		UseATRStop:             c.Risk.UseATRStop,
		ATRPeriod:              c.Risk.ATRPeriod,
		ATRStopMult:            c.Risk.ATRStopMult,
		ATRTrailingMult:        c.Risk.ATRTrailingMult,
		PartialTPPct:           c.Risk.PartialTPPct,
		PartialTPRatio:         c.Risk.PartialTPRatio,
		AllowedHours:           c.Risk.AllowedHours,
		Timezone:               c.Risk.Timezone,
	}
}

func (c *Config) applyDefaults() {
	if c.App.Interval == "" {
		c.App.Interval = "1m"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.Exchange.RestURL == "" {
		c.Exchange.RestURL = "https://api.upbit.com"
	}
	if c.Exchange.WsURL == "" {
		c.Exchange.WsURL = "wss://api.upbit.com/websocket/v1"
	}
	if c.Strategy.Name == "" {
		c.Strategy.Name = "sma-crossover"
	}
	if c.Risk.MaxPositionValueRatio == 0 {
		c.Risk.MaxPositionValueRatio = 0.2
	}
	if c.Risk.MaxDailyLossRatio == 0 {
		c.Risk.MaxDailyLossRatio = 0.05
	}
	if c.Risk.MaxConcurrentPositions == 0 {
		c.Risk.MaxConcurrentPositions = 1
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = 0.01
	}
	if c.Risk.ATRPeriod == 0 {
		c.Risk.ATRPeriod = 14
	}
	if c.Risk.PartialTPRatio == 0 {
		c.Risk.PartialTPRatio = 0.5
	}
	if c.Risk.Timezone == "" {
		c.Risk.Timezone = "Asia/Seoul"
	}
	if c.Trading.Capital == 0 {
		c.Trading.Capital = 1_000_000
	}
	if c.Trading.Fee == 0 {
		c.Trading.Fee = 0.0005
	}
	if c.Trading.Slippage == 0 {
		c.Trading.Slippage = 0.0005
	}
	if c.Engine.PrefetchBars == 0 {
		c.Engine.PrefetchBars = 300
	}
	if c.Engine.InboxSize == 0 {
		c.Engine.InboxSize = 1024
	}
	if c.Engine.HistoryLimit == 0 {
		c.Engine.HistoryLimit = 2000
	}
	if c.Engine.EvalWorkers == 0 {
		c.Engine.EvalWorkers = 4
	}
	if c.Engine.SimulatedBars == 0 {
		c.Engine.SimulatedBars = 500
	}
	if c.Engine.JournalPath == "" {
		c.Engine.JournalPath = "trader.db"
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 4096
	}
	if c.Events.MetricsPort == 0 {
		c.Events.MetricsPort = 9090
	}
}

// GapFill reports whether synthetic flat candles should fill bar gaps.
func (c *Config) GapFill() bool {
	if c.Engine.FillGaps == nil {
		return true
	}
	return *c.Engine.FillGaps
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	switch c.App.Mode {
	case "backtest", "paper", "live":
	default:
		return ValidationError{
			Field:   "app.mode",
			Value:   c.App.Mode,
			Message: "must be one of: backtest, paper, live",
		}
	}

	if len(c.App.Markets) == 0 {
		return ValidationError{
			Field:   "app.markets",
			Message: "at least one market is required",
		}
	}
	for _, m := range c.App.Markets {
		if !strings.Contains(m, "-") {
			return ValidationError{
				Field:   "app.markets",
				Value:   m,
				Message: "market must look like KRW-BTC",
			}
		}
	}

	if _, ok := validIntervals[c.App.Interval]; !ok {
		return ValidationError{
			Field:   "app.interval",
			Value:   c.App.Interval,
			Message: "must be one of: 1m, 3m, 5m, 15m, 30m, 60m, 240m",
		}
	}

	switch strings.ToUpper(c.App.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: "must be one of: DEBUG, INFO, WARN, ERROR, FATAL",
		}
	}

	return nil
}

func (c *Config) validateExchange() error {
	if c.App.Mode != "live" {
		return nil
	}
	if c.Exchange.AccessKey == "" || c.Exchange.SecretKey == "" {
		return ValidationError{
			Field:   "exchange",
			Message: "live mode requires access_key and secret_key",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxPositionValueRatio <= 0 || c.Risk.MaxPositionValueRatio > 1 {
		return ValidationError{
			Field:   "risk.max_position_value_ratio",
			Value:   c.Risk.MaxPositionValueRatio,
			Message: "must be in (0, 1]",
		}
	}
	if c.Risk.MaxDailyLossRatio < 0 || c.Risk.MaxDailyLossRatio > 1 {
		return ValidationError{
			Field:   "risk.max_daily_loss_ratio",
			Value:   c.Risk.MaxDailyLossRatio,
			Message: "must be in [0, 1]",
		}
	}
	if c.Risk.MaxConcurrentPositions < 1 {
		return ValidationError{
			Field:   "risk.max_concurrent_positions",
			Value:   c.Risk.MaxConcurrentPositions,
			Message: "must be at least 1",
		}
	}
	if c.Risk.CooldownBars < 0 {
		return ValidationError{
			Field:   "risk.cooldown_bars",
			Value:   c.Risk.CooldownBars,
			Message: "must not be negative",
		}
	}
	if c.Risk.PartialTPRatio < 0 || c.Risk.PartialTPRatio > 1 {
		return ValidationError{
			Field:   "risk.partial_tp_ratio",
			Value:   c.Risk.PartialTPRatio,
			Message: "must be in [0, 1]",
		}
	}
	for _, w := range c.Risk.AllowedHours {
		if !hoursWindowPattern.MatchString(w) {
			return ValidationError{
				Field:   "risk.allowed_hours",
				Value:   w,
				Message: "window must look like 09:00-23:30",
			}
		}
	}
	if c.Risk.Timezone != "" {
		if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
			return ValidationError{
				Field:   "risk.timezone",
				Value:   c.Risk.Timezone,
				Message: "unknown timezone",
			}
		}
	}
	return nil
}

var hoursWindowPattern = regexp.MustCompile(`^\d{2}:\d{2}-\d{2}:\d{2}$`)

func (c *Config) validateTrading() error {
	if c.Trading.Capital <= 0 {
		return ValidationError{
			Field:   "trading.capital",
			Value:   c.Trading.Capital,
			Message: "must be positive",
		}
	}
	if c.Trading.Fee < 0 || c.Trading.Fee > 0.01 {
		return ValidationError{
			Field:   "trading.fee",
			Value:   c.Trading.Fee,
			Message: "must be in [0, 0.01]",
		}
	}
	if c.Trading.Slippage < 0 || c.Trading.Slippage > 0.02 {
		return ValidationError{
			Field:   "trading.slippage",
			Value:   c.Trading.Slippage,
			Message: "must be in [0, 0.02]",
		}
	}
	return nil
}
