// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App            AppConfig            `yaml:"app"`
	Trading        TradingConfig        `yaml:"trading"`
	Risk           RiskConfig           `yaml:"risk"`
	StopLoss       StopLossConfig       `yaml:"stop_loss"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Executor       ExecutorConfig       `yaml:"executor"`
	Paper          PaperConfig          `yaml:"paper"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Store          StoreConfig          `yaml:"store"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	System         SystemConfig         `yaml:"system"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	PaperTrading bool     `yaml:"paper_trading"`
	Symbols      []string `yaml:"symbols"`
}

// TradingConfig contains cycle and capital parameters.
// Monetary YAML values are plain numbers; decimal conversion happens once in
// the typed accessors below and nowhere else.
type TradingConfig struct {
	CycleIntervalSeconds int     `yaml:"trading_cycle_interval_seconds"`
	AlignCycles          *bool   `yaml:"align_cycles"`
	CycleRetryDelaySecs  int     `yaml:"cycle_retry_delay_seconds"`
	StartingCapitalCHF   float64 `yaml:"starting_capital_chf"`
	CHFToUSDRate         float64 `yaml:"chf_to_usd_rate"`
}

// RiskConfig contains the pre-trade limit matrix and breaker settings
type RiskConfig struct {
	CircuitBreakerLossCHF float64        `yaml:"circuit_breaker_loss_chf"`
	ResetTimeUTC          string         `yaml:"reset_time_utc"`
	MaxPositionSizePct    float64        `yaml:"max_position_size_pct"`
	MaxTotalExposurePct   float64        `yaml:"max_total_exposure_pct"`
	MaxPositions          int            `yaml:"max_positions"`
	MinConfidence         float64        `yaml:"min_confidence"`
	MinLeverage           int            `yaml:"min_leverage"`
	MaxLeverage           int            `yaml:"max_leverage"`
	PerSymbolLeverage     map[string]int `yaml:"per_symbol_leverage"`
	StopLossMinPct        float64        `yaml:"stop_loss_min_pct"`
	StopLossMaxPct        float64        `yaml:"stop_loss_max_pct"`
}

// StopLossConfig contains the protection layer cadences
type StopLossConfig struct {
	Layer2IntervalSeconds float64 `yaml:"layer2_interval_seconds"`
	Layer3IntervalSeconds float64 `yaml:"layer3_interval_seconds"`
	EmergencyThresholdPct float64 `yaml:"emergency_threshold_pct"`
}

// ReconciliationConfig contains reconciler cadence and tolerance
type ReconciliationConfig struct {
	IntervalSeconds      int     `yaml:"reconciliation_interval_seconds"`
	DiscrepancyThreshold float64 `yaml:"discrepancy_threshold"`
}

// ExecutorConfig contains order submission discipline settings
type ExecutorConfig struct {
	MaxRetries              int  `yaml:"max_retries"`
	RetryDelayMS            int  `yaml:"retry_delay_ms"`
	RateLimitPerSec         int  `yaml:"rate_limit_per_sec"`
	RateLimitBurst          int  `yaml:"rate_limit_burst"`
	BreakerEnabled          bool `yaml:"breaker_enabled"`
	BreakerFailureThreshold int  `yaml:"breaker_failure_threshold"`
	BreakerRecoverySeconds  int  `yaml:"breaker_recovery_seconds"`
}

// PaperConfig contains paper-trading simulator settings
type PaperConfig struct {
	InitialBalanceCHF  float64 `yaml:"paper_initial_balance_chf"`
	TakerFeePct        float64 `yaml:"paper_taker_fee_pct"`
	SlippageEnabled    bool    `yaml:"paper_slippage_enabled"`
	PartialFillEnabled bool    `yaml:"paper_partial_fills_enabled"`
}

// ExchangeConfig contains live venue credentials
type ExchangeConfig struct {
	Name      string `yaml:"name"`
	APIKey    Secret `yaml:"api_key"`
	APISecret Secret `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// StoreConfig selects and configures the position store
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// AlertsConfig contains alert channel endpoints
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// TimeoutConfig contains per-dependency call timeouts
type TimeoutConfig struct {
	ExchangeSeconds int `yaml:"exchange_seconds"`
	StoreSeconds    int `yaml:"store_seconds"`
	SignalSeconds   int `yaml:"signal_seconds"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ExecutorPoolSize   int `yaml:"executor_pool_size"`
	ExecutorPoolBuffer int `yaml:"executor_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateApp(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStopLoss(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateReconciliation(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStore(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateApp() error {
	if len(c.App.Symbols) == 0 {
		return ValidationError{
			Field:   "app.symbols",
			Message: "at least one trading symbol is required",
		}
	}
	for _, sym := range c.App.Symbols {
		if !strings.Contains(sym, ":") {
			return ValidationError{
				Field:   "app.symbols",
				Value:   sym,
				Message: "symbols must be perpetual contracts in BASE/QUOTE:SETTLE form",
			}
		}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if c.Trading.CycleIntervalSeconds <= 0 {
		return ValidationError{
			Field:   "trading.trading_cycle_interval_seconds",
			Value:   c.Trading.CycleIntervalSeconds,
			Message: "cycle interval must be positive",
		}
	}
	if c.Trading.StartingCapitalCHF <= 0 {
		return ValidationError{
			Field:   "trading.starting_capital_chf",
			Value:   c.Trading.StartingCapitalCHF,
			Message: "starting capital must be positive",
		}
	}
	if c.Trading.CHFToUSDRate <= 0 {
		return ValidationError{
			Field:   "trading.chf_to_usd_rate",
			Value:   c.Trading.CHFToUSDRate,
			Message: "FX rate must be positive",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.CircuitBreakerLossCHF >= 0 {
		return ValidationError{
			Field:   "risk.circuit_breaker_loss_chf",
			Value:   c.Risk.CircuitBreakerLossCHF,
			Message: "daily loss limit must be negative",
		}
	}
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 1 {
		return ValidationError{
			Field:   "risk.max_position_size_pct",
			Value:   c.Risk.MaxPositionSizePct,
			Message: "must be in (0, 1]",
		}
	}
	if c.Risk.MaxTotalExposurePct <= 0 || c.Risk.MaxTotalExposurePct > 1 {
		return ValidationError{
			Field:   "risk.max_total_exposure_pct",
			Value:   c.Risk.MaxTotalExposurePct,
			Message: "must be in (0, 1]",
		}
	}
	if c.Risk.MaxPositions <= 0 {
		return ValidationError{
			Field:   "risk.max_positions",
			Value:   c.Risk.MaxPositions,
			Message: "must be positive",
		}
	}
	if c.Risk.MinLeverage < 1 || c.Risk.MaxLeverage < c.Risk.MinLeverage {
		return ValidationError{
			Field:   "risk.min_leverage",
			Value:   c.Risk.MinLeverage,
			Message: "leverage band is inverted or below 1",
		}
	}
	if _, err := parseResetTime(c.Risk.ResetTimeUTC); err != nil {
		return ValidationError{
			Field:   "risk.reset_time_utc",
			Value:   c.Risk.ResetTimeUTC,
			Message: "must be HH:MM",
		}
	}
	return nil
}

func (c *Config) validateStopLoss() error {
	if c.StopLoss.Layer2IntervalSeconds <= 0 || c.StopLoss.Layer3IntervalSeconds <= 0 {
		return ValidationError{
			Field:   "stop_loss.layer2_interval_seconds",
			Message: "layer intervals must be positive",
		}
	}
	if c.StopLoss.EmergencyThresholdPct <= 0 || c.StopLoss.EmergencyThresholdPct >= 1 {
		return ValidationError{
			Field:   "stop_loss.emergency_threshold_pct",
			Value:   c.StopLoss.EmergencyThresholdPct,
			Message: "must be in (0, 1)",
		}
	}
	return nil
}

func (c *Config) validateReconciliation() error {
	if c.Reconciliation.IntervalSeconds <= 0 {
		return ValidationError{
			Field:   "reconciliation.reconciliation_interval_seconds",
			Value:   c.Reconciliation.IntervalSeconds,
			Message: "must be positive",
		}
	}
	if c.Reconciliation.DiscrepancyThreshold <= 0 {
		return ValidationError{
			Field:   "reconciliation.discrepancy_threshold",
			Value:   c.Reconciliation.DiscrepancyThreshold,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.App.PaperTrading {
		return nil // Paper mode needs no credentials
	}
	if c.Exchange.Name == "" {
		return ValidationError{
			Field:   "exchange.name",
			Message: "exchange name is required for live trading",
		}
	}
	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: "API key is required for live trading",
		}
	}
	if c.Exchange.APISecret == "" {
		return ValidationError{
			Field:   "exchange.api_secret",
			Message: "API secret is required for live trading",
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DSN == "" {
			return ValidationError{
				Field:   "store.dsn",
				Message: "sqlite store requires a DSN",
			}
		}
	case "memory":
	default:
		return ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: "must be one of: sqlite, memory",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// Typed accessors. These are the single decimal conversion points for all
// monetary configuration values.

func (c *TradingConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

func (c *TradingConfig) Aligned() bool {
	if c.AlignCycles == nil {
		return true
	}
	return *c.AlignCycles
}

func (c *TradingConfig) CycleRetryDelay() time.Duration {
	if c.CycleRetryDelaySecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.CycleRetryDelaySecs) * time.Second
}

func (c *TradingConfig) StartingCapital() decimal.Decimal {
	return decimal.NewFromFloat(c.StartingCapitalCHF)
}

func (c *TradingConfig) FXRate() decimal.Decimal {
	return decimal.NewFromFloat(c.CHFToUSDRate)
}

func (c *RiskConfig) LossLimitCHF() decimal.Decimal {
	return decimal.NewFromFloat(c.CircuitBreakerLossCHF)
}

func (c *RiskConfig) MaxPositionSize() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxPositionSizePct)
}

func (c *RiskConfig) MaxTotalExposure() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxTotalExposurePct)
}

func (c *RiskConfig) StopLossMin() decimal.Decimal {
	return decimal.NewFromFloat(c.StopLossMinPct)
}

func (c *RiskConfig) StopLossMax() decimal.Decimal {
	return decimal.NewFromFloat(c.StopLossMaxPct)
}

// LeverageCap returns the per-symbol leverage ceiling, falling back to the
// global maximum. The map is keyed by base asset ("BTC", "ETH", ...).
func (c *RiskConfig) LeverageCap(baseAsset string) int {
	if cap, ok := c.PerSymbolLeverage[baseAsset]; ok {
		return cap
	}
	return c.MaxLeverage
}

// ResetTime parses reset_time_utc into hour and minute
func (c *RiskConfig) ResetTime() (hour, minute int) {
	t, err := parseResetTime(c.ResetTimeUTC)
	if err != nil {
		return 0, 0
	}
	return t.Hour(), t.Minute()
}

func (c *StopLossConfig) Layer2Interval() time.Duration {
	return time.Duration(c.Layer2IntervalSeconds * float64(time.Second))
}

func (c *StopLossConfig) Layer3Interval() time.Duration {
	return time.Duration(c.Layer3IntervalSeconds * float64(time.Second))
}

func (c *StopLossConfig) EmergencyThreshold() decimal.Decimal {
	return decimal.NewFromFloat(c.EmergencyThresholdPct)
}

func (c *ReconciliationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c *ReconciliationConfig) Threshold() decimal.Decimal {
	return decimal.NewFromFloat(c.DiscrepancyThreshold)
}

func (c *ExecutorConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func (c *ExecutorConfig) BreakerRecovery() time.Duration {
	return time.Duration(c.BreakerRecoverySeconds) * time.Second
}

func (c *PaperConfig) InitialBalance() decimal.Decimal {
	return decimal.NewFromFloat(c.InitialBalanceCHF)
}

func (c *PaperConfig) TakerFee() decimal.Decimal {
	return decimal.NewFromFloat(c.TakerFeePct)
}

func (c *TimeoutConfig) Exchange() time.Duration {
	return time.Duration(c.ExchangeSeconds) * time.Second
}

func (c *TimeoutConfig) Store() time.Duration {
	return time.Duration(c.StoreSeconds) * time.Second
}

func (c *TimeoutConfig) Signal() time.Duration {
	return time.Duration(c.SignalSeconds) * time.Second
}

// String returns a string representation of the configuration; Secret fields
// redact themselves through their YAML marshalers.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func parseResetTime(s string) (time.Time, error) {
	return time.Parse("15:04", s)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the documented defaults; tests and LoadConfig start
// from these and override.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			PaperTrading: true,
			Symbols:      []string{"BTC/USDT:USDT", "ETH/USDT:USDT"},
		},
		Trading: TradingConfig{
			CycleIntervalSeconds: 180,
			CycleRetryDelaySecs:  10,
			StartingCapitalCHF:   2626.96,
			CHFToUSDRate:         1.10,
		},
		Risk: RiskConfig{
			CircuitBreakerLossCHF: -183.89,
			ResetTimeUTC:          "00:00",
			MaxPositionSizePct:    0.20,
			MaxTotalExposurePct:   0.80,
			MaxPositions:          6,
			MinConfidence:         0.60,
			MinLeverage:           5,
			MaxLeverage:           40,
			PerSymbolLeverage: map[string]int{
				"BTC":  40,
				"ETH":  40,
				"SOL":  25,
				"BNB":  25,
				"ADA":  20,
				"DOGE": 20,
			},
			StopLossMinPct: 0.01,
			StopLossMaxPct: 0.10,
		},
		StopLoss: StopLossConfig{
			Layer2IntervalSeconds: 2,
			Layer3IntervalSeconds: 1,
			EmergencyThresholdPct: 0.15,
		},
		Reconciliation: ReconciliationConfig{
			IntervalSeconds:      300,
			DiscrepancyThreshold: 0.00001,
		},
		Executor: ExecutorConfig{
			MaxRetries:              3,
			RetryDelayMS:            500,
			RateLimitPerSec:         25,
			RateLimitBurst:          30,
			BreakerEnabled:          true,
			BreakerFailureThreshold: 5,
			BreakerRecoverySeconds:  60,
		},
		Paper: PaperConfig{
			InitialBalanceCHF:  10000,
			TakerFeePct:        0.001,
			SlippageEnabled:    true,
			PartialFillEnabled: true,
		},
		Exchange: ExchangeConfig{
			Name: "binance",
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Timeouts: TimeoutConfig{
			ExchangeSeconds: 10,
			StoreSeconds:    10,
			SignalSeconds:   30,
		},
		Concurrency: ConcurrencyConfig{
			ExecutorPoolSize:   6,
			ExecutorPoolBuffer: 64,
		},
	}
}
