// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process-wide configuration.
type Config struct {
	Engine       EngineConfig              `yaml:"engine"`
	EventBus     EventBusConfig            `yaml:"event_bus"`
	OrderSync    OrderSyncConfig           `yaml:"order_sync"`
	AccountPoll  AccountPollConfig         `yaml:"account_poll"`
	StateManager StateManagerConfig        `yaml:"state_manager"`
	Subscription SubscriptionConfig        `yaml:"subscription"`
	Risk         RiskConfig                `yaml:"risk"`
	Storage      StorageConfig             `yaml:"storage"`
	System       SystemConfig              `yaml:"system"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
	Exchanges    map[string]ExchangeConfig `yaml:"exchanges"`
	Strategies   []StrategyConfig          `yaml:"strategies"`
}

// EngineConfig contains engine lifecycle settings.
type EngineConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	FinalSaveBudget time.Duration `yaml:"final_save_budget"`
}

// EventBusConfig contains per-subscriber back-pressure settings.
type EventBusConfig struct {
	BufferSize     int    `yaml:"buffer_size"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

// OrderSyncConfig contains reconciliation loop settings.
type OrderSyncConfig struct {
	SyncInterval    time.Duration `yaml:"sync_interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxErrorRecords int           `yaml:"max_error_records"`
}

// AccountPollConfig contains snapshot cadence settings.
type AccountPollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// StateManagerConfig contains persistence settings.
type StateManagerConfig struct {
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
	CacheTimeout     time.Duration `yaml:"cache_timeout"`
	MaxRecoveryTime  time.Duration `yaml:"max_recovery_time"`
}

// SubscriptionConfig contains REST polling cadences per data type.
type SubscriptionConfig struct {
	TickerPollInterval    time.Duration `yaml:"ticker_poll_interval"`
	OrderBookPollInterval time.Duration `yaml:"orderbook_poll_interval"`
	TradesPollInterval    time.Duration `yaml:"trades_poll_interval"`
	KlinesPollInterval    time.Duration `yaml:"klines_poll_interval"`
	FailureThreshold      int           `yaml:"failure_threshold"`
}

// RiskConfig contains the hard limits. Decimal-valued limits are parsed from
// strings to keep floats off the trading path.
type RiskConfig struct {
	MaxPositionSize  string `yaml:"max_position_size"`
	MaxDailyLoss     string `yaml:"max_daily_loss"`
	MaxDrawdown      string `yaml:"max_drawdown"`
	MaxOpenPositions int    `yaml:"max_open_positions"`
	MaxLeverage      int    `yaml:"max_leverage"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ExchangeConfig contains exchange-specific credentials and endpoints.
type ExchangeConfig struct {
	Driver    string `yaml:"driver"` // "binance" or "mock"
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
	Testnet   bool   `yaml:"testnet"`
}

// DataRequirementConfig declares one market data slice for a strategy.
type DataRequirementConfig struct {
	DataType string `yaml:"data_type"`
	Interval string `yaml:"interval"`
	Depth    int    `yaml:"depth"`
	Limit    int    `yaml:"limit"`
	Method   string `yaml:"method"`
}

// StrategyConfig is the declarative strategy registration record.
type StrategyConfig struct {
	ID            string                  `yaml:"id"`
	Name          string                  `yaml:"name"`
	Symbol        string                  `yaml:"symbol"`
	Exchange      string                  `yaml:"exchange"`
	LongOnly      bool                    `yaml:"long_only"`
	Parameters    map[string]string       `yaml:"parameters"`
	Subscriptions []DataRequirementConfig `yaml:"subscriptions"`
	InitialData   []DataRequirementConfig `yaml:"initial_data"`
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

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, applies defaults, and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills zero-valued options with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Engine.ShutdownTimeout <= 0 {
		c.Engine.ShutdownTimeout = 30 * time.Second
	}
	if c.Engine.FinalSaveBudget <= 0 {
		c.Engine.FinalSaveBudget = 10 * time.Second
	}
	if c.EventBus.BufferSize <= 0 {
		c.EventBus.BufferSize = 1024
	}
	if c.EventBus.OverflowPolicy == "" {
		c.EventBus.OverflowPolicy = "drop_oldest"
	}
	if c.OrderSync.SyncInterval <= 0 {
		c.OrderSync.SyncInterval = 5 * time.Second
	}
	if c.OrderSync.SyncInterval < time.Second {
		c.OrderSync.SyncInterval = time.Second
	}
	if c.OrderSync.BatchSize <= 0 {
		c.OrderSync.BatchSize = 5
	}
	if c.OrderSync.MaxErrorRecords <= 0 {
		c.OrderSync.MaxErrorRecords = 10
	}
	if c.AccountPoll.Interval <= 0 {
		c.AccountPoll.Interval = 30 * time.Second
	}
	if c.StateManager.AutosaveInterval <= 0 {
		c.StateManager.AutosaveInterval = 30 * time.Second
	}
	if c.StateManager.CacheTimeout <= 0 {
		c.StateManager.CacheTimeout = 5 * time.Minute
	}
	if c.StateManager.MaxRecoveryTime <= 0 {
		c.StateManager.MaxRecoveryTime = 60 * time.Second
	}
	if c.Subscription.TickerPollInterval <= 0 {
		c.Subscription.TickerPollInterval = time.Second
	}
	if c.Subscription.OrderBookPollInterval <= 0 {
		c.Subscription.OrderBookPollInterval = 500 * time.Millisecond
	}
	if c.Subscription.TradesPollInterval <= 0 {
		c.Subscription.TradesPollInterval = 2 * time.Second
	}
	if c.Subscription.KlinesPollInterval <= 0 {
		c.Subscription.KlinesPollInterval = 60 * time.Second
	}
	if c.Subscription.FailureThreshold <= 0 {
		c.Subscription.FailureThreshold = 5
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "trading_core.db"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEventBus(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStorage(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchanges(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStrategies(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
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

func (c *Config) validateEventBus() error {
	if c.EventBus.OverflowPolicy != "drop_oldest" && c.EventBus.OverflowPolicy != "drop_newest" {
		return ValidationError{
			Field:   "event_bus.overflow_policy",
			Value:   c.EventBus.OverflowPolicy,
			Message: "must be drop_oldest or drop_newest",
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "memory" {
		return ValidationError{
			Field:   "storage.driver",
			Value:   c.Storage.Driver,
			Message: "must be sqlite or memory",
		}
	}
	return nil
}

func (c *Config) validateExchanges() error {
	if len(c.Exchanges) == 0 {
		return ValidationError{
			Field:   "exchanges",
			Message: "at least one exchange must be configured",
		}
	}
	for name, ex := range c.Exchanges {
		switch ex.Driver {
		case "mock":
			continue
		case "binance":
			if ex.APIKey == "" {
				return ValidationError{
					Field:   fmt.Sprintf("exchanges.%s.api_key", name),
					Message: "API key is required",
				}
			}
			if ex.SecretKey == "" {
				return ValidationError{
					Field:   fmt.Sprintf("exchanges.%s.secret_key", name),
					Message: "secret key is required",
				}
			}
		default:
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.driver", name),
				Value:   ex.Driver,
				Message: "must be binance or mock",
			}
		}
	}
	return nil
}

func (c *Config) validateStrategies() error {
	seen := make(map[string]bool)
	for i, s := range c.Strategies {
		if s.ID == "" {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].id", i),
				Message: "strategy id is required",
			}
		}
		if seen[s.ID] {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].id", i),
				Value:   s.ID,
				Message: "duplicate strategy id",
			}
		}
		seen[s.ID] = true
		if s.Symbol == "" {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].symbol", i),
				Message: "symbol is required",
			}
		}
		if _, ok := c.Exchanges[s.Exchange]; !ok {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].exchange", i),
				Value:   s.Exchange,
				Message: "exchange configuration not found in exchanges section",
			}
		}
		for j, req := range s.Subscriptions {
			if !contains([]string{"ticker", "orderbook", "trades", "klines"}, req.DataType) {
				return ValidationError{
					Field:   fmt.Sprintf("strategies[%d].subscriptions[%d].data_type", i, j),
					Value:   req.DataType,
					Message: "must be ticker, orderbook, trades, or klines",
				}
			}
			if req.DataType == "klines" && req.Interval == "" {
				return ValidationError{
					Field:   fmt.Sprintf("strategies[%d].subscriptions[%d].interval", i, j),
					Message: "interval is required for klines",
				}
			}
			if req.Method != "" && !contains([]string{"websocket", "rest", "auto"}, req.Method) {
				return ValidationError{
					Field:   fmt.Sprintf("strategies[%d].subscriptions[%d].method", i, j),
					Value:   req.Method,
					Message: "must be websocket, rest, or auto",
				}
			}
		}
	}
	return nil
}

// expandEnvVars expands ${VAR} references from the environment.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
