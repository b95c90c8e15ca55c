// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	Matching   MatchingConfig   `yaml:"matching"`
	Settlement SettlementConfig `yaml:"settlement"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	System     SystemConfig     `yaml:"system"`
	Timing     TimingConfig     `yaml:"timing"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	HealthPort    int  `yaml:"health_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	DatabaseURL            string `yaml:"database_url" validate:"required"`
	EnableDurableWorkflows bool   `yaml:"enable_durable_workflows"`
	WebsocketPort          int    `yaml:"websocket_port" validate:"min=1,max=65535"`
}

// MatchingConfig contains Order Matching Engine and scheduler cadences.
type MatchingConfig struct {
	MatchingIntervalSecs       int     `yaml:"matching_interval_secs" validate:"required,min=1,max=3600"`
	EpochTransitionIntervalSecs int    `yaml:"epoch_transition_interval_secs" validate:"required,min=1,max=3600"`
	EpochDurationMinutes       int     `yaml:"epoch_duration_minutes" validate:"required,min=1,max=1440"`
	PriceMonitorIntervalSecs   int     `yaml:"price_monitor_interval_secs" validate:"required,min=1,max=3600"`
	RecurringIntervalSecs      int     `yaml:"recurring_interval_secs" validate:"required,min=1,max=86400"`
	MinTradeAmount             float64 `yaml:"min_trade_amount" validate:"required,min=0"`
	MaxOrdersPerEpoch          int     `yaml:"max_orders_per_epoch" validate:"required,min=1"`
}

// SettlementConfig contains fee and platform-account settings.
type SettlementConfig struct {
	PlatformFeeRate         float64 `yaml:"platform_fee_rate" validate:"required,min=0,max=1"`
	PlatformFeeAccountUserID string `yaml:"platform_fee_account_user_id" validate:"required,uuid"`
}

// BlockchainConfig contains on-chain settlement settings. Left zero-value
// (EnableRealBlockchain false) the system runs entirely off-chain.
type BlockchainConfig struct {
	EnableRealBlockchain bool   `yaml:"enable_real_blockchain"`
	RPCURL               string `yaml:"rpc_url" validate:"required_if=EnableRealBlockchain true"`
	RPCTimeoutSecs       int    `yaml:"rpc_timeout_secs" validate:"min=1,max=300"`
	MarketProgramID      string `yaml:"market_program_id" validate:"required_if=EnableRealBlockchain true"`
	EscrowProgramID      string `yaml:"escrow_program_id" validate:"required_if=EnableRealBlockchain true"`
	WalletMasterSecret   Secret `yaml:"wallet_master_secret" validate:"required_if=EnableRealBlockchain true"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TimingConfig contains websocket timing settings. Validate does not check it
// and no package reads it: pkg/liveserver uses fixed write, pong and ping durations.
type TimingConfig struct {
	WebsocketWriteWait    int `yaml:"websocket_write_wait" validate:"min=1,max=300"`
	WebsocketPongWait     int `yaml:"websocket_pong_wait" validate:"min=1,max=300"`
	WebsocketPingInterval int `yaml:"websocket_ping_interval" validate:"min=1,max=300"`
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

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateMatchingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSettlementConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateBlockchainConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.DatabaseURL == "" {
		return ValidationError{
			Field:   "app.database_url",
			Message: "database URL is required",
		}
	}
	return nil
}

func (c *Config) validateMatchingConfig() error {
	if c.Matching.MatchingIntervalSecs <= 0 {
		return ValidationError{
			Field:   "matching.matching_interval_secs",
			Value:   c.Matching.MatchingIntervalSecs,
			Message: "must be positive",
		}
	}
	if c.Matching.MaxOrdersPerEpoch <= 0 {
		return ValidationError{
			Field:   "matching.max_orders_per_epoch",
			Value:   c.Matching.MaxOrdersPerEpoch,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSettlementConfig() error {
	if c.Settlement.PlatformFeeRate < 0 || c.Settlement.PlatformFeeRate > 1 {
		return ValidationError{
			Field:   "settlement.platform_fee_rate",
			Value:   c.Settlement.PlatformFeeRate,
			Message: "must be between 0 and 1",
		}
	}
	if c.Settlement.PlatformFeeAccountUserID == "" {
		return ValidationError{
			Field:   "settlement.platform_fee_account_user_id",
			Message: "platform fee account user id is required",
		}
	}
	return nil
}

func (c *Config) validateBlockchainConfig() error {
	if !c.Blockchain.EnableRealBlockchain {
		return nil
	}
	if c.Blockchain.RPCURL == "" {
		return ValidationError{
			Field:   "blockchain.rpc_url",
			Message: "rpc_url is required when enable_real_blockchain is true",
		}
	}
	if c.Blockchain.MarketProgramID == "" {
		return ValidationError{
			Field:   "blockchain.market_program_id",
			Message: "market_program_id is required when enable_real_blockchain is true",
		}
	}
	if c.Blockchain.EscrowProgramID == "" {
		return ValidationError{
			Field:   "blockchain.escrow_program_id",
			Message: "escrow_program_id is required when enable_real_blockchain is true",
		}
	}
	if c.Blockchain.WalletMasterSecret == "" {
		return ValidationError{
			Field:   "blockchain.wallet_master_secret",
			Message: "wallet_master_secret is required when enable_real_blockchain is true",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
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

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

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

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			DatabaseURL:   "postgres://localhost:5432/market_core",
			WebsocketPort: 8090,
		},
		Matching: MatchingConfig{
			MatchingIntervalSecs:         5,
			EpochTransitionIntervalSecs:  60,
			EpochDurationMinutes:         15,
			PriceMonitorIntervalSecs:     10,
			RecurringIntervalSecs:        60,
			MinTradeAmount:               0.1,
			MaxOrdersPerEpoch:            10000,
		},
		Settlement: SettlementConfig{
			PlatformFeeRate: 0.01,
		},
		Blockchain: BlockchainConfig{
			RPCTimeoutSecs: 30,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
	}
}
