package bootstrap

import (
	"fmt"
	"p2p_energy_market/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
// Schema validation already enforces database_url and, when
// enable_real_blockchain is set, the wallet secret and program IDs; this
// only covers checks that need more than one field at a time.
func checkPreFlight(cfg *Config) error {
	if cfg.Blockchain.EnableRealBlockchain && cfg.Blockchain.WalletMasterSecret == "" {
		return fmt.Errorf("wallet_master_secret is required when enable_real_blockchain is true")
	}
	return nil
}
