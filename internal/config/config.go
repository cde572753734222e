// Package config loads the coordinator's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"
)

// Config holds runtime settings for the stratum daemon.
type Config struct {
	StratumListen string `yaml:"stratum_listen"`
	TLSCertPath   string `yaml:"tls_cert_path"`
	TLSKeyPath    string `yaml:"tls_key_path"`

	NodeRPCURL     string        `yaml:"node_rpc_url"`
	NodeRPCTimeout time.Duration `yaml:"node_rpc_timeout"`

	MetricsListen string `yaml:"metrics_listen"`
	PostgresDSN   string `yaml:"postgres_dsn"`

	PoolAddress       string `yaml:"pool_address"`
	Network           string `yaml:"network"`
	CoinbaseMessage   string `yaml:"coinbase_message"`
	Extranonce1Size   int    `yaml:"extranonce1_size"`
	Extranonce2Size   int    `yaml:"extranonce2_size"`
	JobRetentionCount int    `yaml:"job_retention_count"`

	TemplatePollInterval  time.Duration `yaml:"template_poll_interval"`
	TemplateForceInterval time.Duration `yaml:"template_force_interval"`

	DefaultDifficulty float64 `yaml:"default_difficulty"`

	VardiffTargetShareTime     time.Duration `yaml:"vardiff_target_share_time"`
	VardiffRetargetMinShares   int           `yaml:"vardiff_retarget_min_shares"`
	VardiffRetargetMinInterval time.Duration `yaml:"vardiff_retarget_min_interval"`
	VardiffMinDifficulty       float64       `yaml:"vardiff_min_difficulty"`
	VardiffMaxDifficulty       float64       `yaml:"vardiff_max_difficulty"`
	VardiffMaxStepUp           float64       `yaml:"vardiff_max_step_up"`
	VardiffMaxStepDown         float64       `yaml:"vardiff_max_step_down"`
}

// Load reads and parses YAML config from disk, then fills in defaults for
// any field left unset.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = "mainnet"
	}
	if c.NodeRPCTimeout <= 0 {
		c.NodeRPCTimeout = 10 * time.Second
	}
	if c.Extranonce1Size <= 0 {
		c.Extranonce1Size = 4
	}
	if c.Extranonce2Size <= 0 {
		c.Extranonce2Size = 4
	}
	if c.JobRetentionCount <= 0 {
		c.JobRetentionCount = 8
	}
	if c.TemplatePollInterval <= 0 {
		c.TemplatePollInterval = 5 * time.Second
	}
	if c.TemplateForceInterval <= 0 {
		c.TemplateForceInterval = 30 * time.Second
	}
	if c.DefaultDifficulty <= 0 {
		c.DefaultDifficulty = 1
	}
	if c.VardiffTargetShareTime <= 0 {
		c.VardiffTargetShareTime = 10 * time.Second
	}
	if c.VardiffRetargetMinShares <= 0 {
		c.VardiffRetargetMinShares = 4
	}
	if c.VardiffRetargetMinInterval <= 0 {
		c.VardiffRetargetMinInterval = 60 * time.Second
	}
	if c.VardiffMinDifficulty <= 0 {
		c.VardiffMinDifficulty = 0.001
	}
	if c.VardiffMaxDifficulty <= 0 {
		c.VardiffMaxDifficulty = 1e9
	}
	if c.VardiffMaxStepUp <= 0 {
		c.VardiffMaxStepUp = 4
	}
	if c.VardiffMaxStepDown <= 0 {
		c.VardiffMaxStepDown = 0.25
	}
}

// Validate enforces required fields and basic sanity checks.
func (c Config) Validate() error {
	if c.StratumListen == "" {
		return fmt.Errorf("stratum_listen is required")
	}
	// TLS is optional - if both paths are empty, run without TLS
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("tls_cert_path and tls_key_path must both be set or both empty")
	}
	if c.NodeRPCURL == "" {
		return fmt.Errorf("node_rpc_url is required")
	}
	if c.PoolAddress == "" {
		return fmt.Errorf("pool_address is required")
	}
	if len(c.CoinbaseMessage) > 100 {
		return fmt.Errorf("coinbase_message must be at most 100 bytes")
	}
	if c.Extranonce2Size <= 0 {
		return fmt.Errorf("extranonce2_size must be > 0")
	}
	if c.VardiffMinDifficulty <= 0 || c.VardiffMaxDifficulty < c.VardiffMinDifficulty {
		return fmt.Errorf("vardiff_min_difficulty/vardiff_max_difficulty are invalid")
	}
	if _, err := c.NetworkParams(); err != nil {
		return err
	}
	return nil
}

// NetworkParams resolves the configured network name to chaincfg params,
// used to validate PoolAddress at startup.
func (c Config) NetworkParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("network %q is not recognized", c.Network)
	}
}
