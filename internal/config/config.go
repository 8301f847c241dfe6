// Package config loads the broker's YAML configuration file, creating a
// commented default on first run, mirroring the bootstrap behavior of
// typical daemon config loaders in this codebase's lineage.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds every externally-tunable knob for the broker daemon:
// bitcoind RPC and ZMQ endpoints, the Counterparty indexer endpoint,
// storage location, poll intervals, and the HTTP listen address.
type Config struct {
	APIKey string `yaml:"api_key"`

	BitcoinRPCHost     string `yaml:"bitcoin_rpc_host"`
	BitcoinRPCPort     int    `yaml:"bitcoin_rpc_port"`
	BitcoinRPCUser     string `yaml:"bitcoin_rpc_user"`
	BitcoinRPCPassword string `yaml:"bitcoin_rpc_password"`

	ZMQEnabled  bool   `yaml:"zmq_enabled"`
	ZMQBlockURL string `yaml:"zmq_block_url"`
	ZMQTxURL    string `yaml:"zmq_tx_url"`

	CounterpartyHost string `yaml:"counterparty_host"`
	CounterpartyPort int    `yaml:"counterparty_port"`

	DatabasePath string `yaml:"database_path"`

	BlockPollIntervalSeconds int `yaml:"block_poll_interval_seconds"`
	UTXOPollIntervalSeconds  int `yaml:"utxo_poll_interval_seconds"`

	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	LogLevel string `yaml:"log_level"`
	Network  string `yaml:"network"` // "mainnet" or "testnet"
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	return &Config{
		BitcoinRPCHost:           "127.0.0.1",
		BitcoinRPCPort:           8332,
		ZMQEnabled:               true,
		ZMQBlockURL:              "tcp://127.0.0.1:28332",
		ZMQTxURL:                 "tcp://127.0.0.1:28332",
		CounterpartyHost:         "127.0.0.1",
		CounterpartyPort:         4000,
		DatabasePath:             "~/.pepebroker/listings.db",
		BlockPollIntervalSeconds: 300,
		UTXOPollIntervalSeconds:  300,
		ListenHost:               "127.0.0.1",
		ListenPort:               8765,
		LogLevel:                 "info",
		Network:                  "mainnet",
	}
}

const configHeader = "# pepebroker configuration\n# Generated on first run; edit in place or override via CLI flags.\n\n"

// ConfigPath returns the default config file path inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads the config file at ConfigPath(dataDir), creating a default
// one (and dataDir) if none exists yet.
func Load(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := Save(cfg, path); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML with a header comment, creating
// parent directories as needed.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, append([]byte(configHeader), body...), 0o600)
}
