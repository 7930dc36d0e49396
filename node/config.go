// Package node wires the eth/62 protocol manager into a runnable devp2p node:
// chain storage, transaction pool, RLPx server and metrics endpoint.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"gopkg.in/yaml.v3"

	"github.com/eth2030/eth62/eth"
)

// Config holds all configuration for an eth62 node.
type Config struct {
	// DataDir is the root directory for chain data and the node key.
	// Empty keeps the chain in memory and uses an ephemeral key.
	DataDir string `yaml:"datadir"`

	// Name is a human-readable node identifier (used in logs and the
	// devp2p client name).
	Name string `yaml:"name"`

	// NetworkID is the chain id announced in the status handshake.
	NetworkID uint64 `yaml:"network_id"`

	// ListenAddr is the TCP address of the RLPx listener.
	ListenAddr string `yaml:"listen_addr"`

	// MaxPeers is the maximum number of P2P peers.
	MaxPeers int `yaml:"max_peers"`

	// Bootnodes are enode URLs dialed at startup.
	Bootnodes []string `yaml:"bootnodes"`

	// NodeKeyFile holds the hex secp256k1 key, relative to DataDir.
	NodeKeyFile string `yaml:"node_key"`

	// MetricsAddr is the HTTP address of the Prometheus endpoint.
	// Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls log verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat selects the log handler (terminal, json, logfmt).
	LogFormat string `yaml:"log_format"`

	// DatabaseCache and DatabaseHandles size the leveldb store.
	DatabaseCache   int `yaml:"db_cache"`
	DatabaseHandles int `yaml:"db_handles"`

	TxPool TxPoolConfig `yaml:"txpool"`
	Eth    eth.Config   `yaml:"eth"`

	// NoDial disables outbound dialing; used by tests.
	NoDial bool `yaml:"-"`
}

// TxPoolConfig is the yaml view of the pool settings.
type TxPoolConfig struct {
	MaxSize      int    `yaml:"max_size"`
	MaxPerSender int    `yaml:"max_per_sender"`
	MinGasPrice  uint64 `yaml:"min_gas_price"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:         "",
		Name:            "eth62",
		NetworkID:       1,
		ListenAddr:      ":30303",
		MaxPeers:        25,
		NodeKeyFile:     "nodekey",
		MetricsAddr:     "",
		LogLevel:        "info",
		LogFormat:       "terminal",
		DatabaseCache:   16,
		DatabaseHandles: 16,
		TxPool: TxPoolConfig{
			MaxSize:      4096,
			MaxPerSender: 16,
			MinGasPrice:  1,
		},
		Eth: eth.DefaultConfig(),
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.NetworkID == 0 {
		return errors.New("config: network id must not be zero")
	}
	if c.ListenAddr == "" {
		return errors.New("config: listen address must not be empty")
	}
	if c.MaxPeers < 0 {
		return fmt.Errorf("config: invalid max peers: %d", c.MaxPeers)
	}
	for _, url := range c.Bootnodes {
		if _, err := enode.Parse(enode.ValidSchemes, url); err != nil {
			return fmt.Errorf("config: invalid bootnode %q: %w", url, err)
		}
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "terminal", "json", "logfmt":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if r := c.Eth.DowngradedTxAcceptRatio; r < 0 || r > 1 {
		return fmt.Errorf("config: downgraded tx accept ratio out of range: %v", r)
	}
	if c.Eth.FloodSoftLimit > 0 && c.Eth.FloodHardLimit > 0 && c.Eth.FloodSoftLimit > c.Eth.FloodHardLimit {
		return fmt.Errorf("config: flood soft limit %v above hard limit %v", c.Eth.FloodSoftLimit, c.Eth.FloodHardLimit)
	}
	return nil
}

// ResolvePath resolves a path relative to the data directory.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) || c.DataDir == "" {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// LoadConfig reads a yaml file over DefaultConfig and validates the result.
// Keys missing from the file keep their default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
