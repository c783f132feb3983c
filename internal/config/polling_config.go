package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChainPollingConfig controls how long and how aggressively a chain's
// pollers scan, per spec.md §6's defaults.
type ChainPollingConfig struct {
	MaxDurationMin      int `yaml:"maxDurationMin" json:"maxDurationMin"`
	BlockWindowBackscan int `yaml:"blockWindowBackscan" json:"blockWindowBackscan"`
	PollIntervalMs      int `yaml:"pollIntervalMs" json:"pollIntervalMs"`
	BlockRequestDelayMs int `yaml:"blockRequestDelayMs" json:"blockRequestDelayMs"`
}

// defaultPollingConfig matches spec.md §6's documented defaults exactly.
var defaultPollingConfig = ChainPollingConfig{
	MaxDurationMin:      30,
	BlockWindowBackscan: 20,
	PollIntervalMs:      5000,
}

// ChainPollingConfigs is a mapping from chain id to ChainPollingConfig.
type ChainPollingConfigs map[string]ChainPollingConfig

// LoadChainPollingConfig loads the chain-polling-config document. Per
// spec.md §6, CHAIN_POLLING_CONFIGS is a JSON override; if source looks like
// a file path it's read as YAML, otherwise it's parsed directly as inline
// JSON - the same file-or-inline ambiguity the teacher resolves in
// LoadConfig by trying one shape, then the other.
func LoadChainPollingConfig(source string) (ChainPollingConfigs, error) {
	configs := ChainPollingConfigs{}
	if source == "" {
		return configs, nil
	}

	if data, err := os.ReadFile(source); err == nil {
		if jsonErr := json.Unmarshal(data, &configs); jsonErr == nil {
			return configs, nil
		}
		if yamlErr := yaml.Unmarshal(data, &configs); yamlErr == nil {
			return configs, nil
		}
		return nil, fmt.Errorf("chain polling config %s: neither valid json nor yaml", source)
	}

	if err := json.Unmarshal([]byte(source), &configs); err != nil {
		return nil, fmt.Errorf("chain polling config: invalid inline json: %w", err)
	}
	return configs, nil
}

// Get returns the polling config for chainID, falling back to
// defaultPollingConfig's fields for any zero-valued field, per spec.md §6's
// "Defaults" clause.
func (c ChainPollingConfigs) Get(chainID string) ChainPollingConfig {
	cfg, ok := c[chainID]
	if !ok {
		return defaultPollingConfig
	}
	if cfg.MaxDurationMin == 0 {
		cfg.MaxDurationMin = defaultPollingConfig.MaxDurationMin
	}
	if cfg.BlockWindowBackscan == 0 {
		cfg.BlockWindowBackscan = defaultPollingConfig.BlockWindowBackscan
	}
	if cfg.PollIntervalMs == 0 {
		cfg.PollIntervalMs = defaultPollingConfig.PollIntervalMs
	}
	return cfg
}
