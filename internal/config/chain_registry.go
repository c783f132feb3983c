package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChainType is the transport family a chain id resolves to.
type ChainType string

const (
	ChainTypeEVM        ChainType = "evm"
	ChainTypeTendermint ChainType = "tendermint"
)

// ChainContracts names the on-chain addresses a chain's adapter needs.
type ChainContracts struct {
	USDC              string `yaml:"usdc"`
	TokenMessenger    string `yaml:"tokenMessenger"`
	MessageTransmitter string `yaml:"messageTransmitter"`
}

// ChainInfo is one chain registry entry, grounded on the teacher's
// internal/utils/chain_registry.go ChainInfo shape, generalized from the
// teacher's SLIP44-keyed EVM-only registry to the closed evm/tendermint set
// this spec needs.
type ChainInfo struct {
	ChainType   ChainType       `yaml:"chainType"`
	Network     string          `yaml:"network"`
	DisplayName string          `yaml:"displayName"`
	RPCUrls     []string        `yaml:"rpcUrls"`
	Explorer    string          `yaml:"explorer,omitempty"`
	Contracts   *ChainContracts `yaml:"contracts,omitempty"`
	Gasless     bool            `yaml:"gasless,omitempty"`
}

// ChainRegistry is a mapping from chain id to ChainInfo.
type ChainRegistry map[string]ChainInfo

// LoadChainRegistry reads the YAML chain registry document named by
// CHAIN_REGISTRY_PATH (or the given path), mirroring the teacher's config
// loading: parse errors are wrapped with the file name for operator
// diagnosis.
func LoadChainRegistry(path string) (ChainRegistry, error) {
	if path == "" {
		return ChainRegistry{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain registry %s: %w", path, err)
	}
	var reg ChainRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("chain registry %s: invalid yaml: %w", path, err)
	}
	return reg, nil
}

// Get looks up a chain id, returning ok=false for unknown ids (callers turn
// this into an HTTP 400 per spec.md §6).
func (r ChainRegistry) Get(chainID string) (ChainInfo, bool) {
	info, ok := r[chainID]
	return info, ok
}
