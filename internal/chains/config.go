package chains

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single supported chain.
type Definition struct {
	// Type selects the address scheme: near, solana or evm.
	Type string `yaml:"type"`
	// Custody marks chains that may hold order custody deposits.
	Custody bool `yaml:"custody"`
	// Assets lists the asset identifiers accepted on this chain. An empty
	// list accepts any non-empty identifier.
	Assets      []string `yaml:"assets"`
	Description string   `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// DefaultDefinitions returns the built-in chain set used when no YAML file
// is configured. It matches configs/chains.yaml shipped with the repo.
func DefaultDefinitions() Definitions {
	return Definitions{Chains: map[string]Definition{
		"near":     {Type: "near", Custody: true},
		"solana":   {Type: "solana", Custody: true},
		"ethereum": {Type: "evm"},
		"base":     {Type: "evm"},
		"arbitrum": {Type: "evm"},
	}}
}
