package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultTaxRate applies when an amount is below every tier of its network
const DefaultTaxRate = 30.0

//go:embed networks.yaml
var defaultNetworksYAML []byte

// TaxTier is a delegation tax rate that applies from Threshold upwards
type TaxTier struct {
	Threshold float64 `yaml:"threshold"`
	Rate      float64 `yaml:"rate"`
}

// NetworkConfig holds the delegation rules of a Cellframe network
type NetworkConfig struct {
	Name            string    `yaml:"name"`
	DelegationToken string    `yaml:"delegation_token"`
	FeeToken        string    `yaml:"fee_token"`
	PaymentToken    string    `yaml:"payment_token"`
	MinDelegation   float64   `yaml:"min_delegation"`
	MaxDelegation   float64   `yaml:"max_delegation"`
	MinFee          float64   `yaml:"min_fee"`
	TaxTiers        []TaxTier `yaml:"tax_tiers"`
}

type networksFile struct {
	Networks []NetworkConfig `yaml:"networks"`
}

// LoadNetworks reads the network table from path, or the embedded table when path is empty
func LoadNetworks(path string) (map[string]NetworkConfig, error) {
	data := defaultNetworksYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read NETWORKS_FILE %s: %v", path, err)
		}
	}
	return ParseNetworks(data)
}

// ParseNetworks decodes a YAML network table
func ParseNetworks(data []byte) (map[string]NetworkConfig, error) {
	var file networksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode network table: %v", err)
	}
	if len(file.Networks) == 0 {
		return nil, fmt.Errorf("network table is empty")
	}

	networks := make(map[string]NetworkConfig, len(file.Networks))
	for _, n := range file.Networks {
		if n.Name == "" {
			return nil, fmt.Errorf("network entry without a name")
		}
		if _, dup := networks[n.Name]; dup {
			return nil, fmt.Errorf("network %s defined twice", n.Name)
		}
		if n.MaxDelegation > 0 && n.MaxDelegation < n.MinDelegation {
			return nil, fmt.Errorf("network %s: max_delegation below min_delegation", n.Name)
		}
		sort.Slice(n.TaxTiers, func(i, j int) bool {
			return n.TaxTiers[i].Threshold < n.TaxTiers[j].Threshold
		})
		networks[n.Name] = n
	}
	return networks, nil
}

// TaxRate returns the delegation tax for amount: the rate of the highest tier it reaches
func (n NetworkConfig) TaxRate(amount float64) float64 {
	rate := DefaultTaxRate
	for _, tier := range n.TaxTiers {
		if amount >= tier.Threshold {
			rate = tier.Rate
		}
	}
	return rate
}
