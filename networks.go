package x402

import (
	"fmt"
	"strings"
)

// EIP712Domain is the token's typed-signature domain name and version
type EIP712Domain struct {
	Name    string `json:"name" mapstructure:"name"`
	Version string `json:"version" mapstructure:"version"`
}

// Asset identifies a token on a network
type Asset struct {
	Address  string       `json:"address" mapstructure:"address" validate:"required"`
	Decimals int          `json:"decimals" mapstructure:"decimals" validate:"gte=0,lte=36"`
	EIP712   EIP712Domain `json:"eip712" mapstructure:"eip712"`
}

// NetworkInfo describes a supported settlement network
type NetworkInfo struct {
	Network string
	ChainID int64
	// USDC is the default asset for money-denominated prices
	USDC Asset
}

var networks = map[string]NetworkInfo{
	"base": {
		Network: "base",
		ChainID: 8453,
		USDC: Asset{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Decimals: 6,
			EIP712:   EIP712Domain{Name: "USD Coin", Version: "2"},
		},
	},
	"base-sepolia": {
		Network: "base-sepolia",
		ChainID: 84532,
		USDC: Asset{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Decimals: 6,
			EIP712:   EIP712Domain{Name: "USDC", Version: "2"},
		},
	},
	"avalanche": {
		Network: "avalanche",
		ChainID: 43114,
		USDC: Asset{
			Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			Decimals: 6,
			EIP712:   EIP712Domain{Name: "USD Coin", Version: "2"},
		},
	},
	"avalanche-fuji": {
		Network: "avalanche-fuji",
		ChainID: 43113,
		USDC: Asset{
			Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
			Decimals: 6,
			EIP712:   EIP712Domain{Name: "USD Coin", Version: "2"},
		},
	},
}

// LookupNetwork resolves a network by name ("base-sepolia") or CAIP-2 id ("eip155:84532")
func LookupNetwork(network string) (NetworkInfo, bool) {
	if info, ok := networks[network]; ok {
		return info, true
	}
	if ref, ok := strings.CutPrefix(network, "eip155:"); ok {
		for _, info := range networks {
			if fmt.Sprint(info.ChainID) == ref {
				info.Network = network
				return info, true
			}
		}
	}
	return NetworkInfo{}, false
}

// ChainID returns the EVM chain id of a known network
func ChainID(network string) (int64, error) {
	info, ok := LookupNetwork(network)
	if !ok {
		return 0, fmt.Errorf("unsupported network %q", network)
	}
	return info.ChainID, nil
}
