package x402

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Price is either a money amount in USD, settled in the network's USDC,
// or an explicit token amount in atomic units. Exactly one field is set.
type Price struct {
	// Money is a decimal currency amount such as "$0.001", "0.10" or "1"
	Money string `json:"money,omitempty" mapstructure:"money"`

	// Token is an atomic amount of a specific asset
	Token *TokenAmount `json:"token,omitempty" mapstructure:"token"`
}

// TokenAmount is an amount already expressed in the asset's smallest unit
type TokenAmount struct {
	Amount string `json:"amount" mapstructure:"amount" validate:"required,numeric"`
	Asset  Asset  `json:"asset" mapstructure:"asset"`
}

// USD returns a money price
func USD(amount string) Price {
	return Price{Money: amount}
}

// TokenPrice returns an explicit asset price
func TokenPrice(amount string, asset Asset) Price {
	return Price{Token: &TokenAmount{Amount: amount, Asset: asset}}
}

// Validate checks that exactly one form is set
func (p Price) Validate() error {
	switch {
	case p.Money == "" && p.Token == nil:
		return fmt.Errorf("price is required")
	case p.Money != "" && p.Token != nil:
		return fmt.Errorf("price must be either money or token, not both")
	case p.Token != nil:
		if !isAtomicAmount(p.Token.Amount) {
			return fmt.Errorf("token amount %q must be an integer in atomic units", p.Token.Amount)
		}
		if p.Token.Asset.Address == "" {
			return fmt.Errorf("token asset address is required")
		}
		return nil
	}
	_, err := ParseMoney(p.Money, 6)
	return err
}

// Resolve converts the price into an atomic amount and the asset it is denominated in
func (p Price) Resolve(network string) (string, Asset, error) {
	if p.Token != nil {
		return p.Token.Amount, p.Token.Asset, nil
	}

	info, ok := LookupNetwork(network)
	if !ok {
		return "", Asset{}, fmt.Errorf("no default asset for network %q; use a token price", network)
	}

	amount, err := ParseMoney(p.Money, info.USDC.Decimals)
	if err != nil {
		return "", Asset{}, err
	}
	return amount, info.USDC, nil
}

// ParseMoney converts "$1.12" into atomic units ("1120000" at 6 decimals).
// Sub-unit remainders are truncated.
func ParseMoney(money string, decimals int) (string, error) {
	s := strings.TrimSpace(money)
	s = strings.TrimPrefix(s, "$")

	amount, err := decimal.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("invalid money amount %q: %w", money, err)
	}

	if amount.IsNegative() {
		return "", fmt.Errorf("money amount %q cannot be negative", money)
	}

	return amount.Shift(int32(decimals)).Truncate(0).BigInt().String(), nil
}
