// Package evm binds the "exact" scheme to EVM chains: EIP-3009
// transferWithAuthorization signed as EIP-712 typed data.
package evm

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/becomeliminal/x402-gate"
)

// Authorization contains the EIP-3009 authorization parameters in typed form.
// x402.ExactAuthorization is its wire form.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// NewAuthorization creates an authorization valid from ten seconds ago
// until timeoutSeconds from now, with a fresh random nonce.
func NewAuthorization(from, to common.Address, value *big.Int, timeoutSeconds int, now time.Time) (*Authorization, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(now.Unix() - 10),
		ValidBefore: big.NewInt(now.Unix() + int64(timeoutSeconds)),
		Nonce:       nonce,
	}, nil
}

// GenerateNonce returns 32 random bytes
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// ParseAuthorization converts the wire form, checking addresses, integers and nonce length
func ParseAuthorization(auth *x402.ExactAuthorization) (*Authorization, error) {
	if !common.IsHexAddress(auth.From) {
		return nil, fmt.Errorf("invalid from address %q", auth.From)
	}
	if !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("invalid to address %q", auth.To)
	}

	out := &Authorization{
		From: common.HexToAddress(auth.From),
		To:   common.HexToAddress(auth.To),
	}

	var ok bool
	if out.Value, ok = new(big.Int).SetString(auth.Value, 10); !ok {
		return nil, fmt.Errorf("invalid value %q", auth.Value)
	}
	if out.ValidAfter, ok = new(big.Int).SetString(auth.ValidAfter, 10); !ok {
		return nil, fmt.Errorf("invalid validAfter %q", auth.ValidAfter)
	}
	if out.ValidBefore, ok = new(big.Int).SetString(auth.ValidBefore, 10); !ok {
		return nil, fmt.Errorf("invalid validBefore %q", auth.ValidBefore)
	}

	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(nonce) != 32 {
		return nil, fmt.Errorf("nonce must be 32 bytes, got %d", len(nonce))
	}
	copy(out.Nonce[:], nonce)

	return out, nil
}

// Wire returns the JSON form carried in an "exact" payload
func (a *Authorization) Wire() *x402.ExactAuthorization {
	return &x402.ExactAuthorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       hexutil.Encode(a.Nonce[:]),
	}
}
