package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/becomeliminal/x402-gate"
)

// KeySigner signs EIP-712 digests for one address.
// Implementations can wrap a raw key, a hardware wallet or a remote signer.
type KeySigner interface {
	Address() common.Address
	SignDigest(digest []byte) ([]byte, error)
}

// PrivateKeySigner signs with an in-memory secp256k1 key
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeySigner parses a hex private key, with or without 0x prefix
func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySigner(key), nil
}

// NewKeySigner wraps an existing key
func NewKeySigner(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

// SignDigest returns a 65-byte [R || S || V] signature with V in {27, 28}
func (s *PrivateKeySigner) SignDigest(digest []byte) ([]byte, error) {
	signature, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}
	signature[64] += 27
	return signature, nil
}

// Signer implements x402.Signer for the "exact" scheme on one EVM network
type Signer struct {
	key     KeySigner
	network string
	now     func() time.Time
}

// SignerOption configures a Signer
type SignerOption func(*Signer)

// WithClock overrides the time source used for the validity window
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a signer paying on network with key
func NewSigner(network string, key KeySigner, opts ...SignerOption) (*Signer, error) {
	if _, ok := x402.LookupNetwork(network); !ok {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	if key == nil {
		return nil, fmt.Errorf("key signer is required")
	}

	s := &Signer{
		key:     key,
		network: network,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Signer) Scheme() string { return x402.SchemeExact }

func (s *Signer) Network() string { return s.network }

// Address returns the paying address
func (s *Signer) Address() common.Address { return s.key.Address() }

// CanSign reports whether req is an "exact" requirement on this network with
// a well-formed asset, recipient, amount and EIP-712 domain.
func (s *Signer) CanSign(req *x402.PaymentRequirements) bool {
	if req.Scheme != x402.SchemeExact || req.Network != s.network {
		return false
	}
	if !common.IsHexAddress(req.PayTo) {
		return false
	}
	if _, ok := new(big.Int).SetString(req.MaxAmountRequired, 10); !ok {
		return false
	}
	_, err := DomainFor(req)
	return err == nil
}

// Sign authorizes a transfer of exactly maxAmountRequired to payTo
func (s *Signer) Sign(ctx context.Context, req *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.CanSign(req) {
		return nil, &x402.PaymentError{
			Code:    x402.ErrCodeSigning,
			Message: fmt.Sprintf("cannot sign %s requirement on %s", req.Scheme, req.Network),
		}
	}

	domain, err := DomainFor(req)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigning, "invalid signing domain", err)
	}

	value, _ := new(big.Int).SetString(req.MaxAmountRequired, 10)
	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = x402.DefaultMaxTimeoutSeconds
	}

	auth, err := NewAuthorization(s.key.Address(), common.HexToAddress(req.PayTo), value, timeout, s.now())
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigning, "failed to create authorization", err)
	}

	digest, err := HashAuthorization(domain, auth)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigning, "failed to hash authorization", err)
	}

	signature, err := s.key.SignDigest(digest)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigning, "failed to sign authorization", err)
	}

	payload, err := x402.NewPaymentPayload(x402.SchemeExact, s.network, x402.ExactPayload{
		Signature:     hexutil.Encode(signature),
		Authorization: auth.Wire(),
	})
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigning, "failed to build payload", err)
	}

	return payload, nil
}
