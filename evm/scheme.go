package evm

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/becomeliminal/x402-gate"
)

// ExactScheme checks "exact" payloads locally before the facilitator sees them:
// addresses, recipient, amount, validity window and the signature itself.
// Register it over the structural default with x402.NewSchemeRegistry(evm.NewExactScheme()).
type ExactScheme struct {
	// Now is the clock used for the validity window
	Now func() time.Time
}

// NewExactScheme returns an ExactScheme on the wall clock
func NewExactScheme() *ExactScheme {
	return &ExactScheme{Now: time.Now}
}

func (s *ExactScheme) Name() string { return x402.SchemeExact }

func (s *ExactScheme) Validate(payload x402.PaymentPayload, req x402.PaymentRequirements) error {
	exact, err := x402.ParseExactPayload(payload.Payload)
	if err != nil {
		return err
	}

	auth, err := ParseAuthorization(exact.Authorization)
	if err != nil {
		return err
	}

	if !strings.EqualFold(auth.To.Hex(), req.PayTo) {
		return fmt.Errorf("authorization pays %s, requirement pays %s", auth.To.Hex(), req.PayTo)
	}

	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return fmt.Errorf("invalid maxAmountRequired %q", req.MaxAmountRequired)
	}
	if auth.Value.Cmp(required) != 0 {
		return fmt.Errorf("authorization value %s does not equal required %s", auth.Value, required)
	}

	now := big.NewInt(s.clock().Unix())
	if auth.ValidAfter.Cmp(now) > 0 {
		return fmt.Errorf("authorization not yet valid")
	}
	if auth.ValidBefore.Cmp(now) <= 0 {
		return fmt.Errorf("authorization expired")
	}

	// Without a known chain the domain can't be rebuilt; leave the signature to the facilitator.
	domain, err := DomainFor(&req)
	if err != nil {
		return nil
	}

	signer, err := RecoverSigner(domain, auth, exact.Signature)
	if err != nil {
		return err
	}
	if signer != auth.From {
		return fmt.Errorf("signature recovers to %s, not %s", signer.Hex(), auth.From.Hex())
	}

	return nil
}

func (s *ExactScheme) Payer(payload x402.PaymentPayload) string {
	return x402.ExactScheme{}.Payer(payload)
}

func (s *ExactScheme) clock() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// RecoverSigner returns the address that produced signature over auth
func RecoverSigner(domain Domain, auth *Authorization, signature string) (addr common.Address, err error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return addr, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return addr, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Undo the 27 offset applied by Ethereum wallets
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest, err := HashAuthorization(domain, auth)
	if err != nil {
		return addr, err
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return addr, fmt.Errorf("failed to recover signer: %w", err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}
