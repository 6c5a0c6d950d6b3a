package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// ExactPayload is the "exact" scheme body: an EIP-3009 transferWithAuthorization and its signature
type ExactPayload struct {
	Signature     string              `json:"signature"`
	Authorization *ExactAuthorization `json:"authorization"`
}

// ExactAuthorization contains the EIP-3009 authorization parameters.
// Numeric fields are decimal strings.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ParseExactPayload decodes and structurally validates an "exact" payload body
func ParseExactPayload(raw json.RawMessage) (*ExactPayload, error) {
	var exact ExactPayload
	if err := json.Unmarshal(raw, &exact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exact payload: %w", err)
	}

	if exact.Signature == "" {
		return nil, fmt.Errorf("signature is required")
	}

	if exact.Authorization == nil {
		return nil, fmt.Errorf("authorization is required")
	}

	auth := exact.Authorization
	if auth.From == "" || auth.To == "" || auth.Nonce == "" {
		return nil, fmt.Errorf("authorization missing required fields")
	}

	for name, v := range map[string]string{
		"value":       auth.Value,
		"validAfter":  auth.ValidAfter,
		"validBefore": auth.ValidBefore,
	} {
		if !isAtomicAmount(v) {
			return nil, fmt.Errorf("authorization %s must be an integer encoded as a string", name)
		}
	}

	return &exact, nil
}

// ExactScheme is the ledger-agnostic "exact" scheme: it checks the payload
// shape and that the authorization does not pay less than required.
// evm.ExactScheme layers signature recovery on top.
type ExactScheme struct{}

func (ExactScheme) Name() string { return SchemeExact }

func (ExactScheme) Validate(payload PaymentPayload, requirements PaymentRequirements) error {
	exact, err := ParseExactPayload(payload.Payload)
	if err != nil {
		return err
	}

	value, _ := new(big.Int).SetString(exact.Authorization.Value, 10)
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if ok && value.Cmp(required) < 0 {
		return fmt.Errorf("authorization value %s below required %s", exact.Authorization.Value, requirements.MaxAmountRequired)
	}

	return nil
}

func (ExactScheme) Payer(payload PaymentPayload) string {
	exact, err := ParseExactPayload(payload.Payload)
	if err != nil {
		return ""
	}
	return exact.Authorization.From
}
