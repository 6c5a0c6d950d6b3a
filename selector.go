package x402

import (
	"context"
	"fmt"
	"sort"
)

// Signer produces signed payloads for one scheme on one network.
// It is the client-side capability that holds the payer's key.
type Signer interface {
	// Scheme returns the payment scheme identifier (e.g., "exact")
	Scheme() string

	// Network returns the network this signer pays on
	Network() string

	// CanSign reports whether this signer can satisfy the requirement
	CanSign(requirements *PaymentRequirements) bool

	// Sign creates a signed PaymentPayload for the requirement
	Sign(ctx context.Context, requirements *PaymentRequirements) (*PaymentPayload, error)
}

// Selector picks the requirement to pay and the signer to pay it with
type Selector func(accepts []PaymentRequirements, signers []Signer) (*PaymentRequirements, Signer, error)

// FirstMatch selects the first requirement, in server order, that some signer can sign.
// Servers express preference by ordering accepts.
func FirstMatch(accepts []PaymentRequirements, signers []Signer) (*PaymentRequirements, Signer, error) {
	for i := range accepts {
		req := &accepts[i]
		for _, s := range signers {
			if s.Scheme() == req.Scheme && s.Network() == req.Network && s.CanSign(req) {
				return req, s, nil
			}
		}
	}
	return nil, nil, &PaymentError{
		Code:    ErrCodeNoSupportedRequirement,
		Message: fmt.Sprintf("no signer supports any of %d offered requirements", len(accepts)),
	}
}

// ByPreference returns a Selector that reorders accepts with less before
// taking the first match. Equal requirements keep server order.
func ByPreference(less func(a, b PaymentRequirements) bool) Selector {
	return func(accepts []PaymentRequirements, signers []Signer) (*PaymentRequirements, Signer, error) {
		sorted := make([]PaymentRequirements, len(accepts))
		copy(sorted, accepts)
		sort.SliceStable(sorted, func(i, j int) bool {
			return less(sorted[i], sorted[j])
		})
		return FirstMatch(sorted, signers)
	}
}

// FindMatchingRequirement finds the accepted requirement with the payload's scheme and network
func FindMatchingRequirement(payload *PaymentPayload, accepts []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range accepts {
		req := &accepts[i]
		if req.Scheme == payload.Scheme && req.Network == payload.Network {
			return req, nil
		}
	}
	return nil, &PaymentError{
		Code:    ErrCodeRequirementMismatch,
		Message: fmt.Sprintf("no accepted requirement for scheme %q on network %q", payload.Scheme, payload.Network),
	}
}
