package x402

import (
	"fmt"
	"sort"
)

// Scheme interprets the scheme-specific body of a PaymentPayload.
// Implementations must be safe for concurrent use.
type Scheme interface {
	// Name is the scheme tag carried in PaymentPayload.Scheme and PaymentRequirements.Scheme
	Name() string

	// Validate checks the payload body against the requirement it claims to satisfy.
	// It runs before the facilitator is contacted; a non-nil error rejects the payment.
	Validate(payload PaymentPayload, requirements PaymentRequirements) error

	// Payer returns the paying address, or "" if the body does not reveal it
	Payer(payload PaymentPayload) string
}

// SchemeRegistry maps scheme names to their Scheme.
// Register everything before handing the registry to a Gate; lookups are not synchronized with Register.
type SchemeRegistry struct {
	schemes map[string]Scheme
}

// NewSchemeRegistry creates a registry holding the given schemes
func NewSchemeRegistry(schemes ...Scheme) *SchemeRegistry {
	r := &SchemeRegistry{schemes: make(map[string]Scheme, len(schemes))}
	for _, s := range schemes {
		r.Register(s)
	}
	return r
}

// DefaultSchemes returns a registry with the structural "exact" scheme
func DefaultSchemes() *SchemeRegistry {
	return NewSchemeRegistry(ExactScheme{})
}

// Register adds or replaces a scheme
func (r *SchemeRegistry) Register(s Scheme) {
	r.schemes[s.Name()] = s
}

// Lookup returns the scheme registered under name
func (r *SchemeRegistry) Lookup(name string) (Scheme, bool) {
	s, ok := r.schemes[name]
	return s, ok
}

// Names lists registered schemes in sorted order
func (r *SchemeRegistry) Names() []string {
	names := make([]string, 0, len(r.schemes))
	for name := range r.schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validate dispatches to the scheme named by the payload
func (r *SchemeRegistry) validate(payload PaymentPayload, requirements PaymentRequirements) (Scheme, error) {
	s, ok := r.Lookup(payload.Scheme)
	if !ok {
		return nil, &PaymentError{Code: ErrCodeRequirementMismatch, Message: fmt.Sprintf("unsupported scheme %q", payload.Scheme)}
	}
	if err := s.Validate(payload, requirements); err != nil {
		return nil, &PaymentError{Code: ErrCodeDecode, Message: fmt.Sprintf("invalid %s payload", s.Name()), Err: err}
	}
	return s, nil
}
