package x402

// DefaultAmount replaces a missing or malformed maxAmountRequired
const DefaultAmount = "0"

// NormalizeAmount returns a copy of req whose MaxAmountRequired is a
// non-negative integer string. Anything else is replaced by DefaultAmount.
func NormalizeAmount(req PaymentRequirements) PaymentRequirements {
	if !isAtomicAmount(req.MaxAmountRequired) {
		req.MaxAmountRequired = DefaultAmount
	}
	return req
}

// isAtomicAmount reports whether s matches ^[0-9]+$
func isAtomicAmount(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
