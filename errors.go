package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// PaymentError represents an error related to payment processing.
// Two PaymentErrors match under errors.Is when their codes are equal,
// so callers compare against the Err* sentinels below.
type PaymentError struct {
	Code    string
	Message string
	// Reason is the facilitator-supplied invalidReason or errorReason, if any.
	Reason string
	Err    error
}

func (e *PaymentError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is matches any *PaymentError carrying the same code.
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes.
const (
	ErrCodePaymentRequired        = "PAYMENT_REQUIRED"
	ErrCodeDecode                 = "DECODE_ERROR"
	ErrCodeRequirementMismatch    = "REQUIREMENT_MISMATCH"
	ErrCodeInvalidPayment         = "INVALID_PAYMENT"
	ErrCodeFacilitatorTransport   = "FACILITATOR_TRANSPORT"
	ErrCodeSettlementFailed       = "SETTLEMENT_FAILED"
	ErrCodeHandler                = "HANDLER_ERROR"
	ErrCodeInvalidConfig          = "INVALID_CONFIG"
	ErrCodeNoSupportedRequirement = "NO_SUPPORTED_REQUIREMENT"
	ErrCodeSigning                = "SIGNING_FAILED"
)

// Sentinels for errors.Is.
var (
	ErrPaymentRequired        = &PaymentError{Code: ErrCodePaymentRequired}
	ErrDecode                 = &PaymentError{Code: ErrCodeDecode}
	ErrRequirementMismatch    = &PaymentError{Code: ErrCodeRequirementMismatch}
	ErrInvalidPayment         = &PaymentError{Code: ErrCodeInvalidPayment}
	ErrFacilitatorTransport   = &PaymentError{Code: ErrCodeFacilitatorTransport}
	ErrSettlementFailed       = &PaymentError{Code: ErrCodeSettlementFailed}
	ErrHandler                = &PaymentError{Code: ErrCodeHandler}
	ErrInvalidConfig          = &PaymentError{Code: ErrCodeInvalidConfig}
	ErrNoSupportedRequirement = &PaymentError{Code: ErrCodeNoSupportedRequirement}
	ErrSigning                = &PaymentError{Code: ErrCodeSigning}
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// GetPaymentErrorCode extracts the error code from a PaymentError anywhere in the chain.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsChallenge reports whether err should be answered with a 402 that re-lists
// the accepted requirements. These are payer faults the client can correct.
func IsChallenge(err error) bool {
	switch GetPaymentErrorCode(err) {
	case ErrCodePaymentRequired, ErrCodeDecode, ErrCodeRequirementMismatch,
		ErrCodeInvalidPayment, ErrCodeSettlementFailed:
		return true
	}
	return false
}

// StatusCode maps a gate error to the HTTP status returned to the payer
func StatusCode(err error) int {
	if IsChallenge(err) {
		return http.StatusPaymentRequired
	}
	if errors.Is(err, ErrFacilitatorTransport) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// challengeMessage is the text placed in the 402 body's error field
func challengeMessage(err error) string {
	var pe *PaymentError
	if !errors.As(err, &pe) {
		return err.Error()
	}
	switch pe.Code {
	case ErrCodePaymentRequired:
		return "No X-PAYMENT header provided"
	case ErrCodeDecode:
		if pe.Err != nil {
			return fmt.Sprintf("Invalid payment header format: %v", pe.Err)
		}
		return "Invalid payment header format: " + pe.Message
	case ErrCodeRequirementMismatch:
		return "No matching payment requirements found"
	case ErrCodeInvalidPayment:
		return "Invalid payment: " + pe.Reason
	case ErrCodeSettlementFailed:
		return "Settle failed: " + pe.Reason
	}
	return pe.Error()
}
