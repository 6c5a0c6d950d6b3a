package x402

import (
	"context"
	"encoding/json"
)

// X402Version is the protocol version spoken by this package
const X402Version = 1

const (
	// HeaderPayment carries the encoded PaymentPayload on the paid request
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentResponse carries the encoded SettleResponse on the released response
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	// SchemeExact is the fixed-amount authorized transfer scheme
	SchemeExact = "exact"
)

// PaymentPayload represents a parsed X-PAYMENT header.
// Payload holds the scheme-specific body as raw JSON; the SchemeRegistry interprets it.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// PaymentRequirements describes one acceptable way to pay for a resource
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description"`
	MimeType          string                 `json:"mimeType"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the response body when returning 402
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyResponse is the facilitator's answer to /verify
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to /settle.
// It is sent back to the client in the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// Facilitator is the interface that payment verification backends must implement.
// facilitator.Client is the HTTP implementation.
type Facilitator interface {
	// Verify checks if a payment is valid without settling it
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)

	// Settle finalizes a verified payment against the backing ledger
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

// PaymentContext contains payment information that can be extracted in protected handlers
type PaymentContext struct {
	Verified     bool
	PayerAddress string
	Amount       string
	Asset        string
	Scheme       string
	Network      string
	Requirements PaymentRequirements
	Verification VerifyResponse
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context
	PaymentContextKey contextKey = "x402-payment"
)
