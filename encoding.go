package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// maxSafeInteger is the largest integer a JSON number can carry without
// losing precision in IEEE-754 based decoders.
const maxSafeInteger = 1<<53 - 1

// NewPaymentPayload builds a PaymentPayload around a scheme-specific body.
// Big integers and out-of-range integers inside body are written as decimal strings.
func NewPaymentPayload(scheme, network string, body interface{}) (*PaymentPayload, error) {
	raw, err := json.Marshal(jsonSafe(body))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      scheme,
		Network:     network,
		Payload:     raw,
	}, nil
}

// EncodePayment encodes a PaymentPayload to X-PAYMENT header format (base64 JSON)
func EncodePayment(payment *PaymentPayload) (string, error) {
	return encodeJSON(payment)
}

// DecodePayment parses an X-PAYMENT header.
// Unknown schemes decode fine; rejecting them is the Gate's job.
func DecodePayment(header string) (*PaymentPayload, error) {
	payloadBytes, err := decodeBase64(header)
	if err != nil {
		return nil, &PaymentError{Code: ErrCodeDecode, Message: "invalid base64", Err: err}
	}

	var payment PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payment); err != nil {
		return nil, &PaymentError{Code: ErrCodeDecode, Message: "invalid JSON", Err: err}
	}

	if payment.X402Version == 0 {
		return nil, &PaymentError{Code: ErrCodeDecode, Message: "x402Version is required"}
	}

	if payment.Scheme == "" {
		return nil, &PaymentError{Code: ErrCodeDecode, Message: "scheme is required"}
	}

	if payment.Network == "" {
		return nil, &PaymentError{Code: ErrCodeDecode, Message: "network is required"}
	}

	if len(payment.Payload) == 0 || bytes.Equal(payment.Payload, []byte("null")) {
		return nil, &PaymentError{Code: ErrCodeDecode, Message: "payload is required"}
	}

	return &payment, nil
}

// EncodeSettleResponse encodes a settlement receipt for the X-PAYMENT-RESPONSE header
func EncodeSettleResponse(response *SettleResponse) (string, error) {
	return encodeJSON(response)
}

// DecodeSettleResponse decodes an X-PAYMENT-RESPONSE header
func DecodeSettleResponse(header string) (*SettleResponse, error) {
	responseBytes, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response SettleResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// EncodePaymentRequired encodes a 402 body for transports without a response body, such as gRPC metadata
func EncodePaymentRequired(response *PaymentRequiredResponse) (string, error) {
	return encodeJSON(response)
}

// DecodePaymentRequired is the inverse of EncodePaymentRequired
func DecodePaymentRequired(encoded string) (*PaymentRequiredResponse, error) {
	jsonBytes, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentRequiredResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment requirements: %w", err)
	}

	return &response, nil
}

func encodeJSON(v interface{}) (string, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// jsonSafe rewrites values that JSON cannot carry exactly into decimal strings
func jsonSafe(v interface{}) interface{} {
	switch t := v.(type) {
	case *big.Int:
		if t == nil {
			return nil
		}
		return t.String()
	case *big.Float:
		if t == nil {
			return nil
		}
		return t.Text('f', -1)
	case int:
		return safeInt(int64(t))
	case int64:
		return safeInt(t)
	case uint:
		return safeUint(uint64(t))
	case uint64:
		return safeUint(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = jsonSafe(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = jsonSafe(val)
		}
		return out
	}
	return v
}

func safeInt(n int64) interface{} {
	if n > maxSafeInteger || n < -maxSafeInteger {
		return strconv.FormatInt(n, 10)
	}
	return n
}

func safeUint(n uint64) interface{} {
	if n > maxSafeInteger {
		return strconv.FormatUint(n, 10)
	}
	return n
}
