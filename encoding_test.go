package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestDecodePayment(t *testing.T) {
	valid := `{"x402Version":1,"scheme":"exact","network":"base","payload":{"signature":"0x1"}}`

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"standard base64", base64.StdEncoding.EncodeToString([]byte(valid)), false},
		{"url-safe unpadded", base64.RawURLEncoding.EncodeToString([]byte(valid)), false},
		{"surrounding whitespace", " " + base64.StdEncoding.EncodeToString([]byte(valid)) + "\n", false},
		{"unknown scheme decodes", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"scheme":"upto","network":"base","payload":{}}`)), false},
		{"not base64", "!!!", true},
		{"not json", base64.StdEncoding.EncodeToString([]byte("hello")), true},
		{"missing version", base64.StdEncoding.EncodeToString([]byte(`{"scheme":"exact","network":"base","payload":{}}`)), true},
		{"missing scheme", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"network":"base","payload":{}}`)), true},
		{"missing network", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"scheme":"exact","payload":{}}`)), true},
		{"null payload", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"scheme":"exact","network":"base","payload":null}`)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayment(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodePayment() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDecode) {
				t.Errorf("Expected DECODE_ERROR, got %v", err)
			}
		})
	}
}

func TestEncodeDecodePayment(t *testing.T) {
	value, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)

	tests := []struct {
		name    string
		scheme  string
		network string
		body    interface{}
	}{
		{
			name:    "exact authorization",
			scheme:  SchemeExact,
			network: "base-sepolia",
			body: ExactPayload{
				Signature: "0xsig",
				Authorization: &ExactAuthorization{
					From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
					To:          testPayTo,
					Value:       "10000",
					ValidAfter:  "1700000000",
					ValidBefore: "1700000060",
					Nonce:       "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480",
				},
			},
		},
		{
			name:    "big integers",
			scheme:  SchemeExact,
			network: "base",
			body:    map[string]interface{}{"value": value, "deadline": uint64(1) << 63, "count": 3},
		},
		{
			name:    "nested lists",
			scheme:  "upto",
			network: "eip155:8453",
			body:    map[string]interface{}{"hops": []interface{}{"a", 1, map[string]interface{}{"b": true}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original, err := NewPaymentPayload(tt.scheme, tt.network, tt.body)
			if err != nil {
				t.Fatalf("NewPaymentPayload: %v", err)
			}

			encoded, err := EncodePayment(original)
			if err != nil {
				t.Fatalf("EncodePayment: %v", err)
			}
			decoded, err := DecodePayment(encoded)
			if err != nil {
				t.Fatalf("DecodePayment: %v", err)
			}

			if decoded.X402Version != original.X402Version {
				t.Errorf("X402Version mismatch: got %d, want %d", decoded.X402Version, original.X402Version)
			}
			if decoded.Scheme != original.Scheme || decoded.Network != original.Network {
				t.Errorf("scheme/network mismatch: got %s/%s, want %s/%s", decoded.Scheme, decoded.Network, original.Scheme, original.Network)
			}

			var want bytes.Buffer
			if err := json.Compact(&want, original.Payload); err != nil {
				t.Fatalf("Compact: %v", err)
			}
			if !bytes.Equal(decoded.Payload, want.Bytes()) {
				t.Errorf("payload mismatch:\ngot  %s\nwant %s", decoded.Payload, want.Bytes())
			}
		})
	}
}

func TestNewPaymentPayload_BigIntegers(t *testing.T) {
	value, _ := new(big.Int).SetString("123456789012345678901234567890", 10)

	payload, err := NewPaymentPayload(SchemeExact, "base", map[string]interface{}{
		"value":  value,
		"small":  42,
		"unsafe": int64(1) << 60,
	})
	if err != nil {
		t.Fatalf("NewPaymentPayload: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(payload.Payload, &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if body["value"] != "123456789012345678901234567890" {
		t.Errorf("Expected big.Int as decimal string, got %v", body["value"])
	}
	if body["small"] != float64(42) {
		t.Errorf("Expected safe integer as number, got %v", body["small"])
	}
	if body["unsafe"] != "1152921504606846976" {
		t.Errorf("Expected unsafe integer as decimal string, got %v", body["unsafe"])
	}
}

func TestSettleResponseHeader(t *testing.T) {
	encoded, err := EncodeSettleResponse(&SettleResponse{Success: true, Transaction: "0xabc", Network: "base", Payer: "0xpayer"})
	if err != nil {
		t.Fatalf("EncodeSettleResponse: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(encoded)
	if !strings.Contains(string(raw), `"transaction":"0xabc"`) {
		t.Errorf("unexpected receipt JSON %s", raw)
	}

	decoded, err := DecodeSettleResponse(encoded)
	if err != nil {
		t.Fatalf("DecodeSettleResponse: %v", err)
	}
	if decoded.Payer != "0xpayer" {
		t.Errorf("Expected payer 0xpayer, got %q", decoded.Payer)
	}

	if _, err := DecodeSettleResponse("***"); err == nil {
		t.Error("Expected error for invalid receipt")
	}
}

func TestPaymentRequiredJSON(t *testing.T) {
	resp := NewChallenge(ErrPaymentRequired, []PaymentRequirements{{Scheme: "exact", Network: "base", MaxAmountRequired: "1"}})
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	for _, field := range []string{`"x402Version":1`, `"error":"No X-PAYMENT header provided"`, `"maxAmountRequired":"1"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("Expected %s in %s", field, raw)
		}
	}
}
