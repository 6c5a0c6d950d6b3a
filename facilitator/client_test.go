package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/becomeliminal/x402-gate"
)

func testPayment() (x402.PaymentPayload, x402.PaymentRequirements) {
	payload := x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload:     json.RawMessage(`{"signature":"0xabc"}`),
	}
	req := x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "1000",
		PayTo:             "0xRecipient",
	}
	return payload, req
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "default", url: "", want: DefaultURL},
		{name: "trailing slash trimmed", url: "https://facilitator.example.com/", want: "https://facilitator.example.com"},
		{name: "http allowed", url: "http://localhost:8080", want: "http://localhost:8080"},
		{name: "missing scheme", url: "facilitator.example.com", wantErr: true},
		{name: "other scheme", url: "ftp://facilitator.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.url)
			if tt.wantErr {
				if !errors.Is(err, x402.ErrInvalidConfig) {
					t.Errorf("Expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c.URL() != tt.want {
				t.Errorf("Expected URL %q, got %q", tt.want, c.URL())
			}
		})
	}
}

func TestVerify(t *testing.T) {
	var gotAuth, gotContentType string
	var body paymentRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/verify" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true, Payer: "0xPayer"})
	}))
	defer server.Close()

	c, err := New(server.URL, WithBearerToken("secret"))
	if err != nil {
		t.Fatal(err)
	}

	payload, req := testPayment()
	resp, err := c.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if !resp.IsValid || resp.Payer != "0xPayer" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer token, got %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Expected JSON content type, got %q", gotContentType)
	}
	if body.X402Version != 1 || body.PaymentRequirements.MaxAmountRequired != "1000" || body.PaymentPayload.Network != "base-sepolia" {
		t.Errorf("unexpected request body: %+v", body)
	}
}

func TestVerifyInvalidIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"isValid":false,"invalidReason":"insufficient_funds"}`))
	}))
	defer server.Close()

	c, _ := New(server.URL)
	payload, req := testPayment()

	resp, err := c.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != "insufficient_funds" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSettlePerOperationHeaders(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Op"); got != "settle" {
			t.Errorf("Expected settle header, got %q", got)
		}
		w.Write([]byte(`{"success":true,"transaction":"0xtx","network":"base-sepolia"}`))
	}))
	defer server.Close()

	c, _ := New(server.URL, WithAuthHeaders(func(context.Context) (AuthHeaders, error) {
		atomic.AddInt32(&calls, 1)
		return AuthHeaders{
			Verify: http.Header{"X-Op": []string{"verify"}},
			Settle: http.Header{"X-Op": []string{"settle"}},
		}, nil
	}))

	payload, req := testPayment()
	for i := 0; i < 2; i++ {
		resp, err := c.Settle(context.Background(), payload, req)
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if !resp.Success || resp.Transaction != "0xtx" {
			t.Errorf("unexpected response: %+v", resp)
		}
	}

	if calls != 2 {
		t.Errorf("Expected auth headers to be created per call, got %d calls", calls)
	}
}

func TestTransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		opts    []Option
		errText string
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("boom"))
			},
			errText: "status 500: boom",
		},
		{
			name: "undecodable body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			errText: "failed to decode response",
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
			},
			opts:    []Option{WithTimeout(20 * time.Millisecond)},
			errText: "request failed",
		},
		{
			name:    "auth header factory error",
			handler: func(w http.ResponseWriter, r *http.Request) {},
			opts: []Option{WithAuthHeaders(func(context.Context) (AuthHeaders, error) {
				return AuthHeaders{}, errors.New("no token")
			})},
			errText: "failed to create auth headers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			c, _ := New(server.URL, tt.opts...)
			payload, req := testPayment()

			_, err := c.Verify(context.Background(), payload, req)
			if !errors.Is(err, x402.ErrFacilitatorTransport) {
				t.Fatalf("Expected ErrFacilitatorTransport, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Expected error containing %q, got %q", tt.errText, err.Error())
			}
		})
	}
}

func TestHooks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"isValid":true}`))
	}))
	defer server.Close()

	var ops []string
	c, _ := New(server.URL, WithHooks(
		func(_ context.Context, op string, _ x402.PaymentPayload, _ x402.PaymentRequirements) error {
			ops = append(ops, "before:"+op)
			return nil
		},
		func(_ context.Context, op string, _ time.Duration, err error) {
			ops = append(ops, "after:"+op)
			if err != nil {
				t.Errorf("unexpected error in hook: %v", err)
			}
		},
	))

	payload, req := testPayment()
	if _, err := c.Verify(context.Background(), payload, req); err != nil {
		t.Fatal(err)
	}

	if strings.Join(ops, ",") != "before:verify,after:verify" {
		t.Errorf("unexpected hook order: %v", ops)
	}
}

func TestSupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/supported" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"kinds":[{"x402Version":1,"scheme":"exact","network":"base-sepolia"}]}`))
	}))
	defer server.Close()

	c, _ := New(server.URL)
	resp, err := c.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported: %v", err)
	}

	if !resp.Supports("exact", "base-sepolia") {
		t.Error("Expected exact on base-sepolia to be supported")
	}
	if resp.Supports("exact", "base") {
		t.Error("Expected exact on base to be unsupported")
	}
}
