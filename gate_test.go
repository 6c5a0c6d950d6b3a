package x402

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func newTestGate(t *testing.T, mock *MockFacilitator) (*Gate, []PaymentRequirements) {
	t.Helper()
	gate, err := NewGate(Config{Facilitator: mock})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	route := usdRoute("0.01")
	accepts, err := BuildRequirements(&route, "https://api.example.com/v1/premium")
	if err != nil {
		t.Fatalf("BuildRequirements: %v", err)
	}
	return gate, accepts
}

func TestGate_SettlesAtMostOnce(t *testing.T) {
	mock := &MockFacilitator{
		SettleFunc: func(ctx context.Context, _ PaymentPayload, req PaymentRequirements) (*SettleResponse, error) {
			time.Sleep(10 * time.Millisecond)
			return &SettleResponse{Success: true, Transaction: "0xonce", Network: req.Network}, nil
		},
	}
	gate, accepts := newTestGate(t, mock)

	session, err := gate.Verify(context.Background(), exactPayment(t, "base-sepolia", "10000"), accepts)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := session.Settle(context.Background())
			if err != nil || resp.Transaction != "0xonce" {
				t.Errorf("Settle = %+v, %v", resp, err)
			}
		}()
	}
	wg.Wait()

	if mock.settles() != 1 {
		t.Errorf("Expected exactly 1 settle, got %d", mock.settles())
	}
}

func TestGate_SettleIgnoresCallerCancellation(t *testing.T) {
	mock := &MockFacilitator{
		SettleFunc: func(ctx context.Context, _ PaymentPayload, req PaymentRequirements) (*SettleResponse, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected settle to be bounded by a deadline")
			}
			return &SettleResponse{Success: true, Transaction: "0xtx", Network: req.Network}, nil
		},
	}
	gate, accepts := newTestGate(t, mock)

	ctx, cancel := context.WithCancel(WithRequestID(context.Background(), "req-1"))
	session, err := gate.Verify(ctx, exactPayment(t, "base-sepolia", "10000"), accepts)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	cancel()

	if _, err := session.Settle(ctx); err != nil {
		t.Errorf("Expected settlement to survive cancellation, got %v", err)
	}
}

func TestSession_Release(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantSettles int32
		wantReceipt bool
	}{
		{"ok", http.StatusOK, 1, true},
		{"created", http.StatusCreated, 1, true},
		{"no content", http.StatusNoContent, 1, true},
		{"switching protocols", http.StatusSwitchingProtocols, 1, true},
		{"continue", http.StatusContinue, 0, false},
		{"redirect", http.StatusFound, 0, false},
		{"client error", http.StatusBadRequest, 0, false},
		{"server error", http.StatusServiceUnavailable, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockFacilitator{}
			gate, accepts := newTestGate(t, mock)

			session, err := gate.Verify(context.Background(), exactPayment(t, "base-sepolia", "10000"), accepts)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}

			h := http.Header{}
			if err := session.Release(context.Background(), tt.status, h); err != nil {
				t.Fatalf("Release: %v", err)
			}

			if mock.settles() != tt.wantSettles {
				t.Errorf("Expected %d settles, got %d", tt.wantSettles, mock.settles())
			}
			if (h.Get(HeaderPaymentResponse) != "") != tt.wantReceipt {
				t.Errorf("Expected receipt=%v, got header %q", tt.wantReceipt, h.Get(HeaderPaymentResponse))
			}
		})
	}
}

func TestGate_VerifyErrors(t *testing.T) {
	gate, accepts := newTestGate(t, &MockFacilitator{})

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"missing", "", ErrPaymentRequired},
		{"garbage", "not json at all", ErrDecode},
		{"unknown network", exactPayment(t, "polygon", "10000"), ErrRequirementMismatch},
		{"underpaid", exactPayment(t, "base-sepolia", "1"), ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gate.Verify(context.Background(), tt.header, accepts)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGate_UnregisteredScheme(t *testing.T) {
	mock := &MockFacilitator{}
	gate, accepts := newTestGate(t, mock)
	accepts[0].Scheme = "upto"

	payload, _ := NewPaymentPayload("upto", "base-sepolia", map[string]interface{}{"max": 1})
	header, _ := EncodePayment(payload)

	_, err := gate.Verify(context.Background(), header, accepts)
	if !errors.Is(err, ErrRequirementMismatch) {
		t.Errorf("Expected mismatch for unregistered scheme, got %v", err)
	}
	if mock.verifies() != 0 {
		t.Errorf("Expected no facilitator call, got %d", mock.verifies())
	}
}

func TestGate_PayerFallsBackToAuthorization(t *testing.T) {
	mock := &MockFacilitator{
		VerifyFunc: func(context.Context, PaymentPayload, PaymentRequirements) (*VerifyResponse, error) {
			return &VerifyResponse{IsValid: true}, nil
		},
	}
	gate, accepts := newTestGate(t, mock)

	session, err := gate.Verify(context.Background(), exactPayment(t, "base-sepolia", "10000"), accepts)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if session.Payer != "0x857b06519E91e3A54538791bDbb0E22373e36b66" {
		t.Errorf("unexpected payer %q", session.Payer)
	}
}

func TestGate_Timeout(t *testing.T) {
	gate := &Gate{}
	if got := gate.timeout(&PaymentRequirements{MaxTimeoutSeconds: 5}); got != 5*time.Second {
		t.Errorf("Expected 5s, got %v", got)
	}
	if got := gate.timeout(&PaymentRequirements{}); got != DefaultMaxTimeoutSeconds*time.Second {
		t.Errorf("Expected default, got %v", got)
	}

	gate.cfg.SettleTimeout = time.Second
	if got := gate.timeout(&PaymentRequirements{MaxTimeoutSeconds: 5}); got != 5*time.Second {
		t.Errorf("Expected SettleTimeout to leave verify alone, got %v", got)
	}
}

func TestGate_SettleTimeoutOnlyBoundsSettle(t *testing.T) {
	var verifyLeft, settleLeft time.Duration
	mock := &MockFacilitator{
		VerifyFunc: func(ctx context.Context, _ PaymentPayload, _ PaymentRequirements) (*VerifyResponse, error) {
			deadline, _ := ctx.Deadline()
			verifyLeft = time.Until(deadline)
			return &VerifyResponse{IsValid: true, Payer: "0xtest"}, nil
		},
		SettleFunc: func(ctx context.Context, _ PaymentPayload, req PaymentRequirements) (*SettleResponse, error) {
			deadline, _ := ctx.Deadline()
			settleLeft = time.Until(deadline)
			return &SettleResponse{Success: true, Transaction: "0xtx", Network: req.Network}, nil
		},
	}
	gate, accepts := newTestGate(t, mock)
	gate.cfg.SettleTimeout = 2 * time.Second

	session, err := gate.Verify(context.Background(), exactPayment(t, "base-sepolia", "10000"), accepts)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := session.Settle(context.Background()); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if verifyLeft <= 2*time.Second {
		t.Errorf("Expected verify bounded by maxTimeoutSeconds, got %v", verifyLeft)
	}
	if settleLeft > 2*time.Second {
		t.Errorf("Expected settle bounded by SettleTimeout, got %v", settleLeft)
	}
}

func TestRequestContext(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	if got := RequestID(RequestContext(req)); got != "abc" {
		t.Errorf("Expected abc, got %q", got)
	}

	req.Header.Del("X-Request-ID")
	if got := RequestID(RequestContext(req)); got == "" {
		t.Error("Expected a generated request id")
	}
}
