package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/becomeliminal/x402-gate"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments.
// The payment travels in the x402-payment metadata key; the receipt comes back in the
// x402-payment-response trailer once the handler has succeeded and the payment settled.
// It panics if cfg is invalid.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	return UnaryGateInterceptor(mustGate(cfg))
}

// UnaryGateInterceptor is UnaryServerInterceptor for an existing Gate
func UnaryGateInterceptor(gate *x402.Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		route, requiresPayment := gate.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(ctx, req)
		}

		accepts, err := x402.BuildRequirements(route, info.FullMethod)
		if err != nil {
			return nil, status.Error(codes.Internal, fmt.Sprintf("failed to build payment requirements: %v", err))
		}

		ctx, header := incoming(ctx)
		trailer := func(md metadata.MD) { grpc.SetTrailer(ctx, md) }

		session, err := gate.Verify(ctx, header, accepts)
		if err != nil {
			return nil, statusFor(err, accepts, trailer)
		}

		ctx = context.WithValue(ctx, x402.PaymentContextKey, session.PaymentContext())

		resp, err := handler(ctx, req)
		if err != nil {
			session.HandlerFailed(err)
			return nil, err
		}

		settled, err := session.Settle(ctx)
		if err != nil {
			return nil, statusFor(err, accepts, trailer)
		}

		if receipt, err := x402.EncodeSettleResponse(settled); err == nil {
			trailer(metadata.Pairs(MetadataKeyPaymentResponse, receipt))
		}

		return resp, nil
	}
}

func mustGate(cfg x402.Config) *x402.Gate {
	gate, err := x402.NewGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	return gate
}

// statusFor maps a gate error to a gRPC status.
// Challenges use RESOURCE_EXHAUSTED, following Google Cloud's precedent for
// billing enforcement, with the base64 402 body as the message and in a trailer.
func statusFor(err error, accepts []x402.PaymentRequirements, trailer func(metadata.MD)) error {
	if x402.IsChallenge(err) {
		encoded, encErr := x402.EncodePaymentRequired(x402.NewChallenge(err, accepts))
		if encErr != nil {
			return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", encErr))
		}
		trailer(metadata.Pairs(MetadataKeyPaymentRequirements, encoded))
		return status.Error(codes.ResourceExhausted, encoded)
	}

	if errors.Is(err, x402.ErrFacilitatorTransport) {
		return status.Error(codes.Unavailable, err.Error())
	}

	return status.Error(codes.Internal, err.Error())
}

// GetPaymentFromContext extracts payment information from the gRPC context
// This can be used in gRPC service handlers to access payment details
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
// Useful for gRPC handlers that must have valid payment
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
