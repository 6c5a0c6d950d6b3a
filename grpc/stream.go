package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/becomeliminal/x402-gate"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments.
// Payment is verified before the stream begins and settled when the handler sends
// its first message; a handler that sends nothing settles on successful return.
// It panics if cfg is invalid.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	return StreamGateInterceptor(mustGate(cfg))
}

// StreamGateInterceptor is StreamServerInterceptor for an existing Gate
func StreamGateInterceptor(gate *x402.Gate) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		route, requiresPayment := gate.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(srv, ss)
		}

		accepts, err := x402.BuildRequirements(route, info.FullMethod)
		if err != nil {
			return status.Error(codes.Internal, fmt.Sprintf("failed to build payment requirements: %v", err))
		}

		ctx, header := incoming(ss.Context())

		session, err := gate.Verify(ctx, header, accepts)
		if err != nil {
			return statusFor(err, accepts, ss.SetTrailer)
		}

		wrapped := &paymentServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ctx, x402.PaymentContextKey, session.PaymentContext()),
			session:      session,
			accepts:      accepts,
		}

		err = handler(srv, wrapped)
		if err != nil {
			if !wrapped.committed {
				session.HandlerFailed(err)
			}
			return err
		}

		return wrapped.commit()
	}
}

// paymentServerStream wraps grpc.ServerStream to provide updated context with payment info
// and to settle before the first response message leaves the server.
type paymentServerStream struct {
	grpc.ServerStream
	ctx     context.Context
	session *x402.Session
	accepts []x402.PaymentRequirements

	committed bool
	err       error
}

// Context returns the wrapped context with payment information
func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}

// SendMsg settles the payment before the first message is released
func (s *paymentServerStream) SendMsg(m interface{}) error {
	if err := s.commit(); err != nil {
		return err
	}
	return s.ServerStream.SendMsg(m)
}

// commit settles once; later calls return the first outcome
func (s *paymentServerStream) commit() error {
	if s.committed {
		return s.err
	}
	s.committed = true

	settled, err := s.session.Settle(s.ctx)
	if err != nil {
		s.err = statusFor(err, s.accepts, s.ServerStream.SetTrailer)
		return s.err
	}

	if receipt, err := x402.EncodeSettleResponse(settled); err == nil {
		s.ServerStream.SetTrailer(metadata.Pairs(MetadataKeyPaymentResponse, receipt))
	}
	return nil
}
