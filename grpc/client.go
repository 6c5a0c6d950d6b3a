package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/becomeliminal/x402-gate"
	"github.com/becomeliminal/x402-gate/client"
)

// UnaryClientInterceptor pays RESOURCE_EXHAUSTED payment challenges and retries the call once.
// Other errors, and challenges that don't carry x402 requirements, are returned unchanged.
func UnaryClientInterceptor(payer *client.Payer) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		if err == nil {
			return nil
		}

		st, ok := status.FromError(err)
		if !ok || st.Code() != codes.ResourceExhausted {
			return err
		}

		challenge, decErr := x402.DecodePaymentRequired(st.Message())
		if decErr != nil || len(challenge.Accepts) == 0 {
			return err
		}

		start := time.Now()
		selected, payload, err := payer.Pay(ctx, challenge.Accepts)
		if err != nil {
			payer.ReportFailure("gRPC", method, selected, err, time.Since(start))
			return err
		}

		payer.ReportAttempt("gRPC", method, selected)

		paidCtx, err := AppendPaymentToContext(ctx, payload)
		if err != nil {
			payer.ReportFailure("gRPC", method, selected, err, time.Since(start))
			return err
		}

		var trailer metadata.MD
		err = invoker(paidCtx, method, req, reply, cc, append(opts, grpc.Trailer(&trailer))...)
		if err != nil {
			payer.ReportFailure("gRPC", method, selected, err, time.Since(start))
			return err
		}

		settled, _ := ExtractSettlementFromMetadata(trailer)
		payer.ReportSuccess("gRPC", method, selected, settled, time.Since(start))
		return nil
	}
}
