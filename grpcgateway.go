package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys used to forward a verified payment from grpc-gateway to the gRPC handler
const (
	MetadataPaymentVerified = "x-payment-verified"
	MetadataPaymentPayer    = "x-payment-payer"
	MetadataPaymentAmount   = "x-payment-amount"
	MetadataPaymentAsset    = "x-payment-asset"
	MetadataPaymentNetwork  = "x-payment-network"
	MetadataPaymentScheme   = "x-payment-scheme"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil || !payment.Verified {
			return md
		}

		md.Set(MetadataPaymentVerified, "true")
		md.Set(MetadataPaymentPayer, payment.PayerAddress)
		md.Set(MetadataPaymentAmount, payment.Amount)
		md.Set(MetadataPaymentNetwork, payment.Network)
		md.Set(MetadataPaymentScheme, payment.Scheme)

		if payment.Asset != "" {
			md.Set(MetadataPaymentAsset, payment.Asset)
		}

		return md
	})
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers served behind grpc-gateway to access payment details
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	if first(md, MetadataPaymentVerified) != "true" {
		return nil, false
	}

	return &PaymentContext{
		Verified:     true,
		PayerAddress: first(md, MetadataPaymentPayer),
		Amount:       first(md, MetadataPaymentAmount),
		Asset:        first(md, MetadataPaymentAsset),
		Network:      first(md, MetadataPaymentNetwork),
		Scheme:       first(md, MetadataPaymentScheme),
	}, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context
// This is useful if you need to make payment decisions based on the matched route
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
