package grpc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"

	"github.com/becomeliminal/x402-gate"
)

const (
	// MetadataKeyPaymentRequirements is the trailer key carrying the encoded 402 body
	MetadataKeyPaymentRequirements = "x402-payment-requirements"

	// MetadataKeyPayment is the metadata key for payment payload
	MetadataKeyPayment = "x402-payment"

	// MetadataKeyPaymentResponse is the trailer key for the settlement receipt
	MetadataKeyPaymentResponse = "x402-payment-response"

	// MetadataKeyRequestID correlates gate logs with the caller
	MetadataKeyRequestID = "x-request-id"
)

// ExtractPaymentFromMetadata extracts and decodes payment from gRPC metadata
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.PaymentPayload, error) {
	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment found in metadata")
	}

	return x402.DecodePayment(values[0])
}

// ExtractPaymentRequirementsFromMetadata extracts and decodes payment requirements from gRPC metadata
func ExtractPaymentRequirementsFromMetadata(md metadata.MD) (*x402.PaymentRequiredResponse, error) {
	values := md.Get(MetadataKeyPaymentRequirements)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment requirements found in metadata")
	}

	return x402.DecodePaymentRequired(values[0])
}

// ExtractSettlementFromMetadata decodes the settlement receipt from trailer metadata.
// It returns nil, nil when the trailer carries no receipt.
func ExtractSettlementFromMetadata(md metadata.MD) (*x402.SettleResponse, error) {
	values := md.Get(MetadataKeyPaymentResponse)
	if len(values) == 0 {
		return nil, nil
	}

	return x402.DecodeSettleResponse(values[0])
}

// AppendPaymentToContext attaches an encoded payment to the outgoing metadata of ctx
func AppendPaymentToContext(ctx context.Context, payment *x402.PaymentPayload) (context.Context, error) {
	encoded, err := x402.EncodePayment(payment)
	if err != nil {
		return nil, err
	}
	return metadata.AppendToOutgoingContext(ctx, MetadataKeyPayment, encoded), nil
}

// incoming reads the payment header and tags ctx with a request id
func incoming(ctx context.Context) (context.Context, string) {
	md, _ := metadata.FromIncomingContext(ctx)

	id := first(md, MetadataKeyRequestID)
	if id == "" {
		id = uuid.NewString()
	}

	return x402.WithRequestID(ctx, id), first(md, MetadataKeyPayment)
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
