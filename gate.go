package x402

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Gate runs the payment state machine: decode, match, verify, then settle
// once the protected handler has produced a successful result.
// A Gate holds no per-request state and is safe for concurrent use.
type Gate struct {
	cfg Config
}

// NewGate validates cfg and returns a Gate for it
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "invalid x402 configuration", err)
	}
	return &Gate{cfg: cfg}, nil
}

// MatchEndpoint finds the route priced for an HTTP path
func (g *Gate) MatchEndpoint(requestPath string) (*RouteConfig, bool) {
	return g.cfg.MatchEndpoint(requestPath)
}

// MatchMethod finds the route priced for a gRPC method
func (g *Gate) MatchMethod(fullMethod string) (*RouteConfig, bool) {
	return g.cfg.MatchMethod(fullMethod)
}

// Verify takes the raw payment header and the requirements on offer and returns
// a Session ready to settle. Errors are *PaymentError; see StatusCode for their mapping.
// The facilitator is contacted only when the payload decodes, matches an
// accepted requirement and passes its scheme's checks.
func (g *Gate) Verify(ctx context.Context, header string, accepts []PaymentRequirements) (*Session, error) {
	fields := map[string]any{"request_id": RequestID(ctx)}

	if header == "" {
		g.count("challenge", nil)
		g.cfg.Logger.Debug("payment required", fields)
		return nil, &PaymentError{Code: ErrCodePaymentRequired, Message: "no payment header provided"}
	}

	payload, err := DecodePayment(header)
	if err != nil {
		fields["error"] = err
		g.count("decode_error", nil)
		g.cfg.Logger.Warn("invalid payment header", fields)
		return nil, err
	}

	labels := map[string]string{"network": payload.Network, "scheme": payload.Scheme}
	fields["network"] = payload.Network
	fields["scheme"] = payload.Scheme

	requirements, err := FindMatchingRequirement(payload, accepts)
	if err != nil {
		fields["error"] = err
		g.count("mismatch", labels)
		g.cfg.Logger.Warn("no matching requirement", fields)
		return nil, err
	}

	scheme, err := g.cfg.Schemes.validate(*payload, *requirements)
	if err != nil {
		fields["error"] = err
		g.count(eventFor(err), labels)
		g.cfg.Logger.Warn("payment payload rejected", fields)
		return nil, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, g.timeout(requirements))
	defer cancel()

	start := time.Now()
	resp, err := g.cfg.Facilitator.Verify(verifyCtx, *payload, *requirements)
	g.cfg.Metrics.ObserveLatency("verify", time.Since(start), labels)
	if err != nil {
		err = transportError("verify", err)
		fields["error"] = err
		g.count("verify_error", labels)
		g.cfg.Logger.Error("facilitator verify failed", fields)
		return nil, err
	}

	if !resp.IsValid {
		fields["reason"] = resp.InvalidReason
		g.count("verify_invalid", labels)
		g.cfg.Logger.Warn("payment verification failed", fields)
		return nil, &PaymentError{Code: ErrCodeInvalidPayment, Message: "facilitator rejected payment", Reason: resp.InvalidReason}
	}

	payer := resp.Payer
	if payer == "" {
		payer = scheme.Payer(*payload)
	}

	fields["payer"] = payer
	g.count("verified", labels)
	g.cfg.Logger.Info("payment verified", fields)

	return &Session{
		gate:         g,
		requestID:    RequestID(ctx),
		Payload:      *payload,
		Requirements: *requirements,
		Verification: *resp,
		Payer:        payer,
	}, nil
}

// Session is one verified payment. It settles at most once.
type Session struct {
	gate      *Gate
	requestID string

	Payload      PaymentPayload
	Requirements PaymentRequirements
	Verification VerifyResponse
	Payer        string

	once      sync.Once
	settled   *SettleResponse
	settleErr error
}

// PaymentContext describes the verified payment for the protected handler
func (s *Session) PaymentContext() *PaymentContext {
	return &PaymentContext{
		Verified:     true,
		PayerAddress: s.Payer,
		Amount:       s.Requirements.MaxAmountRequired,
		Asset:        s.Requirements.Asset,
		Scheme:       s.Requirements.Scheme,
		Network:      s.Requirements.Network,
		Requirements: s.Requirements,
		Verification: s.Verification,
	}
}

// Settle asks the facilitator to settle the payment. Only the first call
// reaches the facilitator; later calls return the first outcome.
// Settlement ignores cancellation of ctx so a disconnecting caller cannot
// strand an authorized payment; it is still bounded by the requirement timeout.
func (s *Session) Settle(ctx context.Context) (*SettleResponse, error) {
	s.once.Do(func() {
		s.settled, s.settleErr = s.gate.settle(context.WithoutCancel(ctx), s)
	})
	return s.settled, s.settleErr
}

// Release decides whether a handler response with the given status may go out.
// Statuses outside 2xx are handler failures: nothing is settled and the response
// is released unchanged. For 2xx, and for 101 when the handler takes over the
// connection, the payment is settled and the receipt header is added to h.
// A non-nil error means the response must be withheld.
func (s *Session) Release(ctx context.Context, status int, h http.Header) error {
	if !releasable(status) {
		s.HandlerFailed(fmt.Errorf("handler responded with status %d", status))
		return nil
	}

	resp, err := s.Settle(ctx)
	if err != nil {
		return err
	}

	receipt, err := EncodeSettleResponse(resp)
	if err != nil {
		s.gate.cfg.Logger.Error("failed to encode settlement receipt", map[string]any{
			"request_id":  s.requestID,
			"transaction": resp.Transaction,
			"error":       err,
		})
		return fmt.Errorf("failed to encode settlement receipt: %w", err)
	}
	h.Set(HeaderPaymentResponse, receipt)
	h.Add("Access-Control-Expose-Headers", HeaderPaymentResponse)
	return nil
}

func releasable(status int) bool {
	return status == http.StatusSwitchingProtocols || (status >= 200 && status < 300)
}

// HandlerFailed records that the protected handler failed, so the payment is left unsettled
func (s *Session) HandlerFailed(err error) {
	s.gate.count("handler_failed", s.labels())
	s.gate.cfg.Logger.Warn("handler failed, skipping settlement", map[string]any{
		"request_id": s.requestID,
		"payer":      s.Payer,
		"error":      err,
	})
}

func (s *Session) labels() map[string]string {
	return map[string]string{"network": s.Requirements.Network, "scheme": s.Requirements.Scheme}
}

func (g *Gate) settle(ctx context.Context, s *Session) (*SettleResponse, error) {
	timeout := g.timeout(&s.Requirements)
	if g.cfg.SettleTimeout > 0 {
		timeout = g.cfg.SettleTimeout
	}
	settleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	labels := s.labels()
	fields := map[string]any{
		"request_id": s.requestID,
		"payer":      s.Payer,
		"network":    s.Requirements.Network,
	}

	start := time.Now()
	resp, err := g.cfg.Facilitator.Settle(settleCtx, s.Payload, s.Requirements)
	g.cfg.Metrics.ObserveLatency("settle", time.Since(start), labels)
	if err != nil {
		err = transportError("settle", err)
		fields["error"] = err
		g.count("settle_failed", labels)
		// The handler already ran; the deployment has to reconcile this payment.
		g.cfg.Logger.Error("settlement failed after handler ran", fields)
		return nil, err
	}

	if !resp.Success {
		fields["reason"] = resp.ErrorReason
		g.count("settle_failed", labels)
		g.cfg.Logger.Error("settlement rejected after handler ran", fields)
		return nil, &PaymentError{Code: ErrCodeSettlementFailed, Message: "facilitator did not settle payment", Reason: resp.ErrorReason}
	}

	if resp.Network == "" {
		resp.Network = s.Requirements.Network
	}
	if resp.Payer == "" {
		resp.Payer = s.Payer
	}

	fields["transaction"] = resp.Transaction
	g.count("settled", labels)
	g.cfg.Logger.Info("payment settled", fields)
	return resp, nil
}

// timeout bounds a facilitator call by the requirement's maxTimeoutSeconds
func (g *Gate) timeout(req *PaymentRequirements) time.Duration {
	if req.MaxTimeoutSeconds > 0 {
		return time.Duration(req.MaxTimeoutSeconds) * time.Second
	}
	return DefaultMaxTimeoutSeconds * time.Second
}

func (g *Gate) count(event string, labels map[string]string) {
	g.cfg.Metrics.IncCounter(event, labels)
}

func eventFor(err error) string {
	if errors.Is(err, ErrRequirementMismatch) {
		return "mismatch"
	}
	return "decode_error"
}

// transportError classifies a facilitator failure, keeping an existing classification
func transportError(op string, err error) error {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return err
	}
	return &PaymentError{Code: ErrCodeFacilitatorTransport, Message: "facilitator " + op + " failed", Err: err}
}

type requestIDKey struct{}

// WithRequestID tags ctx with a correlation id used in gate logs
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id on ctx, or ""
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestContext tags r's context with its X-Request-ID, or a fresh UUID
func RequestContext(r *http.Request) context.Context {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	return WithRequestID(r.Context(), id)
}
