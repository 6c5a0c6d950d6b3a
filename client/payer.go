// Package client pays for x402-gated resources: it answers a 402 challenge
// with a signed payment and retries the request once.
package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/becomeliminal/x402-gate"
	"github.com/becomeliminal/x402-gate/logger"
)

// EventType represents the type of payment event
type EventType string

const (
	EventAttempt EventType = "attempt"
	EventSuccess EventType = "success"
	EventFailure EventType = "failure"
)

// Event describes one step of a payment for callbacks
type Event struct {
	Type      EventType
	Timestamp time.Time
	// Method is the transport ("HTTP" or "gRPC")
	Method string
	// Target is the URL or full gRPC method paid for
	Target string

	Network   string
	Scheme    string
	Amount    string
	Asset     string
	Recipient string

	// Payer and Transaction are set on success when the server returned a receipt
	Payer       string
	Transaction string

	Err      error
	Duration time.Duration
}

// Callback receives payment events
type Callback func(Event)

// Payer chooses a requirement from a challenge and signs it.
// It is shared by the HTTP transport and the gRPC client interceptor.
type Payer struct {
	signers   []x402.Signer
	selector  x402.Selector
	maxAmount *big.Int
	logger    logger.Logger

	onAttempt Callback
	onSuccess Callback
	onFailure Callback
}

// Option configures a Payer
type Option func(*Payer)

// WithSigner adds a signer; signers are tried in the order they were added
func WithSigner(s x402.Signer) Option {
	return func(p *Payer) {
		p.signers = append(p.signers, s)
	}
}

// WithSelector replaces the default first-match selector
func WithSelector(sel x402.Selector) Option {
	return func(p *Payer) {
		p.selector = sel
	}
}

// WithMaxAmount refuses requirements asking for more than max atomic units
func WithMaxAmount(max *big.Int) Option {
	return func(p *Payer) {
		p.maxAmount = max
	}
}

// WithLogger sets the payer logger
func WithLogger(l logger.Logger) Option {
	return func(p *Payer) {
		p.logger = l
	}
}

// WithCallbacks installs payment event callbacks; nil callbacks are skipped
func WithCallbacks(onAttempt, onSuccess, onFailure Callback) Option {
	return func(p *Payer) {
		p.onAttempt = onAttempt
		p.onSuccess = onSuccess
		p.onFailure = onFailure
	}
}

// NewPayer creates a Payer
func NewPayer(opts ...Option) *Payer {
	p := &Payer{
		selector: x402.FirstMatch,
		logger:   logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pay selects a requirement from accepts and returns it with a signed payload
func (p *Payer) Pay(ctx context.Context, accepts []x402.PaymentRequirements) (*x402.PaymentRequirements, *x402.PaymentPayload, error) {
	req, signer, err := p.selector(p.affordable(accepts), p.signers)
	if err != nil {
		return nil, nil, err
	}

	payload, err := signer.Sign(ctx, req)
	if err != nil {
		if x402.GetPaymentErrorCode(err) == "" {
			err = x402.NewPaymentError(x402.ErrCodeSigning, "failed to sign payment", err)
		}
		return nil, nil, err
	}

	return req, payload, nil
}

// affordable drops requirements above the spending limit
func (p *Payer) affordable(accepts []x402.PaymentRequirements) []x402.PaymentRequirements {
	if p.maxAmount == nil {
		return accepts
	}

	out := make([]x402.PaymentRequirements, 0, len(accepts))
	for _, req := range accepts {
		amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
		if !ok || amount.Cmp(p.maxAmount) > 0 {
			p.logger.Debug("requirement above spending limit", map[string]any{
				"network": req.Network,
				"amount":  req.MaxAmountRequired,
				"limit":   p.maxAmount.String(),
			})
			continue
		}
		out = append(out, req)
	}
	return out
}

func (p *Payer) emit(cb Callback, ev Event) {
	if cb == nil {
		return
	}
	ev.Timestamp = time.Now()
	cb(ev)
}

// ReportAttempt emits an attempt event
func (p *Payer) ReportAttempt(method, target string, req *x402.PaymentRequirements) {
	p.emit(p.onAttempt, eventFor(EventAttempt, method, target, req))
}

// ReportSuccess emits a success event with the receipt, if any
func (p *Payer) ReportSuccess(method, target string, req *x402.PaymentRequirements, settled *x402.SettleResponse, d time.Duration) {
	ev := eventFor(EventSuccess, method, target, req)
	ev.Duration = d
	if settled != nil {
		ev.Payer = settled.Payer
		ev.Transaction = settled.Transaction
	}
	p.emit(p.onSuccess, ev)
}

// ReportFailure logs and emits a failure event
func (p *Payer) ReportFailure(method, target string, req *x402.PaymentRequirements, err error, d time.Duration) {
	ev := eventFor(EventFailure, method, target, req)
	ev.Err = err
	ev.Duration = d
	p.logger.Warn("payment failed", map[string]any{"target": target, "error": err})
	p.emit(p.onFailure, ev)
}

func eventFor(t EventType, method, target string, req *x402.PaymentRequirements) Event {
	ev := Event{Type: t, Method: method, Target: target}
	if req != nil {
		ev.Network = req.Network
		ev.Scheme = req.Scheme
		ev.Amount = req.MaxAmountRequired
		ev.Asset = req.Asset
		ev.Recipient = req.PayTo
	}
	return ev
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s %s (%s %s on %s)", e.Type, e.Method, e.Target, e.Amount, e.Asset, e.Network)
}
