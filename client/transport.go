package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/becomeliminal/x402-gate"
)

// maxChallengeBody caps how much of a 402 body is read
const maxChallengeBody = 1 << 20

// Transport is an http.RoundTripper that pays 402 challenges.
// Every request costs at most two round trips: the unpaid attempt and one paid retry.
type Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Payer selects and signs payments
	Payer *Payer
}

// NewTransport creates a Transport over http.DefaultTransport
func NewTransport(opts ...Option) *Transport {
	return &Transport{
		Base:  http.DefaultTransport,
		Payer: NewPayer(opts...),
	}
}

// NewClient returns an *http.Client that pays for x402-gated resources
func NewClient(opts ...Option) *http.Client {
	return &http.Client{Transport: NewTransport(opts...)}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	first := req.Clone(req.Context())
	if first.Body, err = getBody(); err != nil {
		return nil, err
	}

	resp, err := base.RoundTrip(first)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read payment challenge: %w", err)
	}

	var challenge x402.PaymentRequiredResponse
	if err := json.Unmarshal(data, &challenge); err != nil || len(challenge.Accepts) == 0 {
		// Not an x402 challenge; hand the 402 back untouched
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return resp, nil
	}

	target := req.URL.String()
	start := time.Now()

	selected, payload, err := t.Payer.Pay(req.Context(), challenge.Accepts)
	if err != nil {
		t.Payer.ReportFailure("HTTP", target, selected, err, time.Since(start))
		return nil, err
	}

	t.Payer.ReportAttempt("HTTP", target, selected)

	header, err := x402.EncodePayment(payload)
	if err != nil {
		err = x402.NewPaymentError(x402.ErrCodeSigning, "failed to encode payment", err)
		t.Payer.ReportFailure("HTTP", target, selected, err, time.Since(start))
		return nil, err
	}

	retry := req.Clone(req.Context())
	if retry.Body, err = getBody(); err != nil {
		return nil, err
	}
	retry.Header.Set(x402.HeaderPayment, header)

	paid, err := base.RoundTrip(retry)
	if err != nil {
		t.Payer.ReportFailure("HTTP", target, selected, err, time.Since(start))
		return nil, err
	}

	if paid.StatusCode == http.StatusPaymentRequired {
		t.Payer.ReportFailure("HTTP", target, selected, fmt.Errorf("payment rejected"), time.Since(start))
		return paid, nil
	}

	settled, _ := Settlement(paid)
	t.Payer.ReportSuccess("HTTP", target, selected, settled, time.Since(start))

	return paid, nil
}

// replayableBody returns a function yielding a fresh copy of the request body
// for each attempt, buffering it when the request can't replay it itself.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return func() (io.ReadCloser, error) { return req.Body, nil }, nil
	}

	if req.GetBody != nil {
		used := false
		return func() (io.ReadCloser, error) {
			if !used {
				used = true
				return req.Body, nil
			}
			return req.GetBody()
		}, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

// Settlement decodes the X-PAYMENT-RESPONSE receipt of a paid response.
// It returns nil, nil when the response carries no receipt.
func Settlement(resp *http.Response) (*x402.SettleResponse, error) {
	header := resp.Header.Get(x402.HeaderPaymentResponse)
	if header == "" {
		return nil, nil
	}
	return x402.DecodeSettleResponse(header)
}
