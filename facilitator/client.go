// Package facilitator is the HTTP client for an x402 facilitator service.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/becomeliminal/x402-gate"
	"github.com/becomeliminal/x402-gate/logger"
)

const (
	// DefaultURL is the public facilitator
	DefaultURL = "https://x402.org/facilitator"

	// DefaultTimeout bounds calls made without a context deadline
	DefaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of a failed response is kept in the error
	maxErrorBody = 512
)

// AuthHeaders holds extra headers per facilitator operation
type AuthHeaders struct {
	Verify    http.Header
	Settle    http.Header
	Supported http.Header
}

// AuthHeadersFunc produces auth headers. It is called before every request so tokens can rotate.
type AuthHeadersFunc func(ctx context.Context) (AuthHeaders, error)

// OnBeforeFunc is called before verify or settle. Returning an error aborts the call.
type OnBeforeFunc func(ctx context.Context, op string, payload x402.PaymentPayload, req x402.PaymentRequirements) error

// OnAfterFunc is called after verify or settle with the outcome and elapsed time
type OnAfterFunc func(ctx context.Context, op string, elapsed time.Duration, err error)

// Client talks to a facilitator's /verify, /settle and /supported endpoints.
// It implements x402.Facilitator.
type Client struct {
	url               string
	httpClient        *http.Client
	timeout           time.Duration
	createAuthHeaders AuthHeadersFunc
	onBefore          OnBeforeFunc
	onAfter           OnAfterFunc
	logger            logger.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds calls whose context has no deadline
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithAuthHeaders sets the auth header factory
func WithAuthHeaders(fn AuthHeadersFunc) Option {
	return func(c *Client) {
		c.createAuthHeaders = fn
	}
}

// WithBearerToken authenticates every request with a static bearer token
func WithBearerToken(token string) Option {
	return WithAuthHeaders(func(context.Context) (AuthHeaders, error) {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token)
		return AuthHeaders{Verify: h, Settle: h, Supported: h}, nil
	})
}

// WithHooks installs before/after callbacks for verify and settle
func WithHooks(before OnBeforeFunc, after OnAfterFunc) Option {
	return func(c *Client) {
		c.onBefore = before
		c.onAfter = after
	}
}

// WithLogger sets the client logger
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a facilitator client. An empty url selects DefaultURL.
func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		url = DefaultURL
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig,
			fmt.Sprintf("facilitator url must start with http:// or https://, got %q", url), nil)
	}

	c := &Client{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the normalized base URL
func (c *Client) URL() string {
	return c.url
}

type paymentRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// Verify checks if a payment is valid via POST /verify.
// isValid:false is a normal response, not an error.
func (c *Client) Verify(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	var resp x402.VerifyResponse
	if err := c.exchange(ctx, "verify", payload, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle finalizes a payment via POST /settle.
// success:false is a normal response, not an error.
func (c *Client) Settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	var resp x402.SettleResponse
	if err := c.exchange(ctx, "settle", payload, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SupportedKind is one scheme/network pair a facilitator handles
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the response from /supported
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Supports reports whether the facilitator lists scheme on network
func (s *SupportedResponse) Supports(scheme, network string) bool {
	for _, k := range s.Kinds {
		if k.Scheme == scheme && k.Network == network {
			return true
		}
	}
	return false
}

// Supported fetches supported kinds via GET /supported
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	auth, err := c.authHeaders(ctx)
	if err != nil {
		return nil, transport("supported", "failed to create auth headers", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
	if err != nil {
		return nil, transport("supported", "failed to create request", err)
	}
	mergeHeaders(httpReq.Header, auth.Supported)

	var resp SupportedResponse
	if err := c.do(httpReq, "supported", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) exchange(ctx context.Context, op string, payload x402.PaymentPayload, req x402.PaymentRequirements, out interface{}) (err error) {
	if c.onBefore != nil {
		if err := c.onBefore(ctx, op, payload, req); err != nil {
			return transport(op, "aborted by hook", err)
		}
	}
	if c.onAfter != nil {
		start := time.Now()
		defer func() { c.onAfter(ctx, op, time.Since(start), err) }()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	auth, err := c.authHeaders(ctx)
	if err != nil {
		return transport(op, "failed to create auth headers", err)
	}

	body, err := json.Marshal(paymentRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return transport(op, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/"+op, bytes.NewReader(body))
	if err != nil {
		return transport(op, "failed to create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	switch op {
	case "verify":
		mergeHeaders(httpReq.Header, auth.Verify)
	case "settle":
		mergeHeaders(httpReq.Header, auth.Settle)
	}

	return c.do(httpReq, op, out)
}

func (c *Client) do(httpReq *http.Request, op string, out interface{}) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("facilitator request failed", map[string]any{"op": op, "error": err})
		return transport(op, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("facilitator returned error status", map[string]any{"op": op, "status": resp.StatusCode})
		return transport(op, fmt.Sprintf("returned status %d: %s", resp.StatusCode, string(bodyBytes)), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transport(op, "failed to decode response", err)
	}

	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) authHeaders(ctx context.Context) (AuthHeaders, error) {
	if c.createAuthHeaders == nil {
		return AuthHeaders{}, nil
	}
	return c.createAuthHeaders(ctx)
}

func mergeHeaders(dst, src http.Header) {
	for k, values := range src {
		dst.Del(k)
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func transport(op, msg string, err error) error {
	return x402.NewPaymentError(x402.ErrCodeFacilitatorTransport, fmt.Sprintf("facilitator %s %s", op, msg), err)
}
