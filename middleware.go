package x402

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It panics if cfg is invalid; use NewGate to handle the error instead.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	gate, err := NewGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	return gate.Middleware
}

// Middleware gates next behind payment for every priced path
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, requiresPayment := g.cfg.MatchEndpoint(r.URL.Path)
		if !requiresPayment {
			next.ServeHTTP(w, r)
			return
		}

		ctx := RequestContext(r)
		r = r.WithContext(ctx)

		accepts, err := BuildRequirements(route, ResourceURL(r))
		if err != nil {
			g.cfg.Logger.Error("failed to build payment requirements", map[string]any{
				"request_id": RequestID(ctx),
				"error":      err,
			})
			sendError(w, http.StatusInternalServerError, "failed to build payment requirements")
			return
		}

		session, err := g.Verify(ctx, r.Header.Get(HeaderPayment), accepts)
		if err != nil {
			g.Reject(w, r, accepts, err)
			return
		}

		r = r.WithContext(context.WithValue(ctx, PaymentContextKey, session.PaymentContext()))

		sw := &settlementWriter{
			w: w,
			release: func(status int) bool {
				if err := session.Release(ctx, status, w.Header()); err != nil {
					clearHeader(w.Header())
					g.Reject(w, r, accepts, err)
					return false
				}
				return true
			},
		}
		next.ServeHTTP(sw, r)
		sw.finish()
	})
}

// Reject writes the response for a gate error: a 402 challenge re-listing
// accepts for payer faults, or a JSON error for infrastructure faults.
func (g *Gate) Reject(w http.ResponseWriter, r *http.Request, accepts []PaymentRequirements, err error) {
	if errors.Is(err, ErrPaymentRequired) && g.cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		io.WriteString(w, g.cfg.CustomPaywallHTML)
		return
	}

	if !IsChallenge(err) {
		sendError(w, StatusCode(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(NewChallenge(err, accepts))
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"x402Version": X402Version,
		"error":       message,
	})
}

func clearHeader(h http.Header) {
	for k := range h {
		delete(h, k)
	}
}

// settlementWriter holds the response back until the handler commits to a
// status. At that moment the payment is settled; if settlement fails the
// handler's output is discarded and release has already written the rejection.
type settlementWriter struct {
	w         http.ResponseWriter
	release   func(status int) bool
	committed bool
	withheld  bool
}

func (s *settlementWriter) Header() http.Header {
	return s.w.Header()
}

func (s *settlementWriter) Write(b []byte) (int, error) {
	if !s.committed {
		s.WriteHeader(http.StatusOK)
	}
	if s.withheld {
		return len(b), nil
	}
	return s.w.Write(b)
}

func (s *settlementWriter) WriteHeader(statusCode int) {
	if s.committed {
		return
	}

	// Informational responses don't commit the final status
	if statusCode >= 100 && statusCode < 200 && statusCode != http.StatusSwitchingProtocols {
		s.w.WriteHeader(statusCode)
		return
	}

	s.committed = true
	if !s.release(statusCode) {
		s.withheld = true
		return
	}
	s.w.WriteHeader(statusCode)
}

// finish commits an implicit 200 for handlers that returned without writing
func (s *settlementWriter) finish() {
	if !s.committed {
		s.WriteHeader(http.StatusOK)
	}
}

// Flush implements http.Flusher to support streaming responses.
func (s *settlementWriter) Flush() {
	if !s.committed {
		s.WriteHeader(http.StatusOK)
	}
	if s.withheld {
		return
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker. Taking over the connection commits a 101:
// the payment settles first and the receipt is left on Header() for the handler
// to send itself. If settlement fails the rejection is written and the hijack refused.
func (s *settlementWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if !s.committed {
		s.committed = true
		if !s.release(http.StatusSwitchingProtocols) {
			s.withheld = true
			return nil, nil, errors.New("payment settlement failed")
		}
	}
	if s.withheld {
		return nil, nil, errors.New("payment settlement failed")
	}
	return hijacker.Hijack()
}

// GetPaymentFromContext extracts payment information from the request context
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

// ReadPaymentRequirements is a helper to extract payment requirements from a 402 response
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReq PaymentRequiredResponse
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}

var browserIndicators = []string{
	"Mozilla/",
	"Chrome/",
	"Safari/",
	"Firefox/",
	"Edge/",
	"Opera/",
}

// isBrowserRequest detects if the request is from a web browser
func isBrowserRequest(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept"), "text/html") && r.Header.Get("Accept") != "" {
		return false
	}

	userAgent := r.Header.Get("User-Agent")
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}
	return false
}
