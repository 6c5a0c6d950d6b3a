// Package gin adapts the x402 Gate to gin-gonic.
// Verification and settlement are delegated to the Gate; this package only
// bridges gin.Context and gin.ResponseWriter.
package gin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/becomeliminal/x402-gate"
)

// PaymentContextKey is the gin context key for the verified *x402.PaymentContext
const PaymentContextKey = "x402_payment"

// Middleware creates gin middleware that enforces x402 payment requirements.
// It panics if cfg is invalid.
//
//	r := gin.New()
//	r.Use(x402gin.Middleware(x402.Config{
//	    Facilitator: fac,
//	    Routes: map[string]x402.RouteConfig{
//	        "/jokes/*": {Accepts: []x402.PaymentOption{{Network: "base-sepolia", PayTo: "0x...", Price: x402.USD("$0.001")}}},
//	    },
//	}))
func Middleware(cfg x402.Config) gin.HandlerFunc {
	gate, err := x402.NewGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	return GateMiddleware(gate)
}

// GateMiddleware is Middleware for an existing Gate
func GateMiddleware(gate *x402.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		route, requiresPayment := gate.MatchEndpoint(c.Request.URL.Path)
		if !requiresPayment {
			c.Next()
			return
		}

		ctx := x402.RequestContext(c.Request)
		c.Request = c.Request.WithContext(ctx)

		accepts, err := x402.BuildRequirements(route, x402.ResourceURL(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"x402Version": x402.X402Version,
				"error":       "failed to build payment requirements",
			})
			return
		}

		session, err := gate.Verify(ctx, c.GetHeader(x402.HeaderPayment), accepts)
		if err != nil {
			gate.Reject(c.Writer, c.Request, accepts, err)
			c.Abort()
			return
		}

		payment := session.PaymentContext()
		c.Request = c.Request.WithContext(context.WithValue(ctx, x402.PaymentContextKey, payment))
		c.Set(PaymentContextKey, payment)

		w := c.Writer
		sw := &settlementWriter{
			ResponseWriter: w,
			release: func(status int) bool {
				if err := session.Release(ctx, status, w.Header()); err != nil {
					for k := range w.Header() {
						delete(w.Header(), k)
					}
					gate.Reject(w, c.Request, accepts, err)
					return false
				}
				return true
			},
		}
		c.Writer = sw

		c.Next()

		// gin commits an unwritten response on the original writer; commit here first
		sw.commit()
		c.Writer = w
	}
}

// GetPayment returns the verified payment stored by the middleware
func GetPayment(c *gin.Context) (*x402.PaymentContext, bool) {
	v, ok := c.Get(PaymentContextKey)
	if !ok {
		return nil, false
	}
	payment, ok := v.(*x402.PaymentContext)
	return payment, ok
}

// settlementWriter holds the status back until the first body write, flush or
// explicit WriteHeaderNow, then settles before anything reaches the client.
type settlementWriter struct {
	gin.ResponseWriter
	release func(status int) bool

	status    int
	committed bool
	withheld  bool
}

func (s *settlementWriter) WriteHeader(code int) {
	if s.committed || code <= 0 {
		return
	}
	s.status = code
}

func (s *settlementWriter) WriteHeaderNow() {
	s.commit()
}

func (s *settlementWriter) Write(data []byte) (int, error) {
	s.commit()
	if s.withheld {
		return len(data), nil
	}
	return s.ResponseWriter.Write(data)
}

func (s *settlementWriter) WriteString(str string) (int, error) {
	s.commit()
	if s.withheld {
		return len(str), nil
	}
	return s.ResponseWriter.WriteString(str)
}

func (s *settlementWriter) Flush() {
	s.commit()
	if !s.withheld {
		s.ResponseWriter.Flush()
	}
}

// Hijack commits a 101 and settles before the connection is handed over.
// The receipt is left on Header() for the handler to send itself.
func (s *settlementWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if !s.committed {
		s.committed = true
		s.status = http.StatusSwitchingProtocols
		if !s.release(s.status) {
			s.withheld = true
		}
	}
	if s.withheld {
		return nil, nil, errors.New("payment settlement failed")
	}
	return s.ResponseWriter.Hijack()
}

func (s *settlementWriter) Status() int {
	if s.status != 0 {
		return s.status
	}
	return s.ResponseWriter.Status()
}

func (s *settlementWriter) Written() bool {
	return s.committed
}

func (s *settlementWriter) commit() {
	if s.committed {
		return
	}
	s.committed = true

	status := s.Status()
	if !s.release(status) {
		s.withheld = true
		return
	}

	s.ResponseWriter.WriteHeader(status)
	s.ResponseWriter.WriteHeaderNow()
}
