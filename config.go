package x402

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/becomeliminal/x402-gate/logger"
	"github.com/becomeliminal/x402-gate/metrics"
)

const (
	// DefaultMaxTimeoutSeconds bounds settlement when a route does not say otherwise
	DefaultMaxTimeoutSeconds = 60

	// RegexPrefix marks a route or skip pattern as a regular expression anchored at the start of the path
	RegexPrefix = "regex:"
)

var validate = validator.New()

// Config holds the gate configuration. It is read-only once handed to NewGate.
type Config struct {
	// Facilitator verifies and settles payments (e.g., facilitator.Client)
	Facilitator Facilitator

	// Routes maps URL patterns to priced routes
	// Patterns support exact matches ("/v1/endpoint") and wildcards ("/v1/*")
	// Used by HTTP middleware (net/http, gin, grpc-gateway)
	Routes map[string]RouteConfig

	// MethodRoutes maps gRPC method names to priced routes
	// Methods are full names like "/package.Service/Method"
	// Supports wildcards: "/package.Service/*" matches all methods in a service
	// Used by native gRPC interceptors
	MethodRoutes map[string]RouteConfig

	// DefaultRoute is used when no pattern matches (optional)
	// If nil, unmatched endpoints don't require payment
	DefaultRoute *RouteConfig

	// SkipPaths lists paths that should bypass payment checks entirely
	// Useful for health checks, public endpoints, etc.
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks
	SkipMethods []string

	// CustomPaywallHTML is custom HTML to return for browser requests (optional)
	// If empty, a JSON 402 response is returned for all clients
	CustomPaywallHTML string

	// Schemes interprets payload bodies. Defaults to DefaultSchemes().
	Schemes *SchemeRegistry

	// SettleTimeout overrides the per-requirement maxTimeoutSeconds bound on settle
	SettleTimeout time.Duration

	Logger  logger.Logger
	Metrics metrics.Recorder
}

// RouteConfig prices one route
type RouteConfig struct {
	// Accepts lists the ways this route can be paid for, in order of server preference
	Accepts []PaymentOption `validate:"required,min=1,dive"`

	// Description explains what this payment is for
	Description string

	// MimeType of the resource being sold (optional)
	MimeType string

	// Resource overrides the request URL advertised in requirements (optional)
	Resource string `validate:"omitempty,url"`

	// MaxTimeoutSeconds bounds settlement; defaults to 60
	MaxTimeoutSeconds int `validate:"gte=0"`

	// OutputSchema is a JSON schema describing the response format (optional)
	OutputSchema map[string]interface{}
}

// PaymentOption is one network/asset combination a route accepts
type PaymentOption struct {
	// Scheme defaults to "exact"
	Scheme string

	// Network is the settlement network (e.g., "base-sepolia")
	Network string `validate:"required"`

	// PayTo is the address that will receive payment
	PayTo string `validate:"required"`

	// Price is either money or an explicit token amount
	Price Price

	// Extra is merged over the asset's EIP-712 domain in the requirement's extra field
	Extra map[string]interface{}
}

// Validate checks if the configuration is valid and fills defaults
func (c *Config) Validate() error {
	if c.Facilitator == nil {
		return fmt.Errorf("facilitator is required")
	}

	if c.Schemes == nil {
		c.Schemes = DefaultSchemes()
	}

	if c.Logger == nil {
		c.Logger = logger.NoopLogger{}
	}

	if c.Metrics == nil {
		c.Metrics = metrics.NoopRecorder{}
	}

	if c.SettleTimeout < 0 {
		return fmt.Errorf("settle timeout cannot be negative")
	}

	for _, patterns := range [][]string{mapKeys(c.Routes), mapKeys(c.MethodRoutes), c.SkipPaths, c.SkipMethods} {
		for _, pattern := range patterns {
			if _, err := compilePattern(pattern); err != nil {
				return fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
		}
	}

	for pattern, route := range c.Routes {
		if err := route.validate(c.Schemes); err != nil {
			return fmt.Errorf("invalid route for pattern %q: %w", pattern, err)
		}
	}

	for method, route := range c.MethodRoutes {
		if err := route.validate(c.Schemes); err != nil {
			return fmt.Errorf("invalid route for method %q: %w", method, err)
		}
	}

	if c.DefaultRoute != nil {
		if err := c.DefaultRoute.validate(c.Schemes); err != nil {
			return fmt.Errorf("invalid default route: %w", err)
		}
	}

	return nil
}

// Validate checks the route on its own, against the default schemes
func (r *RouteConfig) Validate() error {
	return r.validate(DefaultSchemes())
}

func (r *RouteConfig) validate(schemes *SchemeRegistry) error {
	if err := validate.Struct(r); err != nil {
		return err
	}

	for i, opt := range r.Accepts {
		if err := opt.validate(schemes); err != nil {
			return fmt.Errorf("invalid payment option at index %d: %w", i, err)
		}
	}

	return nil
}

func (o *PaymentOption) validate(schemes *SchemeRegistry) error {
	if _, ok := schemes.Lookup(o.scheme()); !ok {
		return fmt.Errorf("scheme %q is not registered", o.scheme())
	}

	if err := o.Price.Validate(); err != nil {
		return err
	}

	if _, _, err := o.Price.Resolve(o.Network); err != nil {
		return err
	}

	return nil
}

func (o *PaymentOption) scheme() string {
	if o.Scheme == "" {
		return SchemeExact
	}
	return o.Scheme
}

// MatchEndpoint finds the route for a given path
// Returns the route and true if found, nil and false otherwise
func (c *Config) MatchEndpoint(requestPath string) (*RouteConfig, bool) {
	return c.match(c.Routes, c.SkipPaths, requestPath)
}

// MatchMethod finds the route for a given gRPC method
// Returns the route and true if found, nil and false otherwise
func (c *Config) MatchMethod(fullMethod string) (*RouteConfig, bool) {
	return c.match(c.MethodRoutes, c.SkipMethods, fullMethod)
}

func (c *Config) match(routes map[string]RouteConfig, skip []string, key string) (*RouteConfig, bool) {
	for _, skipPattern := range skip {
		if matchPath(key, skipPattern) {
			return nil, false
		}
	}

	// First try exact matches
	if route, ok := routes[key]; ok {
		return &route, true
	}

	// Then the most specific wildcard; ties go to the lexically smaller pattern
	var bestMatch string
	var bestRoute *RouteConfig

	for pattern, route := range routes {
		if !matchPath(key, pattern) {
			continue
		}
		if bestRoute == nil || len(pattern) > len(bestMatch) ||
			(len(pattern) == len(bestMatch) && pattern < bestMatch) {
			bestMatch = pattern
			routeCopy := route
			bestRoute = &routeCopy
		}
	}

	if bestRoute != nil {
		return bestRoute, true
	}

	if c.DefaultRoute != nil {
		return c.DefaultRoute, true
	}

	return nil, false
}

// matchPath checks if a request path matches a pattern
// Supports wildcards: /v1/* matches /v1/foo, /v1/foo/bar, etc. "*" alone matches everything.
// "regex:^/v[0-9]+/report" is matched as a regular expression from the start of the path.
func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern || pattern == "*" {
		return true
	}

	if strings.HasPrefix(pattern, RegexPrefix) {
		re, err := compilePattern(pattern)
		return err == nil && re.MatchString(requestPath)
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

var patternCache sync.Map // pattern -> *regexp.Regexp

// compilePattern compiles a regex: pattern once; other patterns return nil
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, RegexPrefix) {
		return nil, nil
	}
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`^(?:` + strings.TrimPrefix(pattern, RegexPrefix) + `)`)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

func mapKeys(routes map[string]RouteConfig) []string {
	keys := make([]string, 0, len(routes))
	for k := range routes {
		keys = append(keys, k)
	}
	return keys
}
