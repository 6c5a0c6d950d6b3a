package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/becomeliminal/x402-gate"
	"github.com/becomeliminal/x402-gate/evm"
	"github.com/becomeliminal/x402-gate/logger"
	"github.com/becomeliminal/x402-gate/metrics"
)

// Config is the on-disk gateway configuration.
// Every key can be overridden from the environment with an X402_ prefix,
// e.g. X402_BACKEND or X402_FACILITATOR_TOKEN.
type Config struct {
	Listen   string `mapstructure:"listen"`
	Backend  string `mapstructure:"backend"`
	LogLevel string `mapstructure:"log_level"`

	Facilitator FacilitatorConfig `mapstructure:"facilitator"`

	Routes       []RouteConfig `mapstructure:"routes"`
	DefaultRoute *RouteConfig  `mapstructure:"default_route"`
	SkipPaths    []string      `mapstructure:"skip_paths"`

	PaywallHTML   string        `mapstructure:"paywall_html"`
	SettleTimeout time.Duration `mapstructure:"settle_timeout"`
}

type FacilitatorConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RouteConfig prices one path pattern. Patterns live in a list rather than
// map keys so they keep their case.
type RouteConfig struct {
	Path              string         `mapstructure:"path"`
	Description       string         `mapstructure:"description"`
	MimeType          string         `mapstructure:"mime_type"`
	Resource          string         `mapstructure:"resource"`
	MaxTimeoutSeconds int            `mapstructure:"max_timeout_seconds"`
	Accepts           []OptionConfig `mapstructure:"accepts"`
}

// OptionConfig is one accepted payment. Set either Price (money, e.g. "$0.01")
// or Token (atomic amount of an explicit asset).
type OptionConfig struct {
	Scheme  string            `mapstructure:"scheme"`
	Network string            `mapstructure:"network"`
	PayTo   string            `mapstructure:"pay_to"`
	Price   string            `mapstructure:"price"`
	Token   *x402.TokenAmount `mapstructure:"token"`
}

// LoadConfig reads path (if set) and applies X402_* environment overrides
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", ":8402")
	v.SetDefault("backend", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("facilitator.url", "https://x402.org/facilitator")
	v.SetDefault("facilitator.token", "")
	v.SetDefault("facilitator.timeout", 30*time.Second)
	v.SetDefault("paywall_html", "")
	v.SetDefault("settle_timeout", time.Duration(0))

	v.SetEnvPrefix("X402")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// GateConfig converts the file configuration into an x402.Config.
// Payloads are pre-checked with the EVM exact scheme before the facilitator is called.
func (c *Config) GateConfig(fac x402.Facilitator, log logger.Logger, rec metrics.Recorder) (x402.Config, error) {
	routes := make(map[string]x402.RouteConfig, len(c.Routes))
	for i, r := range c.Routes {
		if r.Path == "" {
			return x402.Config{}, fmt.Errorf("route %d: path is required", i)
		}
		if _, dup := routes[r.Path]; dup {
			return x402.Config{}, fmt.Errorf("route %d: duplicate path %q", i, r.Path)
		}
		routes[r.Path] = r.toRoute()
	}

	cfg := x402.Config{
		Facilitator:       fac,
		Routes:            routes,
		SkipPaths:         c.SkipPaths,
		CustomPaywallHTML: c.PaywallHTML,
		SettleTimeout:     c.SettleTimeout,
		Schemes:           x402.NewSchemeRegistry(evm.NewExactScheme()),
		Logger:            log,
		Metrics:           rec,
	}

	if c.DefaultRoute != nil {
		def := c.DefaultRoute.toRoute()
		cfg.DefaultRoute = &def
	}

	if err := cfg.Validate(); err != nil {
		return x402.Config{}, err
	}
	return cfg, nil
}

func (r RouteConfig) toRoute() x402.RouteConfig {
	accepts := make([]x402.PaymentOption, 0, len(r.Accepts))
	for _, o := range r.Accepts {
		opt := x402.PaymentOption{
			Scheme:  o.Scheme,
			Network: o.Network,
			PayTo:   o.PayTo,
			Price:   x402.Price{Money: o.Price, Token: o.Token},
		}
		accepts = append(accepts, opt)
	}

	return x402.RouteConfig{
		Accepts:           accepts,
		Description:       r.Description,
		MimeType:          r.MimeType,
		Resource:          r.Resource,
		MaxTimeoutSeconds: r.MaxTimeoutSeconds,
	}
}
