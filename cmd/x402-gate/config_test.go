package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/becomeliminal/x402-gate"
	"github.com/becomeliminal/x402-gate/logger"
	"github.com/becomeliminal/x402-gate/metrics"
)

const testConfig = `
listen: ":9402"
backend: http://localhost:3000
facilitator:
  url: https://facilitator.example.com
  timeout: 10s
skip_paths:
  - /public/*
routes:
  - path: /v1/Weather/*
    description: Weather report
    accepts:
      - network: base-sepolia
        pay_to: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
        price: "$0.01"
      - network: base
        pay_to: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
        token:
          amount: "5000"
          asset:
            address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
            decimals: 6
            eip712:
              name: USD Coin
              version: "2"
`

type nopFacilitator struct{}

func (nopFacilitator) Verify(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return &x402.VerifyResponse{IsValid: true}, nil
}

func (nopFacilitator) Settle(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return &x402.SettleResponse{Success: true}, nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Listen != ":9402" || cfg.Backend != "http://localhost:3000" {
		t.Errorf("unexpected listen/backend %q %q", cfg.Listen, cfg.Backend)
	}
	if cfg.Facilitator.Timeout != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %v", cfg.Facilitator.Timeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level, got %q", cfg.LogLevel)
	}
	if len(cfg.Routes) != 1 || len(cfg.Routes[0].Accepts) != 2 {
		t.Fatalf("unexpected routes %+v", cfg.Routes)
	}
	if cfg.Routes[0].Path != "/v1/Weather/*" {
		t.Errorf("Expected path case preserved, got %q", cfg.Routes[0].Path)
	}

	token := cfg.Routes[0].Accepts[1].Token
	if token == nil || token.Amount != "5000" || token.Asset.EIP712.Name != "USD Coin" {
		t.Errorf("unexpected token price %+v", token)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("X402_BACKEND", "http://backend:8080")
	t.Setenv("X402_FACILITATOR_TOKEN", "secret")

	cfg, err := LoadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != "http://backend:8080" {
		t.Errorf("Expected env backend, got %q", cfg.Backend)
	}
	if cfg.Facilitator.Token != "secret" {
		t.Errorf("Expected env token, got %q", cfg.Facilitator.Token)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":8402" || cfg.Facilitator.URL != "https://x402.org/facilitator" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestGateConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	gateCfg, err := cfg.GateConfig(nopFacilitator{}, logger.NoopLogger{}, metrics.NoopRecorder{})
	if err != nil {
		t.Fatalf("GateConfig: %v", err)
	}

	route, ok := gateCfg.MatchEndpoint("/v1/Weather/today")
	if !ok {
		t.Fatal("Expected weather route to match")
	}
	accepts, err := x402.BuildRequirements(route, "http://localhost/v1/Weather/today")
	if err != nil {
		t.Fatalf("BuildRequirements: %v", err)
	}
	if accepts[0].MaxAmountRequired != "10000" || accepts[1].MaxAmountRequired != "5000" {
		t.Errorf("unexpected amounts %s %s", accepts[0].MaxAmountRequired, accepts[1].MaxAmountRequired)
	}

	if _, ok := gateCfg.MatchEndpoint("/public/logo.png"); ok {
		t.Error("Expected skip path to bypass payment")
	}
}

func TestGateConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		routes []RouteConfig
	}{
		{
			name:   "missing path",
			routes: []RouteConfig{{Accepts: []OptionConfig{{Network: "base", PayTo: "0xabc", Price: "1"}}}},
		},
		{
			name: "duplicate path",
			routes: []RouteConfig{
				{Path: "/a", Accepts: []OptionConfig{{Network: "base", PayTo: "0xabc", Price: "1"}}},
				{Path: "/a", Accepts: []OptionConfig{{Network: "base", PayTo: "0xabc", Price: "2"}}},
			},
		},
		{
			name:   "no price",
			routes: []RouteConfig{{Path: "/a", Accepts: []OptionConfig{{Network: "base", PayTo: "0xabc"}}}},
		},
		{
			name:   "no accepts",
			routes: []RouteConfig{{Path: "/a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Routes: tt.routes}
			if _, err := cfg.GateConfig(nopFacilitator{}, logger.NoopLogger{}, metrics.NoopRecorder{}); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
