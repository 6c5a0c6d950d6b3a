package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/x402-gate"
	"github.com/becomeliminal/x402-gate/facilitator"
	"github.com/becomeliminal/x402-gate/logger"
	"github.com/becomeliminal/x402-gate/metrics"
)

func serveCmd() *cobra.Command {
	var listen, backend string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a paywalled reverse proxy in front of a backend",
		Long: `Run a reverse proxy that answers unpaid requests to priced routes with
HTTP 402 and forwards paid requests to the backend. The payment settles only
when the backend responds with a 2xx status.

Examples:
  x402-gate serve --config gate.yaml
  X402_BACKEND=http://localhost:3000 x402-gate serve -c gate.yaml --listen :8402`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if backend != "" {
				cfg.Backend = backend
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default :8402)")
	cmd.Flags().StringVar(&backend, "backend", "", "backend URL to proxy paid requests to")

	return cmd
}

func runServe(ctx context.Context, cfg *Config) error {
	if cfg.Backend == "" {
		return fmt.Errorf("backend URL is required (--backend or X402_BACKEND)")
	}
	target, err := url.Parse(cfg.Backend)
	if err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}

	log, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	if z, ok := log.(*logger.ZapLogger); ok {
		defer z.Sync()
	}

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheusRecorder(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	opts := []facilitator.Option{
		facilitator.WithTimeout(cfg.Facilitator.Timeout),
		facilitator.WithLogger(log),
	}
	if cfg.Facilitator.Token != "" {
		opts = append(opts, facilitator.WithBearerToken(cfg.Facilitator.Token))
	}
	fac, err := facilitator.New(cfg.Facilitator.URL, opts...)
	if err != nil {
		return err
	}

	gateCfg, err := cfg.GateConfig(fac, log, rec)
	if err != nil {
		return fmt.Errorf("invalid gate configuration: %w", err)
	}
	gate, err := x402.NewGate(gateCfg)
	if err != nil {
		return err
	}

	checkSupported(ctx, fac, gateCfg, log)

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Header.Del(x402.HeaderPayment)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("backend request failed", map[string]any{
			"request_id": x402.RequestID(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		w.WriteHeader(http.StatusBadGateway)
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle("/*", gate.Middleware(proxy))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("x402 gateway listening", map[string]any{
			"listen":      cfg.Listen,
			"backend":     cfg.Backend,
			"facilitator": fac.URL(),
			"routes":      len(gateCfg.Routes),
		})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// checkSupported warns about priced options the facilitator does not advertise.
// An unreachable facilitator is not fatal at startup.
func checkSupported(ctx context.Context, fac *facilitator.Client, cfg x402.Config, log logger.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	supported, err := fac.Supported(ctx)
	if err != nil {
		log.Warn("could not list facilitator capabilities", map[string]any{"error": err})
		return
	}

	routes := make([]x402.RouteConfig, 0, len(cfg.Routes)+1)
	for _, r := range cfg.Routes {
		routes = append(routes, r)
	}
	if cfg.DefaultRoute != nil {
		routes = append(routes, *cfg.DefaultRoute)
	}

	for _, r := range routes {
		for _, opt := range r.Accepts {
			scheme := opt.Scheme
			if scheme == "" {
				scheme = x402.SchemeExact
			}
			if !supported.Supports(scheme, opt.Network) {
				log.Warn("facilitator does not advertise payment kind", map[string]any{
					"scheme":  scheme,
					"network": opt.Network,
				})
			}
		}
	}
}
