package main

import (
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/x402-gate/client"
	"github.com/becomeliminal/x402-gate/evm"
	"github.com/becomeliminal/x402-gate/logger"
)

func fetchCmd() *cobra.Command {
	var (
		method    string
		data      string
		headers   []string
		networks  []string
		maxAmount string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "fetch [url]",
		Short: "Fetch a URL, paying an x402 challenge if one is returned",
		Long: `Fetch a URL with an EVM wallet. A 402 challenge is answered with a signed
EIP-3009 authorization for the first offered requirement the wallet can pay,
and the request is retried once.

The private key is read from X402_PRIVATE_KEY.

Examples:
  X402_PRIVATE_KEY=0x... x402-gate fetch https://api.example.com/weather
  x402-gate fetch -n base -n base-sepolia --max-amount 100000 https://api.example.com/report`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hexKey := os.Getenv("X402_PRIVATE_KEY")
			if hexKey == "" {
				return fmt.Errorf("X402_PRIVATE_KEY is required")
			}
			key, err := evm.NewPrivateKeySigner(hexKey)
			if err != nil {
				return err
			}

			level := logLevel
			if level == "" {
				level = "warn"
			}
			log, err := logger.NewZapLogger(level)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}

			opts := []client.Option{client.WithLogger(log)}
			for _, network := range networks {
				signer, err := evm.NewSigner(network, key)
				if err != nil {
					return err
				}
				opts = append(opts, client.WithSigner(signer))
			}
			if maxAmount != "" {
				limit, ok := new(big.Int).SetString(maxAmount, 10)
				if !ok || limit.Sign() < 0 {
					return fmt.Errorf("--max-amount must be a non-negative integer in atomic units")
				}
				opts = append(opts, client.WithMaxAmount(limit))
			}
			if verbose {
				report := func(ev client.Event) { fmt.Fprintln(cmd.ErrOrStderr(), ev) }
				opts = append(opts, client.WithCallbacks(report, report, report))
			}

			var body io.Reader
			if data != "" {
				body = strings.NewReader(data)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), method, args[0], body)
			if err != nil {
				return err
			}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q, expected Name: value", h)
				}
				req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
			}

			resp, err := client.NewClient(opts...).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}

			settled, err := client.Settlement(resp)
			if err != nil {
				return fmt.Errorf("invalid payment receipt: %w", err)
			}
			if settled != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "paid on %s by %s: %s\n", settled.Network, settled.Payer, settled.Transaction)
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("%s %s: %s", method, args[0], resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header (Name: value)")
	cmd.Flags().StringSliceVarP(&networks, "network", "n", []string{"base-sepolia"}, "networks the wallet may pay on")
	cmd.Flags().StringVar(&maxAmount, "max-amount", "", "refuse payments above this many atomic units")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print payment events to stderr")

	return cmd
}
