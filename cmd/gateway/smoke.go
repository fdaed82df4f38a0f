package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"qazna.org/gateway/internal/ids"
)

type smokeOptions struct {
	baseURL string
	token   string
	from    string
	to      string
	amount  int64
}

// newSmokeCmd exercises a running gateway end to end.
func newSmokeCmd() *cobra.Command {
	var opts smokeOptions
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Exercise a running gateway: health, info, and (with --token) a transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := runSmoke(ctx, http.DefaultClient, opts, cmd.OutOrStdout()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "gateway smoke test passed")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "Gateway base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token; enables authenticated checks")
	cmd.Flags().StringVar(&opts.from, "from", "", "Source account for the transfer check")
	cmd.Flags().StringVar(&opts.to, "to", "", "Destination account for the transfer check")
	cmd.Flags().Int64Var(&opts.amount, "amount", 1, "Transfer amount in minor units")
	return cmd
}

func runSmoke(ctx context.Context, client *http.Client, opts smokeOptions, out io.Writer) error {
	base := strings.TrimRight(opts.baseURL, "/")

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		if _, err := smokeCall(ctx, client, http.MethodGet, base+path, "", nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "ok  GET %s\n", path)
	}

	if opts.token == "" {
		return nil
	}
	resp, err := smokeCall(ctx, client, http.MethodGet, base+"/v1/orders?limit=1", opts.token, nil, nil)
	if err != nil {
		return err
	}
	if resp.Header.Get("X-RateLimit-Limit") == "" {
		return errors.New("GET /v1/orders: missing X-RateLimit-Limit header")
	}
	fmt.Fprintf(out, "ok  GET /v1/orders (remaining %s)\n", resp.Header.Get("X-RateLimit-Remaining"))

	if opts.from == "" || opts.to == "" {
		return nil
	}
	body := map[string]any{
		"from_id":  opts.from,
		"to_id":    opts.to,
		"currency": "QZN",
		"amount":   opts.amount,
	}
	key := "smoke-" + ids.New()
	if _, err := smokeCall(ctx, client, http.MethodPost, base+"/v1/transfers", opts.token, body, map[string]string{"Idempotency-Key": key}); err != nil {
		return err
	}
	fmt.Fprintf(out, "ok  POST /v1/transfers (%s)\n", key)
	return nil
}

func smokeCall(ctx context.Context, client *http.Client, method, url, token string, body any, headers map[string]string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return resp, nil
}
