package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunSmokeWalksEndpoints(t *testing.T) {
	var seen []string
	var transfer map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		if strings.HasPrefix(r.URL.Path, "/v1/orders") || r.URL.Path == "/v1/transfers" {
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("X-RateLimit-Limit", "50")
			w.Header().Set("X-RateLimit-Remaining", "49")
		}
		if r.URL.Path == "/v1/transfers" {
			if r.Header.Get("Idempotency-Key") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewDecoder(r.Body).Decode(&transfer)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := runSmoke(context.Background(), srv.Client(), smokeOptions{
		baseURL: srv.URL + "/",
		token:   "tok",
		from:    "acc-1",
		to:      "acc-2",
		amount:  5,
	}, &out)
	require.NoError(t, err)
	require.Equal(t, []string{
		"GET /healthz", "GET /readyz", "GET /v1/info", "GET /v1/orders", "POST /v1/transfers",
	}, seen)
	require.Equal(t, "acc-1", transfer["from_id"])
	require.EqualValues(t, 5, transfer["amount"])
	require.Contains(t, out.String(), "remaining 49")
}

func TestRunSmokeStopsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := runSmoke(context.Background(), srv.Client(), smokeOptions{baseURL: srv.URL}, &bytes.Buffer{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 503")
}

func TestRunSmokeRequiresRateLimitHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := runSmoke(context.Background(), srv.Client(), smokeOptions{baseURL: srv.URL, token: "tok"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "X-RateLimit-Limit")
}
