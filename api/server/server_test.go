package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/slashing-protector/logging"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func get(t *testing.T, srv *httptest.Server, path string) (int, []byte) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	var failing atomic.Bool
	checks := map[string]HealthChecker{
		"database": pingFunc(func(context.Context) error {
			if failing.Load() {
				return errors.New("connection refused")
			}
			return nil
		}),
	}
	s := New(logging.TestLogger(t), ":0", prometheus.NewRegistry(), checks)
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)

	code, _ := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, code)

	failing.Store(true)
	code, body := get(t, srv, "/health")
	require.Equal(t, http.StatusServiceUnavailable, code)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, []string{"database: connection refused"}, resp["errors"])
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(New(logging.TestLogger(t), ":0", registry, nil).routes())
	t.Cleanup(srv.Close)

	code, body := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), "test_counter 1")
}

func TestRunStopsWithContext(t *testing.T) {
	s := New(logging.TestLogger(t), "127.0.0.1:0", nil, nil)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, s.Run(ctx))
}
