package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcmir/calcmir/internal/calculator"
	"github.com/calcmir/calcmir/internal/server"
	"github.com/calcmir/calcmir/pkg/client"
	"github.com/calcmir/calcmir/pkg/config"
	"github.com/calcmir/calcmir/pkg/expression"
	"github.com/calcmir/calcmir/pkg/protocol"
)

func startOrigin(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	policy := protocol.Policy{CacheResult: true, CacheControl: protocol.MaxCacheControl}
	srv := server.New(calculator.New(policy, nil, nil), server.Config{Role: "server", Policy: policy})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestProxyEndToEnd(t *testing.T) {
	origin := startOrigin(t)
	proxyPort := freePort(t)
	metricsAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"--proxy-port", strconv.Itoa(proxyPort),
		"--origin", origin,
		"--metrics-addr", metricsAddr,
		"--log-level", "error",
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- cmd.ExecuteContext(ctx) }()

	proxyAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(proxyPort))
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", proxyAddr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cfg := config.DefaultClient()
	cfg.Port = proxyPort
	c, err := client.Dial(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	expr := expression.Add(expression.Max(expression.Num(2), expression.Num(3)), expression.Num(3))
	for range 2 {
		answer, err := c.Evaluate(context.Background(), expr)
		require.NoError(t, err)
		assert.Equal(t, 6.0, answer.Value)
		assert.Equal(t, []string{"max(2, 3) + 3", "3 + 3", "6"}, answer.Steps)
	}

	resp, err := http.Get("http://" + metricsAddr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `calcmir_cache_lookups_total{outcome="hit"} 1`)
	assert.Contains(t, string(body), `calcmir_cache_lookups_total{outcome="miss"} 1`)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not stop")
	}
}

func TestProxyInvalidConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--origin", "no-port", "--log-level", "error"})
	err := cmd.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "invalid origin address")
}
