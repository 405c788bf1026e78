package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcmir/calcmir/internal/calculator"
	"github.com/calcmir/calcmir/internal/server"
	"github.com/calcmir/calcmir/pkg/config"
	"github.com/calcmir/calcmir/pkg/expression"
	"github.com/calcmir/calcmir/pkg/protocol"
)

var policy = protocol.Policy{CacheResult: true, CacheControl: protocol.MaxCacheControl}

func newServer() *server.Server {
	return server.New(calculator.New(policy, nil, nil), server.Config{Role: "server", Policy: policy})
}

// startServer runs a calculator server on a loopback port and returns a
// client config pointing at it.
func startServer(t *testing.T) *config.ClientConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = newServer().Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	cfg := config.DefaultClient()
	cfg.Host = host
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	return cfg
}

func dial(t *testing.T, cfg *config.ClientConfig) *Client {
	t.Helper()
	c, err := Dial(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEvaluate(t *testing.T) {
	c := dial(t, startServer(t))

	answer, err := c.Evaluate(context.Background(),
		expression.Add(expression.Max(expression.Num(2), expression.Num(3)), expression.Num(3)))
	require.NoError(t, err)
	assert.Equal(t, 6.0, answer.Value)
	assert.Equal(t, []string{"max(2, 3) + 3", "3 + 3", "6"}, answer.Steps)
	assert.True(t, answer.Response.CacheResult())
	assert.True(t, answer.Response.IndefiniteCache())
}

func TestEvaluateWithoutSteps(t *testing.T) {
	cfg := startServer(t)
	cfg.ShowSteps = false
	c := dial(t, cfg)

	answer, err := c.Evaluate(context.Background(),
		expression.Add(expression.Num(3), expression.Div(
			expression.Mul(expression.Num(4), expression.Num(2)),
			expression.Pow(expression.Sub(expression.Num(1), expression.Num(5)),
				expression.Pow(expression.Num(2), expression.Num(3))))))
	require.NoError(t, err)
	assert.Equal(t, 3.0001220703125, answer.Value)
	assert.Empty(t, answer.Steps)
}

func TestEvaluateErrorKeepsSession(t *testing.T) {
	c := dial(t, startServer(t))

	_, err := c.Evaluate(context.Background(), expression.Div(expression.Num(1), expression.Num(0)))
	var cerr *protocol.ClientError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "division by zero")

	answer, err := c.Evaluate(context.Background(), expression.Mul(expression.Num(6), expression.Num(7)))
	require.NoError(t, err)
	assert.Equal(t, 42.0, answer.Value)
}

func TestEvaluateRejectsInvalidExpression(t *testing.T) {
	c, err := New(config.DefaultClient(), nil)
	require.NoError(t, err)
	c.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			t.Fatal("must not dial")
			return nil, nil
		},
	}
	_, err = c.Evaluate(context.Background(), expression.NewBinary(expression.Num(1), expression.BinaryOp(99), expression.Num(2)))
	var cerr *protocol.ClientError
	assert.ErrorAs(t, err, &cerr)
}

func TestRunSession(t *testing.T) {
	c := dial(t, startServer(t))

	var out bytes.Buffer
	reports := c.RunSession(context.Background(), []expression.Expr{
		expression.Add(expression.Max(expression.Num(2), expression.Num(3)), expression.Num(3)),
		expression.Div(expression.Num(1), expression.Num(0)),
		expression.Num(7),
	}, &out)

	require.Len(t, reports, 3)
	assert.NoError(t, reports[0].Err)
	assert.Error(t, reports[1].Err)
	assert.NoError(t, reports[2].Err)

	lines := out.String()
	assert.Contains(t, lines, "Result: 6\nSteps:\nmax(2, 3) + 3 = 3 + 3\n              = 6\n")
	assert.Contains(t, lines, "Got error: client error: ")
	assert.Contains(t, lines, "Result: 7\n")
}

func TestConnectFailure(t *testing.T) {
	c, err := New(config.DefaultClient(), nil)
	require.NoError(t, err)
	c.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}

	err = c.Connect(context.Background())
	var serr *protocol.ServerError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, err.Error(), "cannot connect to 127.0.0.1:9999")
}

func TestZeroConnTimeoutMeansNoDeadline(t *testing.T) {
	cfg := startServer(t)
	cfg.ConnTimeout = 0
	require.NoError(t, cfg.Validate())

	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var hasDeadline bool
	dialer := &net.Dialer{}
	c.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			_, hasDeadline = ctx.Deadline()
			return dialer.DialContext(ctx, network, address)
		},
	}

	require.NoError(t, c.Connect(context.Background()))
	assert.False(t, hasDeadline)

	answer, err := c.Evaluate(context.Background(), expression.Mul(expression.Num(6), expression.Num(7)))
	require.NoError(t, err)
	assert.Equal(t, 42.0, answer.Value)
}

func TestRedialAfterPeerClose(t *testing.T) {
	var dials atomic.Int32
	srv := newServer()
	c, err := New(config.DefaultClient(), nil)
	require.NoError(t, err)
	c.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			client, peer := net.Pipe()
			if dials.Add(1) == 1 {
				// The first peer hangs up after reading the request.
				go func() {
					defer peer.Close()
					_, _ = protocol.ReadMessage(peer)
				}()
			} else {
				go srv.ServeConn(context.Background(), peer)
			}
			return client, nil
		},
	}
	defer c.Close()

	_, err = c.Evaluate(context.Background(), expression.Num(1))
	var serr *protocol.ServerError
	require.ErrorAs(t, err, &serr)

	answer, err := c.Evaluate(context.Background(), expression.Num(1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, answer.Value)
	assert.Equal(t, int32(2), dials.Load())
}

func TestMalformedResponseKeepsConnection(t *testing.T) {
	var dials atomic.Int32
	c, err := New(config.DefaultClient(), nil)
	require.NoError(t, err)
	c.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			dials.Add(1)
			client, peer := net.Pipe()
			go func() {
				defer peer.Close()
				for {
					if _, err := protocol.ReadMessage(peer); err != nil {
						return
					}
					resp, _ := protocol.NewResult(5, nil, protocol.Options{})
					raw, _ := resp.MarshalBinary()
					raw[6] |= 0x10 // reserved bit
					if _, err := peer.Write(raw); err != nil {
						return
					}
				}
			}()
			return client, nil
		},
	}
	defer c.Close()

	for range 2 {
		_, err = c.Evaluate(context.Background(), expression.Num(1))
		var cerr *protocol.ClientError
		require.ErrorAs(t, err, &cerr)
		assert.Contains(t, err.Error(), "malformed response")
	}
	assert.Equal(t, int32(1), dials.Load())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultClient()
	cfg.Port = 0
	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "invalid client config")
}
