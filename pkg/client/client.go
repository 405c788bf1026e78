// Package client provides the client SDK for calcmir servers and proxies.
//
// A Client holds one TCP connection and sends requests on it one at a time.
// A server and a proxy speak the same protocol, so the same client talks to
// either.
//
// Basic Usage:
//
//	cl, err := client.Dial(ctx, config.DefaultClient(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cl.Close()
//
//	answer, err := cl.Evaluate(ctx, expression.Add(expression.Num(1), expression.Num(2)))
//	if err != nil {
//		log.Printf("evaluation failed: %v", err)
//	}
//	fmt.Println(answer.Value)
//
// Errors returned by Evaluate are typed: a 400 response becomes a
// [*protocol.ClientError], a 500 response a [*protocol.ServerError]. Network
// failures close the connection; the next call dials again.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/safeconn"
	"go.uber.org/zap"

	"github.com/calcmir/calcmir/pkg/config"
	"github.com/calcmir/calcmir/pkg/evaluator"
	"github.com/calcmir/calcmir/pkg/expression"
	"github.com/calcmir/calcmir/pkg/protocol"
)

// Dialer abstracts the [*net.Dialer] behavior.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client talks to a calcmir server or proxy over a single connection.
// It is safe for concurrent use; requests are serialized.
type Client struct {
	// Dialer opens the connection. Set by [New] to a [*net.Dialer].
	Dialer Dialer

	// TimeNow stamps requests.
	TimeNow func() time.Time

	config *config.ClientConfig
	logger *zap.Logger

	mu   sync.Mutex // serializes requests and guards conn
	conn net.Conn
}

// Answer is a successful evaluation.
type Answer struct {
	Value float64
	Steps []string

	// Response is the raw response, for its cache headers.
	Response *protocol.Header
}

// New creates a Client for cfg. It does not connect.
//
// Returns:
//   - Error if cfg fails validation
func New(cfg *config.ClientConfig, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		Dialer:  &net.Dialer{},
		TimeNow: time.Now,
		config:  cfg,
		logger:  logger.With(zap.String("serverAddr", cfg.Address())),
	}, nil
}

// Dial creates a Client and connects it.
func Dial(ctx context.Context, cfg *config.ClientConfig, logger *zap.Logger) (*Client, error) {
	c, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens the connection if it is not already open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connLocked(ctx)
	return err
}

func (c *Client) connLocked(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	// A zero ConnTimeout means no dial deadline.
	if c.config.ConnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnTimeout)
		defer cancel()
	}

	conn, err := c.Dialer.DialContext(ctx, "tcp", c.config.Address())
	if err != nil {
		c.logger.Warn("connectFailed", zap.Error(err), zap.String("errClass", errclass.New(err)))
		return nil, &protocol.ServerError{Err: fmt.Errorf("cannot connect to %s: %w", c.config.Address(), err)}
	}
	c.logger.Info("connectionEstablished", zap.String("localAddr", safeconn.LocalAddr(conn)))
	c.conn = conn
	return conn, nil
}

// Options returns the request options configured for this client.
func (c *Client) Options() protocol.Options {
	return protocol.Options{
		ShowSteps:    c.config.ShowSteps,
		CacheResult:  c.config.CacheResult,
		CacheControl: uint16(c.config.CacheControl),
	}
}

// Evaluate sends expr with the configured options and returns the result.
func (c *Client) Evaluate(ctx context.Context, expr expression.Expr) (*Answer, error) {
	return c.EvaluateWith(ctx, expr, c.Options())
}

// EvaluateWith sends expr with opts and returns the result.
//
// Returns:
//   - a [*protocol.ClientError] for a malformed expression, a 400 response or
//     a malformed response
//   - a [*protocol.ServerError] for a 500 response or a network failure
func (c *Client) EvaluateWith(ctx context.Context, expr expression.Expr, opts protocol.Options) (*Answer, error) {
	if opts.Time.IsZero() && c.TimeNow != nil {
		opts.Time = c.TimeNow()
	}
	req, err := protocol.NewRequest(expr, opts)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.IsRequest() {
		return nil, &protocol.ClientError{Err: errors.New("got a request instead of a response")}
	}
	if err := protocol.ErrorFromResponse(resp); err != nil {
		return nil, err
	}
	value, steps, err := resp.Result()
	if err != nil {
		return nil, err
	}
	return &Answer{Value: value, Steps: steps, Response: resp}, nil
}

// Do sends req and reads one response. The connection is dialed on first use
// and dropped after any I/O error.
func (c *Client) Do(ctx context.Context, req *protocol.Header) (*protocol.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.exchange(conn, req)
	if err != nil {
		c.dropLocked(err)
		return nil, err
	}
	return resp, nil
}

func (c *Client) exchange(conn net.Conn, req *protocol.Header) (*protocol.Header, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return nil, &protocol.ServerError{Err: fmt.Errorf("send request: %w", err)}
	}
	if err := protocol.WriteMessage(conn, req); err != nil {
		return nil, &protocol.ServerError{Err: fmt.Errorf("send request: %w", err)}
	}
	c.logger.Debug("requestSent", zap.Int("length", req.TotalLength()))

	if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
		return nil, &protocol.ServerError{Err: fmt.Errorf("receive response: %w", err)}
	}
	buf, err := protocol.ReadMessage(conn)
	switch {
	case errors.Is(err, protocol.ErrBadFrame):
		return nil, &protocol.ClientError{Err: fmt.Errorf("malformed response: %w", err)}
	case errors.Is(err, io.EOF):
		return nil, &protocol.ServerError{Err: errors.New("connection closed by peer")}
	case err != nil:
		return nil, &protocol.ServerError{Err: fmt.Errorf("receive response: %w", err)}
	}
	c.logger.Debug("responseReceived", zap.Int("length", len(buf)))

	resp, err := protocol.Decode(buf)
	if err != nil {
		return nil, &protocol.ClientError{Err: fmt.Errorf("malformed response: %w", err)}
	}
	return resp, nil
}

// dropLocked closes the connection after a failed exchange. A malformed but
// complete response leaves the stream aligned, so the connection is kept.
func (c *Client) dropLocked(cause error) {
	var cerr *protocol.ClientError
	if errors.As(cause, &cerr) && !errors.Is(cause, protocol.ErrBadFrame) {
		return
	}
	if c.conn == nil {
		return
	}
	err := c.conn.Close()
	c.conn = nil
	c.logger.Info("connectionClosed", zap.NamedError("cause", cause), zap.Error(err))
}

// Close closes the connection. The client can still be used afterwards; the
// next request dials again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Report is the outcome of one expression of a session.
type Report struct {
	Expression expression.Expr
	Answer     *Answer
	Err        error
}

// RunSession evaluates exprs in order on the client connection and writes a
// human readable report of each to w. A failing expression is reported and
// the session moves on to the next one.
//
// Example output:
//
//	Result: 6
//	Steps:
//	max(2, 3) + 3 = 3 + 3
//	              = 6
func (c *Client) RunSession(ctx context.Context, exprs []expression.Expr, w io.Writer) []Report {
	reports := make([]Report, 0, len(exprs))
	for _, expr := range exprs {
		if ctx.Err() != nil {
			break
		}
		answer, err := c.Evaluate(ctx, expr)
		reports = append(reports, Report{Expression: expr, Answer: answer, Err: err})
		if err != nil {
			fmt.Fprintf(w, "Got error: %v\n", err)
			continue
		}
		fmt.Fprintf(w, "Result: %s\n", expression.FormatNumber(answer.Value))
		if rendered := evaluator.RenderSteps(answer.Steps); rendered != "" {
			fmt.Fprintf(w, "Steps:\n%s\n", rendered)
		}
	}
	return reports
}
