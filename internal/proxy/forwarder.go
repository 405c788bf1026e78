package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/safeconn"
	"go.uber.org/zap"

	"github.com/calcmir/calcmir/pkg/cache"
	"github.com/calcmir/calcmir/pkg/config"
	"github.com/calcmir/calcmir/pkg/hash"
	"github.com/calcmir/calcmir/pkg/metrics"
	"github.com/calcmir/calcmir/pkg/protocol"
)

// Dialer abstracts the [*net.Dialer] behavior.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Forwarder fetches responses from the origin servers. Each fetch uses a new
// connection that is closed once the response has been read.
//
// All fields are safe to modify after construction but before first use.
type Forwarder struct {
	// Dialer opens connections to origins.
	//
	// Set by [NewForwarder] to a [*net.Dialer].
	Dialer Dialer

	// Ring picks the origin responsible for a cache key.
	Ring *hash.Ring

	// ConnTimeout bounds connection establishment.
	ConnTimeout time.Duration

	// ReadTimeout and WriteTimeout bound each socket operation. Zero means
	// no limit.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

var _ cache.Origin = &Forwarder{}

// NewForwarder returns a Forwarder spreading requests over ring with the
// timeouts of cfg.
func NewForwarder(ring *hash.Ring, cfg *config.ProxyConfig, logger *zap.Logger, m *metrics.Metrics) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		Dialer:       &net.Dialer{},
		Ring:         ring,
		ConnTimeout:  cfg.ConnTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
		Metrics:      m,
	}
}

// Fetch implements [cache.Origin].
//
// Errors:
//   - a [*protocol.ServerError] if no origin is configured, the origin cannot
//     be reached, or the exchange fails at the I/O level;
//   - a [*protocol.ClientError] if the origin reply cannot be framed or decoded.
func (f *Forwarder) Fetch(ctx context.Context, req *protocol.Header) (*protocol.Header, error) {
	addr, ok := f.Ring.Pick(cache.KeyOf(req).Expression)
	if !ok {
		return nil, &protocol.ServerError{Err: errors.New("no origin server configured")}
	}

	dialCtx, cancel := ctx, context.CancelFunc(func() {})
	if f.ConnTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, f.ConnTimeout)
	}
	defer cancel()

	t0 := time.Now()
	conn, err := f.Dialer.DialContext(dialCtx, "tcp", addr)
	f.Logger.Debug("connectDone",
		zap.String("remoteAddr", addr),
		zap.String("localAddr", safeconn.LocalAddr(conn)),
		zap.Duration("elapsed", time.Since(t0)),
		zap.Error(err),
		zap.String("errClass", classify(err)),
	)
	if err != nil {
		f.Metrics.ObserveOriginError(classify(err))
		return nil, &protocol.ServerError{Err: fmt.Errorf("cannot reach origin %s: %w", addr, err)}
	}
	defer conn.Close()

	resp, err := f.exchange(conn, req)
	if err != nil {
		f.Metrics.ObserveOriginError(classify(err))
		f.Logger.Warn("exchangeFailed",
			zap.String("remoteAddr", addr),
			zap.Error(err),
			zap.String("errClass", classify(err)),
		)
		return nil, err
	}
	return resp, nil
}

func (f *Forwarder) exchange(conn net.Conn, req *protocol.Header) (*protocol.Header, error) {
	if err := conn.SetWriteDeadline(deadline(f.WriteTimeout)); err != nil {
		return nil, &protocol.ServerError{Err: fmt.Errorf("send to origin: %w", err)}
	}
	if err := protocol.WriteMessage(conn, req); err != nil {
		return nil, &protocol.ServerError{Err: fmt.Errorf("send to origin: %w", err)}
	}

	if err := conn.SetReadDeadline(deadline(f.ReadTimeout)); err != nil {
		return nil, &protocol.ServerError{Err: fmt.Errorf("receive from origin: %w", err)}
	}
	buf, err := protocol.ReadMessage(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrBadFrame) {
			return nil, &protocol.ClientError{Err: fmt.Errorf("malformed origin response: %w", err)}
		}
		return nil, &protocol.ServerError{Err: fmt.Errorf("receive from origin: %w", err)}
	}
	resp, err := protocol.Decode(buf)
	if err != nil {
		return nil, &protocol.ClientError{Err: fmt.Errorf("malformed origin response: %w", err)}
	}
	return resp, nil
}

// deadline returns the deadline for an operation bounded by d. A zero d
// means no deadline.
func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func classify(err error) string {
	if err == nil {
		return ""
	}
	return errclass.New(err)
}
