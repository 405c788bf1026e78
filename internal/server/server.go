// Package server implements the TCP connection harness shared by the calcmir
// server and proxy.
//
// The harness accepts connections, reads framed messages, hands each decoded
// request to a [Handler] and writes back whatever the handler answers. It
// knows nothing about evaluation or caching.
//
// Architecture:
//   - TCP accept loop with one goroutine per connection
//   - Requests on a connection are answered strictly in order
//   - Read and write deadlines on every socket operation
//   - Decode errors are answered with an error response and the connection
//     keeps serving; a frame that cannot be delimited is answered and then
//     the connection is closed
//   - Graceful shutdown: stop accepting, wait for in-flight requests
//
// Example usage:
//
//	srv := server.New(calculator.New(policy), server.Config{
//		Role:   metrics.RoleServer,
//		Policy: policy,
//		Logger: logger,
//	})
//	if err := srv.ListenAndServe(ctx, "127.0.0.1:9999"); err != nil {
//		log.Fatal(err)
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calcmir/calcmir/pkg/config"
	"github.com/calcmir/calcmir/pkg/metrics"
	"github.com/calcmir/calcmir/pkg/protocol"
)

// Handler answers one decoded request.
//
// A non-nil error is reported to the peer with an error response built from
// [Config.Policy]; the response is ignored in that case.
type Handler interface {
	Handle(ctx context.Context, req *protocol.Header) (*protocol.Header, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, req *protocol.Header) (*protocol.Header, error)

var _ Handler = HandlerFunc(nil)

// Handle implements [Handler].
func (f HandlerFunc) Handle(ctx context.Context, req *protocol.Header) (*protocol.Header, error) {
	return f(ctx, req)
}

// Config contains the settings of a [Server]. Zero values are replaced with
// defaults by [New].
type Config struct {
	// Role labels logs and metrics ("server" or "proxy").
	Role string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Policy is stamped on the error responses built by the harness.
	Policy protocol.Policy

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// ErrClassifier maps network errors to short labels for the logs.
	ErrClassifier func(error) string
}

// Server accepts connections and dispatches their requests to a [Handler].
// It is safe for concurrent use.
type Server struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger

	mu       sync.Mutex // guards listener and closing
	listener net.Listener
	closing  bool
	inflight sync.WaitGroup
}

// New creates a Server that dispatches requests to handler. The server is not
// started until [Server.Serve] or [Server.ListenAndServe] is called.
func New(handler Handler, cfg Config) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = config.DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ErrClassifier == nil {
		cfg.ErrClassifier = classify
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With(zap.String("role", cfg.Role)),
	}
}

func classify(err error) string {
	if err == nil {
		return ""
	}
	return errclass.New(err)
}

// ListenAndServe listens on addr and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or [Server.Stop] is
// called, then waits for in-flight requests to be answered.
//
// Idle connections are not interrupted. They are closed when their next
// request arrives, when their read deadline expires, or when the process
// exits.
//
// Returns:
//   - nil after a graceful shutdown
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("listening", zap.String("localAddr", ln.Addr().String()))

	// Requests already accepted are answered even after ctx is canceled.
	connCtx := context.WithoutCancel(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("acceptFailed", zap.Error(err), zap.String("errClass", s.cfg.ErrClassifier(err)))
			continue
		}
		go s.ServeConn(connCtx, conn)
	}

	s.logger.Info("shuttingDown")
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.inflight.Wait()
	s.logger.Info("shutdownComplete")
	return nil
}

// Stop closes the listener, which makes [Server.Serve] stop accepting and
// return once in-flight requests are answered.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Addr returns the listener address, or nil before [Server.Serve] runs.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// beginRequest registers an in-flight request. It reports false once the
// server is shutting down.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

// ServeConn serves the requests of a single connection until the peer closes
// it, an I/O error occurs, or the server shuts down. It closes conn.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With(
		zap.String("connID", runtimex.PanicOnError1(uuid.NewV7()).String()),
		zap.String("localAddr", safeconn.LocalAddr(conn)),
		zap.String("protocol", safeconn.Network(conn)),
		zap.String("remoteAddr", safeconn.RemoteAddr(conn)),
	)
	logger.Info("connectionOpened")
	s.cfg.Metrics.ConnectionOpened(s.cfg.Role)

	defer func() {
		err := conn.Close()
		s.cfg.Metrics.ConnectionClosed(s.cfg.Role)
		logger.Info("connectionClosed", zap.Error(err))
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			logger.Warn("setReadDeadlineFailed", zap.Error(err))
			return
		}
		buf, err := protocol.ReadMessage(conn)
		if err != nil {
			s.readFailed(conn, logger, err)
			return
		}
		if !s.beginRequest() {
			logger.Info("requestDropped", zap.String("reason", "shutting down"))
			return
		}
		ok := s.serveMessage(ctx, conn, logger, buf)
		s.inflight.Done()
		if !ok {
			return
		}
	}
}

// readFailed handles a read error. A frame that cannot be delimited is still
// answered before the connection is closed.
func (s *Server) readFailed(conn net.Conn, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.Debug("peerClosed")
	case errors.Is(err, protocol.ErrBadFrame):
		logger.Warn("badFrame", zap.Error(err))
		_ = s.write(conn, logger, s.cfg.Policy.ErrorResponse(err))
	default:
		logger.Warn("readFailed", zap.Error(err), zap.String("errClass", s.cfg.ErrClassifier(err)))
	}
}

// serveMessage answers one framed message. It reports whether the connection
// can keep serving.
func (s *Server) serveMessage(ctx context.Context, conn net.Conn, logger *zap.Logger, buf []byte) bool {
	t0 := time.Now()
	logger.Debug("requestReceived", zap.Int("length", len(buf)))

	resp := s.respond(ctx, logger, buf)
	if err := s.write(conn, logger, resp); err != nil {
		return false
	}
	s.cfg.Metrics.ObserveRequest(s.cfg.Role, resp.Status(), time.Since(t0))
	return true
}

func (s *Server) respond(ctx context.Context, logger *zap.Logger, buf []byte) (resp *protocol.Header) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handlerPanic", zap.Any("panic", r))
			resp = s.cfg.Policy.ErrorResponse(&protocol.ServerError{Err: fmt.Errorf("internal error: %v", r)})
		}
	}()

	req, err := protocol.Decode(buf)
	if err == nil && !req.IsRequest() {
		err = &protocol.ClientError{Err: errors.New("received a response instead of a request")}
	}
	if err != nil {
		logger.Warn("decodeFailed", zap.Error(err))
		return s.cfg.Policy.ErrorResponse(err)
	}
	logger.Debug("requestDecoded", zap.Object("request", req))

	resp, err = s.handler.Handle(ctx, req)
	if err == nil && resp == nil {
		err = &protocol.ServerError{Err: errors.New("handler returned no response")}
	}
	if err != nil {
		logger.Warn("requestFailed", zap.Error(err))
		return s.cfg.Policy.ErrorResponse(err)
	}
	return resp
}

func (s *Server) write(conn net.Conn, logger *zap.Logger, resp *protocol.Header) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		logger.Warn("setWriteDeadlineFailed", zap.Error(err))
		return err
	}
	if err := protocol.WriteMessage(conn, resp); err != nil {
		logger.Warn("writeFailed", zap.Error(err), zap.String("errClass", s.cfg.ErrClassifier(err)))
		return err
	}
	logger.Debug("responseSent", zap.Object("response", resp))
	return nil
}
