// Package proxy answers requests from the shared response cache, forwarding
// misses to an origin server.
//
// Example usage:
//
//	ring := hash.New(cfg.VirtualNodes, cfg.OriginAddresses()...)
//	h := proxy.New(cache.New(), proxy.NewForwarder(ring, cfg, logger, m), logger, m)
//	srv := server.New(h, server.Config{Role: metrics.RoleProxy, Policy: protocol.NoCache})
package proxy

import (
	"context"

	"go.uber.org/zap"

	"github.com/calcmir/calcmir/internal/server"
	"github.com/calcmir/calcmir/pkg/cache"
	"github.com/calcmir/calcmir/pkg/metrics"
	"github.com/calcmir/calcmir/pkg/protocol"
)

// Handler serves requests through a [cache.Engine].
//
// Failures are answered with non-cacheable error responses: 500 when the
// origin cannot be reached, 400 when its reply is malformed.
type Handler struct {
	Engine  *cache.Engine
	Origin  cache.Origin
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

var _ server.Handler = &Handler{}

// New returns a Handler. The engine is shared by every connection.
func New(engine *cache.Engine, origin cache.Origin, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Origin: origin, Logger: logger, Metrics: m}
}

// Handle implements [server.Handler]. It always returns a response.
func (h *Handler) Handle(ctx context.Context, req *protocol.Header) (*protocol.Header, error) {
	out, err := h.Engine.Serve(ctx, req, h.Origin)
	if err != nil {
		h.Logger.Warn("forwardFailed", zap.Error(err))
		return protocol.NoCache.ErrorResponse(err), nil
	}

	h.Metrics.ObserveCache(out, h.Engine.Len())
	h.Logger.Info("cacheOutcome",
		zap.String("description", out.Description()),
		zap.Object("outcome", out),
		zap.Stringer("status", out.Response.Status()),
	)
	return out.Response, nil
}
