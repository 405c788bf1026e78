// Package calculator answers evaluation requests on the origin server.
package calculator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/calcmir/calcmir/internal/server"
	"github.com/calcmir/calcmir/pkg/evaluator"
	"github.com/calcmir/calcmir/pkg/metrics"
	"github.com/calcmir/calcmir/pkg/protocol"
)

// Handler evaluates the expression carried by each request.
//
// Results and failures caused by the request (bad payload, arithmetic domain
// errors) carry the cache settings of Policy. Steps are included only when
// the request asks for them.
type Handler struct {
	Policy  protocol.Policy
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// TimeNow stamps responses. Tests replace it.
	TimeNow func() time.Time
}

var _ server.Handler = &Handler{}

// New returns a Handler with the given response policy.
func New(policy protocol.Policy, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Policy:  policy,
		Logger:  logger,
		Metrics: m,
		TimeNow: time.Now,
	}
}

// Handle implements [server.Handler]. It always returns a response.
func (h *Handler) Handle(ctx context.Context, req *protocol.Header) (*protocol.Header, error) {
	expr, err := req.Expression()
	if err != nil {
		return h.errorResponse(err), nil
	}

	t0 := time.Now()
	result, err := evaluator.Evaluate(expr)
	h.Metrics.ObserveEvaluation(time.Since(t0))
	if err != nil {
		h.Logger.Info("evaluationFailed", zap.Stringer("expression", expr), zap.Error(err))
		return h.errorResponse(err), nil
	}
	h.Logger.Debug("evaluated",
		zap.Stringer("expression", expr),
		zap.Float64("value", result.Value),
		zap.Int("reductions", result.Reductions()),
	)

	var steps []string
	if req.ShowSteps() {
		steps = result.StepStrings()
	}
	opts := h.Policy.Options(protocol.StatusOK)
	opts.ShowSteps = req.ShowSteps()
	opts.Time = h.now()
	resp, err := protocol.NewResult(result.Value, steps, opts)
	if err != nil {
		// Too many steps to fit in one message.
		return h.errorResponse(err), nil
	}
	return resp, nil
}

func (h *Handler) errorResponse(err error) *protocol.Header {
	status := protocol.StatusOf(err)
	opts := h.Policy.Options(status)
	opts.Time = h.now()
	resp, nerr := protocol.NewError(status, err.Error(), opts)
	if nerr != nil {
		return h.Policy.ErrorResponse(err)
	}
	return resp
}

func (h *Handler) now() time.Time {
	if h.TimeNow != nil {
		return h.TimeNow()
	}
	return time.Now()
}
