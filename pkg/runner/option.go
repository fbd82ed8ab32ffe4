package runner

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/lambda-runtime/pkg/logging"
	"github.com/psantana5/lambda-runtime/pkg/metrics"
)

// Option configures a Runner
type Option func(r *Runner)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records invocation metrics
func WithMetrics(m *metrics.RuntimeMetrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithTracer sets the tracer used for invocation spans
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}
