package runtimeapi

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/lambda-runtime/pkg/failure"
	"github.com/psantana5/lambda-runtime/pkg/logging"
)

// Option configures a Client
type Option func(c *Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithEncoder sets the error envelope encoder
func WithEncoder(enc *failure.Encoder) Option {
	return func(c *Client) {
		if enc != nil {
			c.encoder = enc
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used for per-call spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}
