package runtimeapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/lambda-runtime/pkg/failure"
	"github.com/psantana5/lambda-runtime/pkg/logging"
)

// APIVersion is the Runtime API version path segment
const APIVersion = "2018-06-01"

// Client talks to the Lambda Runtime API. Its configuration is read-only
// after construction, and it issues one request at a time.
type Client struct {
	runtimeAPIRoot string
	httpClient     *http.Client
	encoder        *failure.Encoder
	logger         *logging.Logger
	tracer         trace.Tracer
}

// NewClient creates a client for the Runtime API at endpoint. endpoint is
// normally the bare host:port from AWS_LAMBDA_RUNTIME_API; a value that
// already has a scheme is used as-is.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		runtimeAPIRoot: RootURL(endpoint),
		// no Timeout: next long-polls until the host has work
		httpClient: &http.Client{},
		encoder:    failure.NewEncoder(),
		logger:     logging.Discard(),
		tracer:     otel.Tracer("github.com/psantana5/lambda-runtime/pkg/runtimeapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RootURL builds http://<endpoint>/2018-06-01/runtime/
func RootURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return endpoint + "/" + APIVersion + "/runtime/"
}

// RootURL returns the runtime API root this client talks to
func (c *Client) RootURL() string {
	return c.runtimeAPIRoot
}

// Next blocks until the host hands out the next invocation
func (c *Client) Next(ctx context.Context) (*Invocation, error) {
	const action = "GET for input"
	target := c.runtimeAPIRoot + "invocation/next"
	c.logger.Debug("Fetching next invocation", map[string]interface{}{"url": target})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, transportError(OpNext, action, err)
	}

	resp, body, err := c.do(ctx, OpNext, req)
	if err != nil {
		return nil, transportError(OpNext, action, err)
	}

	if resp.StatusCode > 299 {
		return nil, statusError(OpNext, action+" on "+target, resp.StatusCode, string(body))
	}

	requestID := resp.Header.Get(HeaderRequestID)
	if requestID == "" {
		return nil, &ProtocolError{
			Op:      OpNext,
			Status:  resp.StatusCode,
			Message: action + " returned no header value for " + HeaderRequestID,
			Err:     ErrMissingRequestID,
		}
	}

	return invocationFromResponse(requestID, body, resp.Header), nil
}

// RespondSuccess posts the processor output for requestID
func (c *Client) RespondSuccess(ctx context.Context, requestID string, output []byte) error {
	action := "POSTing processed output for awsRequestId " + requestID
	target := c.invocationURL(requestID, "response")
	c.logger.Debug("Posting invocation response", map[string]interface{}{
		"request_id": requestID,
		"url":        target,
		"bytes":      len(output),
	})

	return c.post(ctx, OpResponse, action, target, output, false)
}

// RespondError reports that the invocation requestID failed with cause
func (c *Client) RespondError(ctx context.Context, requestID string, cause error) error {
	action := "POSTing invocation error for awsRequestId " + requestID
	target := c.invocationURL(requestID, "error")
	c.logger.Debug("Posting invocation error", map[string]interface{}{
		"request_id": requestID,
		"url":        target,
		"error":      cause,
	})

	return c.post(ctx, OpError, action, target, c.encoder.Encode(cause), true)
}

// ReportInitError tells the host the runtime cannot continue. It always
// returns a non-nil *ProtocolError, whatever the host answers, so that the
// caller stops.
func (c *Client) ReportInitError(ctx context.Context, cause error) error {
	const prefix = "runtime unable to continue"
	target := c.runtimeAPIRoot + "init/error"
	c.logger.Debug("Posting initialization error", map[string]interface{}{
		"url":   target,
		"error": cause,
	})

	req, err := c.newPost(ctx, target, c.encoder.Encode(cause), true)
	if err != nil {
		return &ProtocolError{Op: OpInitError, Message: prefix + ": POSTing initialization error failed", Err: err}
	}

	resp, body, err := c.do(ctx, OpInitError, req)
	if err != nil {
		return &ProtocolError{Op: OpInitError, Message: prefix + ": POSTing initialization error failed", Err: err}
	}

	return &ProtocolError{
		Op:      OpInitError,
		Status:  resp.StatusCode,
		Body:    string(body),
		Message: fmt.Sprintf("%s. POSTed initialization error, receiving status: %d", prefix, resp.StatusCode),
	}
}

// invocationURL escapes requestID as one path segment; the host sees it
// unchanged once the path is decoded.
func (c *Client) invocationURL(requestID, suffix string) string {
	return c.runtimeAPIRoot + "invocation/" + url.PathEscape(requestID) + "/" + suffix
}

func (c *Client) post(ctx context.Context, op, action, target string, payload []byte, unhandled bool) error {
	req, err := c.newPost(ctx, target, payload, unhandled)
	if err != nil {
		return transportError(op, action, err)
	}

	resp, body, err := c.do(ctx, op, req)
	if err != nil {
		return transportError(op, action, err)
	}

	if resp.StatusCode > 299 {
		return statusError(op, action, resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) newPost(ctx context.Context, target string, payload []byte, unhandled bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeJSON)
	if unhandled {
		req.Header.Set(HeaderErrorType, ErrorTypeUnhandled)
	}
	return req, nil
}

// do sends req and drains the body. A body read failure is a transport failure.
func (c *Client) do(ctx context.Context, op string, req *http.Request) (*http.Response, []byte, error) {
	_, span := c.tracer.Start(ctx, "runtimeapi."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	defer span.End()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode > 299 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, body, nil
}
