package runtimeapi

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Runtime API headers
const (
	HeaderRequestID       = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMs      = "Lambda-Runtime-Deadline-Ms"
	HeaderFunctionARN     = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderTraceID         = "Lambda-Runtime-Trace-Id"
	HeaderClientContext   = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity = "Lambda-Runtime-Cognito-Identity"
	HeaderErrorType       = "Lambda-Runtime-Function-Error-Type"

	ContentTypeJSON    = "application/json; utf-8"
	ErrorTypeUnhandled = "Unhandled"
)

// Invocation is one unit of work handed out by the host. Body is the raw
// event exactly as received; its schema belongs to the processor.
type Invocation struct {
	RequestID       string
	Body            []byte
	Deadline        time.Time
	FunctionARN     string
	TraceID         string
	ClientContext   string
	CognitoIdentity string
}

// HasDeadline reports whether the host sent a usable deadline
func (inv *Invocation) HasDeadline() bool {
	return !inv.Deadline.IsZero()
}

func invocationFromResponse(requestID string, body []byte, h http.Header) *Invocation {
	inv := &Invocation{
		RequestID:       requestID,
		Body:            body,
		FunctionARN:     h.Get(HeaderFunctionARN),
		TraceID:         h.Get(HeaderTraceID),
		ClientContext:   h.Get(HeaderClientContext),
		CognitoIdentity: h.Get(HeaderCognitoIdentity),
	}
	if raw := h.Get(HeaderDeadlineMs); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			inv.Deadline = time.UnixMilli(ms)
		}
	}
	return inv
}

type invocationKey struct{}

// NewContext returns a copy of ctx carrying inv
func NewContext(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// FromContext returns the invocation stored in ctx, if any
func FromContext(ctx context.Context) (*Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*Invocation)
	return inv, ok && inv != nil
}
