// Package processor holds the unit-of-work side of the runtime: anything
// that turns a raw event into a raw result.
package processor

import (
	"context"
	"fmt"
	"strings"
)

// Processor handles one invocation. The input is the raw event body and the
// output is posted back to the host verbatim.
type Processor interface {
	Process(ctx context.Context, input []byte) ([]byte, error)
}

// Func adapts a plain function to Processor
type Func func(ctx context.Context, input []byte) ([]byte, error)

// Process calls f
func (f Func) Process(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}

// Echo returns its input unchanged
type Echo struct{}

// Process returns input
func (Echo) Process(_ context.Context, input []byte) ([]byte, error) {
	return input, nil
}

// Handler prefixes understood by Resolve
const (
	HandlerEcho       = "echo"
	HandlerExecPrefix = "exec:"
)

// Resolve maps a handler string (the _HANDLER setting) to a Processor.
//
//	""  or "echo"        -> Echo
//	"exec:<cmd> [args]"  -> Exec running <cmd> once per invocation
func Resolve(handler string) (Processor, error) {
	handler = strings.TrimSpace(handler)
	switch {
	case handler == "" || handler == HandlerEcho:
		return Echo{}, nil
	case strings.HasPrefix(handler, HandlerExecPrefix):
		return NewExec(strings.TrimPrefix(handler, HandlerExecPrefix))
	default:
		return nil, fmt.Errorf("unknown handler %q (want %q or %q<command>)", handler, HandlerEcho, HandlerExecPrefix)
	}
}
