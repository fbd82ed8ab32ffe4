package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goerrors "github.com/go-errors/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/lambda-runtime/pkg/logging"
	"github.com/psantana5/lambda-runtime/pkg/metrics"
	"github.com/psantana5/lambda-runtime/pkg/processor"
	"github.com/psantana5/lambda-runtime/pkg/runtimeapi"
	"github.com/psantana5/lambda-runtime/pkg/tracing"
)

// Host is the part of the Runtime API the loop drives.
// *runtimeapi.Client implements it.
type Host interface {
	Next(ctx context.Context) (*runtimeapi.Invocation, error)
	RespondSuccess(ctx context.Context, requestID string, output []byte) error
	RespondError(ctx context.Context, requestID string, cause error) error
	ReportInitError(ctx context.Context, cause error) error
}

// Phase is where a cycle was when it stopped
type Phase int

const (
	// AwaitingInput: no invocation has been obtained yet
	AwaitingInput Phase = iota
	// Processing: an invocation (and its request id) is in hand
	Processing
	// Terminated: the host was told the runtime cannot continue
	Terminated
)

func (p Phase) String() string {
	switch p {
	case AwaitingInput:
		return "awaiting_input"
	case Processing:
		return "processing"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PanicError carries a value recovered from a panicking processor
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Runner pulls invocations from the host one at a time and hands them to a
// processor.
type Runner struct {
	host      Host
	processor processor.Processor
	logger    *logging.Logger
	metrics   *metrics.RuntimeMetrics
	tracer    trace.Tracer
	running   atomic.Bool
}

// New creates a runner
func New(host Host, p processor.Processor, opts ...Option) *Runner {
	r := &Runner{
		host:      host,
		processor: p,
		logger:    logging.Discard(),
		tracer:    otel.Tracer("github.com/psantana5/lambda-runtime/pkg/runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Running reports whether Run is looping
func (r *Runner) Running() bool {
	return r.running.Load()
}

// cycleResult is what one fetch-process-report cycle hands to settle.
type cycleResult struct {
	phase      Phase
	invocation *runtimeapi.Invocation
	started    time.Time
	err        error
}

// Run loops until the runtime has to stop. It returns the error produced by
// reporting an initialization failure, or ctx.Err() once ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.running.Store(true)
	r.metrics.SetRunning(true)
	defer func() {
		r.running.Store(false)
		r.metrics.SetRunning(false)
	}()

	r.logger.Info("Starting invocation loop")
	for {
		if err := ctx.Err(); err != nil {
			r.logger.Info("Invocation loop stopped", map[string]interface{}{"reason": err})
			return err
		}
		if err := r.settle(ctx, r.cycle(ctx)); err != nil {
			return err
		}
	}
}

// cycle runs one fetch-process-report round without classifying failures.
func (r *Runner) cycle(ctx context.Context) cycleResult {
	inv, err := r.host.Next(ctx)
	if err != nil {
		return cycleResult{phase: AwaitingInput, err: err}
	}

	res := cycleResult{phase: Processing, invocation: inv, started: time.Now()}
	ctx, span := r.tracer.Start(ctx, "lambdart.invocation",
		trace.WithAttributes(
			attribute.String("faas.execution", inv.RequestID),
			attribute.Int("lambdart.input_bytes", len(inv.Body)),
		),
	)
	defer span.End()

	logger := r.logger.WithField("request_id", inv.RequestID)
	logger.Debug("Received invocation", map[string]interface{}{"bytes": len(inv.Body)})

	output, err := r.invoke(ctx, inv)
	if err != nil {
		tracing.SetError(ctx, err)
		res.err = err
		return res
	}

	if err := r.host.RespondSuccess(ctx, inv.RequestID, output); err != nil {
		tracing.SetError(ctx, err)
		res.err = err
		return res
	}

	took := time.Since(res.started)
	r.metrics.ObserveInvocation(metrics.OutcomeSuccess, took)
	logger.Info("Invocation succeeded", map[string]interface{}{"duration_ms": took.Milliseconds()})
	return res
}

// invoke calls the processor with the invocation in its context and the
// host deadline, if any, as its deadline. Panics become *PanicError.
func (r *Runner) invoke(ctx context.Context, inv *runtimeapi.Invocation) (output []byte, err error) {
	ctx = runtimeapi.NewContext(ctx, inv)
	if inv.HasDeadline() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, inv.Deadline)
		defer cancel()
	}

	defer func() {
		if v := recover(); v != nil {
			// skip this func and runtime.gopanic so the trace starts at the panic site
			err = goerrors.Wrap(&PanicError{Value: v}, 2)
		}
	}()

	return r.processor.Process(ctx, inv.Body)
}

// settle is the single place where a failed cycle is classified. A nil
// return means the loop continues.
func (r *Runner) settle(ctx context.Context, res cycleResult) error {
	if res.err == nil {
		return nil
	}
	r.countProtocolError(res.err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		r.logger.Info("Invocation loop stopped", map[string]interface{}{"reason": ctxErr, "phase": res.phase.String()})
		return ctxErr
	}

	switch res.phase {
	case Processing:
		requestID := res.invocation.RequestID
		logger := r.logger.WithField("request_id", requestID)
		logger.Warn("Invocation failed", map[string]interface{}{"error": res.err})

		reportErr := r.host.RespondError(ctx, requestID, res.err)
		r.metrics.ObserveInvocation(metrics.OutcomeError, time.Since(res.started))
		if reportErr != nil {
			r.countProtocolError(reportErr)
			logger.Error("Failed to report invocation error", map[string]interface{}{"error": reportErr})
			return r.terminate(ctx, reportErr)
		}
		return nil
	default:
		r.logger.Error("Failed to obtain invocation", map[string]interface{}{"error": res.err})
		return r.terminate(ctx, res.err)
	}
}

// terminate reports an initialization failure. The host call always yields
// an error; a Host that returns nil still stops the loop.
func (r *Runner) terminate(ctx context.Context, cause error) error {
	err := r.host.ReportInitError(ctx, cause)
	if err == nil {
		err = &runtimeapi.ProtocolError{
			Op:      runtimeapi.OpInitError,
			Message: "runtime unable to continue. POSTed initialization error",
			Err:     cause,
		}
	}
	r.logger.Error("Runtime terminated", map[string]interface{}{
		"phase": Terminated.String(),
		"error": err,
	})
	return err
}

func (r *Runner) countProtocolError(err error) {
	var pe *runtimeapi.ProtocolError
	if errors.As(err, &pe) {
		r.metrics.ProtocolError(pe.Op)
	}
}
