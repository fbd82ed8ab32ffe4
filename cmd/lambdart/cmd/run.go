package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/lambda-runtime/internal/config"
	"github.com/psantana5/lambda-runtime/internal/server"
	"github.com/psantana5/lambda-runtime/pkg/logging"
	"github.com/psantana5/lambda-runtime/pkg/metrics"
	"github.com/psantana5/lambda-runtime/pkg/processor"
	"github.com/psantana5/lambda-runtime/pkg/runner"
	"github.com/psantana5/lambda-runtime/pkg/runtimeapi"
	"github.com/psantana5/lambda-runtime/pkg/shutdown"
	"github.com/psantana5/lambda-runtime/pkg/tracing"
)

const shutdownTimeout = 5 * time.Second

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the invocation loop against the Runtime API",
	Long: `Fetch invocations from AWS_LAMBDA_RUNTIME_API one at a time, pass each
event to the configured handler and report the outcome.

The command only returns when the runtime cannot continue: the host has
been told through init/error and the process exits non-zero.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.String("runtime-api", "", "Runtime API host:port (default $AWS_LAMBDA_RUNTIME_API)")
	flags.String("handler", config.DefaultHandler, `handler: "echo" or "exec:<command> [args]" (default $_HANDLER)`)
	flags.String("metrics-addr", "", "serve /metrics, /health and /ready on this address")
	flags.Duration("http-timeout", 0, "Runtime API request timeout, 0 waits forever")

	_ = v.BindPFlag("runtime_api", flags.Lookup("runtime-api"))
	_ = v.BindPFlag("handler", flags.Lookup("handler"))
	_ = v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
	_ = v.BindPFlag("http_timeout", flags.Lookup("http-timeout"))
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := cfg.RequireRuntimeAPI(); err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	provider, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	mgr := shutdown.New(shutdownTimeout, logger)
	mgr.Register("tracer", provider.Shutdown)

	client := runtimeapi.NewClient(cfg.RuntimeAPI,
		runtimeapi.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		runtimeapi.WithLogger(logger.WithField("component", "runtimeapi")),
		runtimeapi.WithTracer(provider.Tracer()),
	)

	// a bad handler is an initialization failure the host has to hear about
	proc, err := resolveHandler(cfg)
	if err != nil {
		logger.Error("Failed to initialize handler", map[string]interface{}{"handler": cfg.Handler, "error": err})
		reportErr := client.ReportInitError(ctx, err)
		_ = mgr.Shutdown()
		return reportErr
	}

	m := metrics.New(cfg.Tracing.ServiceName)
	r := runner.New(client, proc,
		runner.WithLogger(logger.WithField("component", "runner")),
		runner.WithMetrics(m),
		runner.WithTracer(provider.Tracer()),
	)

	if cfg.MetricsAddr != "" {
		ops := server.New(cfg.MetricsAddr, m,
			server.WithLogger(logger.WithField("component", "ops")),
			server.WithReadiness(r.Running),
		)
		if err := ops.Start(); err != nil {
			_ = mgr.Shutdown()
			return err
		}
		mgr.Register("ops-server", shutdown.StopHTTPServer(ops))
	}

	runCtx, stop := mgr.Context(ctx)
	defer stop()

	logger.Info("Runtime starting", map[string]interface{}{
		"runtime_api": client.RootURL(),
		"handler":     cfg.Handler,
		"version":     version,
	})
	runErr := r.Run(runCtx)

	if err := mgr.Shutdown(); err != nil {
		logger.Warn("Shutdown completed with errors", map[string]interface{}{"error": err})
	}
	return runExitError(runErr)
}

func resolveHandler(c *config.Config) (processor.Processor, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return processor.Resolve(c.Handler)
}

// runExitError turns whatever stopped the loop into the command error
func runExitError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("invocation loop stopped: %w", err)
	}
	if err == nil {
		return errors.New("invocation loop stopped")
	}
	return err
}

// loggerFor is shared by commands that do not need per-component fields
func loggerFor(component string) *logging.Logger {
	return newLogger(cfg).WithField("component", component)
}
