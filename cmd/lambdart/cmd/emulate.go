package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/lambda-runtime/internal/config"
	"github.com/psantana5/lambda-runtime/internal/emulator"
	"github.com/psantana5/lambda-runtime/pkg/processor"
	"github.com/psantana5/lambda-runtime/pkg/runner"
	"github.com/psantana5/lambda-runtime/pkg/runtimeapi"
	"github.com/psantana5/lambda-runtime/pkg/shutdown"
	"github.com/psantana5/lambda-runtime/pkg/tracing"
)

var emulateAttach bool

// emulateCmd represents the emulate command
var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Serve a local Runtime API for development",
	Long: `Start a local host that speaks the Runtime API (2018-06-01) to a runtime
and accepts events on POST /2015-03-31/functions/function/invocations.

Point a runtime at it with AWS_LAMBDA_RUNTIME_API=<addr>, or pass --attach
to run the configured handler in this process.`,
	RunE: runEmulate,
}

func init() {
	rootCmd.AddCommand(emulateCmd)

	flags := emulateCmd.Flags()
	flags.String("addr", "", "listen address (default "+config.DefaultEmulatorAddr+")")
	flags.Duration("function-timeout", 0, "how long an event may run (default config emulator.function_timeout)")
	flags.Float64("max-rps", 0, "throttle invokes above this rate, 0 disables")
	flags.BoolVar(&emulateAttach, "attach", false, "also run the configured handler against the emulator")

	_ = v.BindPFlag("emulator.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("emulator.function_timeout", flags.Lookup("function-timeout"))
	_ = v.BindPFlag("emulator.max_rps", flags.Lookup("max-rps"))
}

func runEmulate(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := loggerFor("emulator")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	provider, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName + "-emulator",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	mgr := shutdown.New(shutdownTimeout, logger)
	mgr.Register("tracer", provider.Shutdown)

	emu := emulator.New(
		emulator.WithLogger(logger),
		emulator.WithFunctionName(cfg.Tracing.ServiceName),
		emulator.WithFunctionTimeout(cfg.Emulator.FunctionTimeout),
		emulator.WithThrottle(cfg.Emulator.MaxRPS, cfg.Emulator.Burst),
		emulator.WithTracing(provider),
	)
	if err := emu.Start(cfg.Emulator.Addr); err != nil {
		return err
	}
	mgr.Register("emulator", shutdown.StopHTTPServer(emu))

	runCtx, stop := mgr.Context(ctx)
	defer stop()

	logger.Info("Emulator ready", map[string]interface{}{
		"runtime_api": emu.Addr(),
		"invoke":      "http://" + emu.Addr() + emulator.InvokePath,
	})

	if emulateAttach {
		proc, err := processor.Resolve(cfg.Handler)
		if err != nil {
			_ = mgr.Shutdown()
			return err
		}
		client := runtimeapi.NewClient(emu.Addr(), runtimeapi.WithLogger(loggerFor("runtimeapi")))
		go func() {
			err := runner.New(client, proc, runner.WithLogger(loggerFor("runner"))).Run(runCtx)
			logger.Warn("Attached runtime stopped", map[string]interface{}{"error": err})
		}()
	}

	<-runCtx.Done()
	return mgr.Shutdown()
}
