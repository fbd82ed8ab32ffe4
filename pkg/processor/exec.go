package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/psantana5/lambda-runtime/pkg/runtimeapi"
)

// Environment variables exported to exec handlers
const (
	EnvRequestID = "LAMBDA_REQUEST_ID"
	EnvTraceID   = "_X_AMZN_TRACE_ID"
)

// ExecError reports a handler command that exited non-zero
type ExecError struct {
	Command  string
	ExitCode int
	Stderr   string
}

// Error implements error interface
func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Exec runs a command for every invocation. The event is written to the
// command's stdin and whatever it prints on stdout is the result.
type Exec struct {
	path string
	args []string
}

// NewExec parses a command line such as "/var/task/handler.sh --fast"
func NewExec(commandLine string) (*Exec, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("exec handler requires a command")
	}
	return &Exec{path: fields[0], args: fields[1:]}, nil
}

// Command returns the configured command line
func (e *Exec) Command() string {
	return strings.Join(append([]string{e.path}, e.args...), " ")
}

// Process runs the command with input on stdin
func (e *Exec) Process(ctx context.Context, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.path, e.args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = os.Environ()
	if inv, ok := runtimeapi.FromContext(ctx); ok {
		cmd.Env = append(cmd.Env, EnvRequestID+"="+inv.RequestID)
		if inv.TraceID != "" {
			cmd.Env = append(cmd.Env, EnvTraceID+"="+inv.TraceID)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExecError{Command: e.Command(), ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("failed to run %s: %w", e.Command(), err)
	}
	return stdout.Bytes(), nil
}
