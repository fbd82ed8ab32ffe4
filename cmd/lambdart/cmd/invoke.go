package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psantana5/lambda-runtime/internal/emulator"
)

var (
	invokeEndpoint string
	invokeFile     string
)

// invokeCmd represents the invoke command
var invokeCmd = &cobra.Command{
	Use:   "invoke [payload]",
	Short: "Send an event to a running emulator",
	Long: `POST an event to a running "lambdart emulate" and print what the runtime
answered. The payload comes from the argument, from --file, or from stdin
with --file -.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInvoke,
}

func init() {
	rootCmd.AddCommand(invokeCmd)

	invokeCmd.Flags().StringVar(&invokeEndpoint, "endpoint", "", "emulator address (default config emulator.addr)")
	invokeCmd.Flags().StringVarP(&invokeFile, "file", "f", "", "read the payload from a file, - for stdin")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	payload, err := invokePayload(args, invokeFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	endpoint := invokeEndpoint
	if endpoint == "" {
		endpoint = cfg.Emulator.Addr
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	url := strings.TrimRight(endpoint, "/") + emulator.InvokePath

	client := &http.Client{Timeout: cfg.Emulator.FunctionTimeout + shutdownTimeout}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to reach emulator: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(body))
	if fnErr := resp.Header.Get(emulator.HeaderFunctionError); fnErr != "" {
		return fmt.Errorf("function error (%s), request %s", fnErr, resp.Header.Get(emulator.HeaderAmzRequestID))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("emulator returned status %d", resp.StatusCode)
	}
	return nil
}

func invokePayload(args []string, file string, stdin io.Reader) ([]byte, error) {
	switch {
	case len(args) == 1:
		return []byte(args[0]), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return data, nil
	default:
		return []byte("{}"), nil
	}
}
