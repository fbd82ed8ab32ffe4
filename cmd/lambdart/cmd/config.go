package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/lambda-runtime/internal/config"
)

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the runtime configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, config file, environment
(AWS_LAMBDA_RUNTIME_API, _HANDLER, LAMBDART_*) and flags are merged, and
report any invalid value.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().StringVarP(&configOutput, "output", "o", "table", "Output format: table, json, yaml")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if err := outputConfig(cmd.OutOrStdout(), cfg, configOutput); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func outputConfig(w io.Writer, c *config.Config, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(c)

	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(c); err != nil {
			return err
		}
		return encoder.Close()

	case "table":
		table := tablewriter.NewWriter(w)
		table.Header("Key", "Value")
		for _, row := range configRows(c) {
			if err := table.Append(row); err != nil {
				return err
			}
		}
		return table.Render()

	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func configRows(c *config.Config) [][]string {
	orNone := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	return [][]string{
		{"runtime_api", orNone(c.RuntimeAPI)},
		{"handler", c.Handler},
		{"log_level", c.LogLevel},
		{"log_json", strconv.FormatBool(c.LogJSON)},
		{"http_timeout", c.HTTPTimeout.String()},
		{"metrics_addr", orNone(c.MetricsAddr)},
		{"tracing.enabled", strconv.FormatBool(c.Tracing.Enabled)},
		{"tracing.otlp_endpoint", orNone(c.Tracing.OTLPEndpoint)},
		{"tracing.service_name", c.Tracing.ServiceName},
		{"emulator.addr", c.Emulator.Addr},
		{"emulator.function_timeout", c.Emulator.FunctionTimeout.String()},
		{"emulator.max_rps", strconv.FormatFloat(c.Emulator.MaxRPS, 'g', -1, 64)},
		{"emulator.burst", strconv.Itoa(c.Emulator.Burst)},
	}
}
