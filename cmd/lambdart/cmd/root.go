package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/lambda-runtime/internal/config"
	"github.com/psantana5/lambda-runtime/pkg/logging"
)

// version is set at build time with -ldflags "-X .../cmd.version=..."
var version = "dev"

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lambdart",
	Short: "Custom runtime for Lambda-style function hosts",
	Long: `lambdart implements the Lambda Runtime API (2018-06-01): it pulls
invocations from the host, hands each event to a handler and posts the
result or the failure back.

It also ships a local Runtime API emulator for development.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ReadFile(v, cfgFile); err != nil {
			return err
		}
		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lambdart/config.yaml)")
	flags.String("log-level", config.DefaultLogLevel, "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "log in JSON lines")

	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log_json", flags.Lookup("log-json"))
}

func newLogger(c *config.Config) *logging.Logger {
	logger := logging.NewLogger(logging.ParseLevel(c.LogLevel), c.LogJSON)
	logger.SetOutput(os.Stderr)
	return logger
}
