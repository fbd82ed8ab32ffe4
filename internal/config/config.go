package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/lambda-runtime/pkg/processor"
	"github.com/psantana5/lambda-runtime/pkg/runtimeapi"
)

// EnvPrefix prefixes every automatically bound environment variable
const EnvPrefix = "LAMBDART"

// Config is the effective runtime configuration
type Config struct {
	RuntimeAPI  string         `mapstructure:"runtime_api" json:"runtime_api" yaml:"runtime_api"`
	Handler     string         `mapstructure:"handler" json:"handler" yaml:"handler"`
	LogLevel    string         `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogJSON     bool           `mapstructure:"log_json" json:"log_json" yaml:"log_json"`
	HTTPTimeout time.Duration  `mapstructure:"http_timeout" json:"http_timeout" yaml:"http_timeout"`
	MetricsAddr string         `mapstructure:"metrics_addr" json:"metrics_addr" yaml:"metrics_addr"`
	Tracing     TracingConfig  `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
	Emulator    EmulatorConfig `mapstructure:"emulator" json:"emulator" yaml:"emulator"`
}

// TracingConfig controls OTLP trace export
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
}

// EmulatorConfig configures the local Runtime API emulator
type EmulatorConfig struct {
	Addr            string        `mapstructure:"addr" json:"addr" yaml:"addr"`
	FunctionTimeout time.Duration `mapstructure:"function_timeout" json:"function_timeout" yaml:"function_timeout"`
	MaxRPS          float64       `mapstructure:"max_rps" json:"max_rps" yaml:"max_rps"`
	Burst           int           `mapstructure:"burst" json:"burst" yaml:"burst"`
}

// Defaults
const (
	DefaultHandler         = processor.HandlerEcho
	DefaultLogLevel        = "info"
	DefaultServiceName     = "lambdart"
	DefaultEmulatorAddr    = "127.0.0.1:9001"
	DefaultFunctionTimeout = 30 * time.Second
)

// ErrMissingRuntimeAPI is returned when no Runtime API endpoint is configured
var ErrMissingRuntimeAPI = errors.New("runtime_api is not set (export AWS_LAMBDA_RUNTIME_API)")

// New returns a viper instance with defaults and environment bindings
// registered. Flags can be bound on top of it before Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("runtime_api", "")
	v.SetDefault("handler", DefaultHandler)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_json", false)
	v.SetDefault("http_timeout", time.Duration(0))
	v.SetDefault("metrics_addr", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.service_name", DefaultServiceName)
	v.SetDefault("emulator.addr", DefaultEmulatorAddr)
	v.SetDefault("emulator.function_timeout", DefaultFunctionTimeout)
	v.SetDefault("emulator.max_rps", 0.0)
	v.SetDefault("emulator.burst", 1)
}

// BindEnv maps the Lambda environment onto config keys. Everything else is
// reachable as LAMBDART_<KEY>, with dots replaced by underscores.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("runtime_api", "LAMBDART_RUNTIME_API", "AWS_LAMBDA_RUNTIME_API")
	_ = v.BindEnv("handler", "LAMBDART_HANDLER", "_HANDLER")
	_ = v.BindEnv("tracing.service_name", "LAMBDART_TRACING_SERVICE_NAME", "AWS_LAMBDA_FUNCTION_NAME")
}

// ReadFile loads cfgFile if given, otherwise looks for config.yaml in
// $HOME/.lambdart and /etc/lambdart. A missing default file is not an error.
func ReadFile(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
		return nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".lambdart"))
	}
	v.AddConfigPath("/etc/lambdart")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load decodes the effective configuration from v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.RuntimeAPI = strings.TrimSpace(cfg.RuntimeAPI)
	cfg.Handler = strings.TrimSpace(cfg.Handler)
	if cfg.Handler == "" {
		cfg.Handler = DefaultHandler
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultServiceName
	}
	return &cfg, nil
}

// Validate reports every malformed value at once
func (c *Config) Validate() error {
	var errs []error

	if c.RuntimeAPI != "" {
		if _, err := url.Parse(runtimeapi.RootURL(c.RuntimeAPI)); err != nil {
			errs = append(errs, fmt.Errorf("runtime_api %q is not a valid endpoint: %w", c.RuntimeAPI, err))
		}
	}
	if _, err := processor.Resolve(c.Handler); err != nil {
		errs = append(errs, fmt.Errorf("handler: %w", err))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error, fatal", c.LogLevel))
	}
	if c.HTTPTimeout < 0 {
		errs = append(errs, fmt.Errorf("http_timeout must not be negative, got %s", c.HTTPTimeout))
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics_addr %q: %w", c.MetricsAddr, err))
		}
	}
	if c.Emulator.FunctionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("emulator.function_timeout must be positive, got %s", c.Emulator.FunctionTimeout))
	}
	if c.Emulator.MaxRPS < 0 {
		errs = append(errs, fmt.Errorf("emulator.max_rps must not be negative, got %g", c.Emulator.MaxRPS))
	}

	return errors.Join(errs...)
}

// RequireRuntimeAPI fails when no endpoint is configured
func (c *Config) RequireRuntimeAPI() error {
	if c.RuntimeAPI == "" {
		return ErrMissingRuntimeAPI
	}
	return nil
}
