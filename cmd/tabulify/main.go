package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/observability"

	// Import all available connectors to register them
	_ "github.com/tabulify/tabulify/pkg/connector/arrowipc"
	_ "github.com/tabulify/tabulify/pkg/connector/csv"
	_ "github.com/tabulify/tabulify/pkg/connector/generator"
	_ "github.com/tabulify/tabulify/pkg/connector/jsonl"
	_ "github.com/tabulify/tabulify/pkg/connector/memory"
	_ "github.com/tabulify/tabulify/pkg/connector/parquet"
	_ "github.com/tabulify/tabulify/pkg/connector/sqldb"
)

var version = "0.1.0"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// app holds what the persistent flags set up for every command.
type app struct {
	configFile string
	envFiles   []string
	logLevel   string

	cfg      *config.EngineConfig
	log      *zap.Logger
	shutdown observability.ShutdownFunc
	registry *registry.Registry
}

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, exit.err)
		}
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func newRootCmd() *cobra.Command {
	a := &app{registry: registry.GetRegistry()}

	root := &cobra.Command{
		Use:   "tabulify",
		Short: "Tabulify - move and transform tables between connectors",
		Long: `Tabulify runs flows of copy, transform and filter steps between tables of
heterogeneous connectors (files, SQL databases, generators), converting values
through a canonical type system.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "Path to the engine configuration YAML file")
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "Dotenv files loaded before reading flows")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides the configuration")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tabulify v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "connectors",
		Short: "List registered connector types",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range a.registry.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", name)
			}
		},
	})
	root.AddCommand(newTablesCmd(a), newValidateCmd(a), newRunCmd(a))
	return root
}

// setup loads dotenv files and the engine configuration, then installs the
// logger and the tracer provider.
func (a *app) setup() error {
	for _, f := range a.envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	cfg, err := config.LoadWithViper(viper.New(), a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Observability.LogLevel = a.logLevel
	}
	a.cfg = cfg

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Encoding:    cfg.Observability.LogEncoding,
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return err
	}
	a.log = logger.Get().With(zap.String("component", "tabulify-cli"))

	tcfg := observability.DefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTracing
	tcfg.SampleRate = cfg.Observability.TracingSampleRate
	tcfg.ServiceVersion = version
	a.shutdown, err = observability.Init(tcfg)
	return err
}

// teardown flushes traces and logs. Commands that fail call it
// themselves since cobra skips post-run hooks on error.
func (a *app) teardown(cmd *cobra.Command) error {
	if a.shutdown != nil {
		if err := a.shutdown(cmd.Context()); err != nil {
			a.log.Warn("failed to flush traces", zap.Error(err))
		}
		a.shutdown = nil
	}
	_ = logger.Sync()
	return nil
}
