package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/engine"
	"github.com/tabulify/tabulify/pkg/flowfile"
)

func newTablesCmd(a *app) *cobra.Command {
	var flowFile, connector, pattern, output string
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables of a connector declared in a flow document",
		Example: `  tabulify tables -f flow.yaml -c warehouse --pattern 'orders_*'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			doc, err := flowfile.Load(flowFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			conns, err := doc.OpenConnectors(ctx, a.registry)
			if err != nil {
				return err
			}
			defer conns.Close(context.WithoutCancel(ctx))

			c, ok := conns.Connector(connector)
			if !ok {
				return fmt.Errorf("flow %s declares no connector %q (have %v)", doc.Name, connector, conns.ConnectorNames())
			}
			var tables []tableReport
			for ref, err := range c.ListTables(ctx, core.Filter{Pattern: pattern}) {
				if err != nil {
					return err
				}
				t := tableReport{Name: ref.Name()}
				if schema, err := ref.Schema(ctx); err == nil {
					for _, col := range schema.Columns {
						t.Columns = append(t.Columns, columnReport{Name: col.Name, Type: col.Type.String(), Nullable: col.Nullable})
					}
				}
				tables = append(tables, t)
			}
			return renderTables(cmd.OutOrStdout(), output, tables)
		},
	}
	cmd.Flags().StringVarP(&flowFile, "file", "f", "", "Path to the flow document (required)")
	cmd.Flags().StringVarP(&connector, "connector", "c", "", "Connector name (required)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Glob restricting table names")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("connector")
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	var flowFile, output string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a flow without running it",
		Long: `Validate compiles the flow document, expands its templates and checks the
graph: cycles, dangling intermediates, and the types every step writes. It exits
with status 2 when the flow is invalid.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			doc, err := flowfile.Load(flowFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			compiled, err := doc.Compile(ctx, a.registry)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			defer compiled.Close(context.WithoutCancel(ctx))

			e := engine.New(engine.WithLogger(a.log))
			report := e.Validate(ctx, compiled.Graph)
			if err := renderValidation(cmd.OutOrStdout(), output, report); err != nil {
				return err
			}
			if !report.OK() {
				_ = a.teardown(cmd)
				return &exitError{code: 2}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&flowFile, "file", "f", "", "Path to the flow document (required)")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var (
		flowFile, output, metricsAddr string
		maxConcurrency                int
		timeout                       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a flow",
		Long: `Run validates and executes the flow document. Ctrl-C cancels the run: running
nodes stop at the next row and every node that has not finished is reported
as skipped. The exit status is 2 when the flow is invalid, 1 when the run was
aborted or a node failed, and 0 otherwise; nodes skipped by a skip-node policy
do not change it.

Example:
  tabulify run -f flow.yaml --max-concurrency 4 --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			doc, err := flowfile.Load(flowFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			compiled, err := doc.Compile(ctx, a.registry)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			defer func() {
				if err := compiled.Close(context.WithoutCancel(ctx)); err != nil {
					a.log.Warn("failed to close connectors", zap.Error(err))
				}
			}()

			opts := append(engine.FromConfig(a.cfg), doc.EngineOptions()...)
			if cmd.Flags().Changed("max-concurrency") {
				opts = append(opts, engine.WithMaxConcurrency(maxConcurrency))
			}
			if cmd.Flags().Changed("timeout") {
				opts = append(opts, engine.WithRunTimeout(timeout))
			}
			opts = append(opts, engine.WithLogger(a.log))

			if !cmd.Flags().Changed("metrics-addr") && a.cfg.Observability.EnableMetrics {
				metricsAddr = a.cfg.Observability.MetricsAddr
			}
			if metricsAddr != "" {
				srv := serveMetrics(a.log, metricsAddr)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			res := engine.New(opts...).Run(ctx, compiled.Graph)
			if err := renderRun(cmd.OutOrStdout(), output, res); err != nil {
				return err
			}
			if code := res.ExitCode(); code != 0 {
				_ = a.teardown(cmd)
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&flowFile, "file", "f", "", "Path to the flow document (required)")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "Maximum nodes running at once, overrides the flow and the configuration")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Run timeout; the run is cancelled when it expires")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address during the run")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// serveMetrics exposes the prometheus registry on addr until shut down.
func serveMetrics(log *zap.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
