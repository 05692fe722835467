package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/ward"
)

type globalFlags struct {
	ConfigPath string
}

func createServeCommand(flags *globalFlags) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start all configured units and supervise them until shutdown",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(flags.ConfigPath, quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not echo unit output to stdout")
	return cmd
}

func runServe(configPath string, quiet bool) error {
	fc, err := ward.LoadConfig(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if err = ward.SetupLogging(fc.Log.Level, fc.Log.File); err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if err = ward.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	agg := ward.NewAggregator(fc.Log.Replay)
	opts := []ward.Option{ward.WithAggregator(agg)}

	var st ward.Store
	if fc.Store.DSN != "" {
		st, err = ward.NewStore(fc.Store.Type, fc.Store.DSN)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		defer func() { _ = st.Close() }()
		if err = st.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("prepare event journal: %w", err)
		}
		opts = append(opts, ward.WithStore(st))
	}

	sup, err := ward.New(ward.Config{
		Units:           fc.Units,
		Checks:          fc.Checks,
		ShutdownTimeout: fc.ShutdownTimeout,
	}, opts...)
	if err != nil {
		if ward.IsConfigError(err) {
			return &exitError{code: exitConfig, err: err}
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ward.StartFileSinks(ctx, agg, fc.Units)
	if !quiet {
		go ward.RunSink(ctx, agg, os.Stdout, 0)
	}

	sup.Start(ctx)

	var srv *http.Server
	if fc.Server.Listen != "" {
		srv = ward.NewHTTPServer(fc.Server.Listen, fc.Server.BasePath, sup)
		slog.Info("http server listening", "addr", fc.Server.Listen)
	}

	res := sup.Wait()
	if srv != nil {
		_ = srv.Close()
	}
	if res.Degraded {
		return &exitError{
			code: exitDegraded,
			err:  fmt.Errorf("degraded shutdown: force-killed %v", res.Forced),
		}
	}
	return nil
}
