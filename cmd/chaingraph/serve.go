package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wouteroostervld/chaingraph/pkg/api"
	"github.com/wouteroostervld/chaingraph/pkg/telemetry"
)

// startTelemetry installs the configured providers; the returned stop
// function flushes them
func (a *app) startTelemetry(ctx context.Context) (*telemetry.Provider, func(), error) {
	t := a.profile.Telemetry
	prov, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "chaingraph",
		ServiceVersion: version,
		Metrics:        t.Metrics,
		Traces:         t.Traces,
		TraceWriter:    os.Stderr,
	})
	if err != nil {
		return nil, nil, err
	}
	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := prov.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	return prov, stop, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				ctx, cancel := signalContext(cmd.Context())
				defer cancel()

				prov, stop, err := a.startTelemetry(ctx)
				if err != nil {
					return err
				}
				defer stop()

				database, err := a.openDatabase()
				if err != nil {
					return err
				}
				pipe, err := a.pipeline()
				if err != nil {
					return err
				}

				if addr == "" {
					addr = a.profile.Server.Addr
				}
				return api.New(a.engine(database, pipe), prov.Handler()).Run(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
