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

	"github.com/spf13/cobra"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and the periodic sweeps",
	Long: `Starts the engine with the configured stores, exposing its JSON API over
HTTP. Expiry, timeout, squash and campaign sweeps run on their cron specs
unless the scheduler is disabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := app.Close(closeCtx); err != nil {
				app.Logger.Error("failed to close stores", "error", err)
			}
		}()

		if dir, _ := cmd.Flags().GetString("flows"); dir != "" {
			n, err := importFlows(ctx, app.Engine, dir)
			if err != nil {
				return err
			}
			app.Logger.Info("imported flows", "dir", dir, "count", n)
		}

		server := app.HTTPServer()
		streams := server.Streams()
		app.Consume(ctx, func(ctx context.Context, event domain.Event, out *domain.Outcome) {
			streams.Broadcast(event.ContactUUID, out)
			app.Deliver(ctx, out)
		})

		if app.Config.Scheduler.Enabled {
			sched := app.Scheduler(func(ctx context.Context, out *domain.Outcome) {
				if len(out.Runs) > 0 {
					streams.Broadcast(out.Runs[0].ContactUUID, out)
				}
				app.Deliver(ctx, out)
			})
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer func() { <-sched.Stop().Done() }()
		}

		srv := &http.Server{
			Addr:              app.Config.HTTP.Addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)
		go func() {
			app.Logger.Info("starting flows server", "addr", srv.Addr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(shutdown)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			app.Logger.Info("shutting down", "signal", sig.String())
			cancel()

			// Give outstanding requests a deadline for completion.
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				app.Logger.Warn("graceful shutdown did not complete", "timeout", shutdownTimeout, "error", err)
				if err := srv.Close(); err != nil {
					return fmt.Errorf("failed to kill server: %w", err)
				}
			}
			app.Logger.Info("flows server stopped")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("flows", "", "Directory of flow definitions (*.json) to import at startup")
}
