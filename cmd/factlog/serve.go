package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/factlog/internal/http"
	"github.com/fyrsmithlabs/factlog/internal/integrator"
	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	mcpserver "github.com/fyrsmithlabs/factlog/internal/mcp"
	"github.com/fyrsmithlabs/factlog/internal/related"
)

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(watchCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from server.http_host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from server.http_port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the fact store over HTTP",
	Long: `Serve the fact store over HTTP.

Endpoints:
  GET  /health                   store and telemetry health
  GET  /metrics                  Prometheus metrics
  GET  /api/v1/facts?q=          list facts
  GET  /api/v1/facts/:subject    read a fact
  PUT  /api/v1/facts/:subject    submit a fact
  GET  /api/v1/related?q=&limit= related facts for a description
  POST /api/v1/integrate         integrate a task result`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			cfg := a.cfg.Server
			if serveHost != "" {
				cfg.Host = serveHost
			}
			if servePort != 0 {
				cfg.Port = servePort
			}

			zl := a.logger.Underlying()
			srv, err := httpserver.NewServer(httpserver.Deps{
				Store:      a.store,
				Finder:     related.New(a.store),
				Integrator: newIntegrator(a),
				Scrubber:   a.scrubber,
				Telemetry:  a.telemetry,
				Metrics:    httpserver.NewHTTPMetrics(a.telemetry.Meter(instrumentationName), zl),
			}, zl, &httpserver.Config{
				Host:      cfg.Host,
				Port:      cfg.Port,
				RateLimit: cfg.RateLimit,
			})
			if err != nil {
				return fmt.Errorf("failed to create http server: %w", err)
			}

			a.logger.Info(ctx, "server configured",
				zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Host, cfg.Port)),
				zap.String("knowledge_file", a.store.Path()))

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the fact store to an MCP client over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			zl := a.logger.Underlying()
			srv, err := mcpserver.NewServer(&mcpserver.Config{
				Name:    "factlog",
				Version: version,
				Logger:  zl,
			}, mcpserver.Deps{
				Store:      a.store,
				Finder:     related.New(a.store),
				Integrator: newIntegrator(a),
				Tracker:    a.tracker(""),
				Scrubber:   a.scrubber,
				Metrics:    mcpserver.NewMetrics(a.telemetry.Meter(instrumentationName), zl),
			})
			if err != nil {
				return fmt.Errorf("failed to create mcp server: %w", err)
			}
			return srv.Run(cmd.Context())
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the fact count whenever the snapshot file changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", dimStyle.Render("watching"), a.store.Path())
			return a.store.Watch(cmd.Context(), func(snap *knowledge.Snapshot) {
				facts := snap.Facts()
				if jsonOutput {
					_ = printJSON(out, facts)
					return
				}
				fmt.Fprintf(out, "%s %d facts\n", headerStyle.Render("changed"), len(facts))
			})
		})
	},
}

func newIntegrator(a *app) *integrator.Integrator {
	return integrator.New(a.store,
		integrator.WithRecorder(a.thoughts),
		integrator.WithLogger(a.logger.Underlying()))
}

