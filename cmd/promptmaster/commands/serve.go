package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vnmchuo/promptmaster/internal/api"
	"github.com/vnmchuo/promptmaster/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}

			shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
			if err != nil {
				return err
			}
			defer shutdownTracer()

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := []api.Option{
				api.WithProduction(cfg.IsProduction()),
				api.WithServiceToken(cfg.ServiceToken),
			}
			if a.store != nil {
				opts = append(opts, api.WithCredentialStore(a.store))
			}
			if a.rdb != nil {
				rdb := a.rdb
				opts = append(opts, api.WithHealthCheck("redis", func(ctx context.Context) error {
					return rdb.Ping(ctx).Err()
				}))
			}
			handler := api.NewHandler(a.orch, opts...)

			r := chi.NewRouter()
			r.Use(chimiddleware.Logger)
			r.Mount("/", handler.Routes())

			srv := &http.Server{
				Addr:         ":" + cfg.Port,
				Handler:      r,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 90 * time.Second,
				IdleTimeout:  120 * time.Second,
			}
			return run(srv)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides PORT)")
	return cmd
}

// run serves until SIGINT or SIGTERM, then drains for up to 10 seconds.
func run(srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("promptmaster starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	log.Info("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
