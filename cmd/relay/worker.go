package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run turn workflows on Temporal",
		Long: `Worker registers the turn workflow and its activities on the configured
Temporal task queue and polls it until interrupted. It serves liveness and
dependency checks on health_addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Engine != engineTemporal {
				return errors.New("worker requires the temporal engine (set engine: temporal)")
			}
			return runWorker(cmd.Context(), a.cfg)
		},
	}
}

func runWorker(ctx context.Context, cfg *Config) error {
	s, err := build(ctx, cfg, roleWorker)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "release resources")
		}
	}()

	s.temporal.Worker().Start()
	defer s.temporal.Worker().Stop()
	log.Printf(ctx, "worker polling task queue %q on %s", cfg.Temporal.TaskQueue, cfg.Temporal.HostPort)

	srv := healthServer(ctx, cfg.HealthAddr, s.pingers)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf(ctx, "health endpoint listening on %q", cfg.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf(ctx, "shutting down worker")
		shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	return g.Wait()
}

// healthServer serves the clue health checker of pingers on /livez and
// /healthz.
func healthServer(ctx context.Context, addr string, pingers []health.Pinger) *http.Server {
	check := health.Handler(health.NewChecker(pingers...))
	mux := http.NewServeMux()
	mux.Handle("/livez", check)
	mux.Handle("/healthz", check)
	handler := otelhttp.NewHandler(log.HTTP(ctx)(mux), "relay.health")
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
