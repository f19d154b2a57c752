package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/generation/drivers/comfyui"
	"github.com/imagegen/orchestrator/pkg/generation/drivers/remote"
	"github.com/imagegen/orchestrator/pkg/logging"
	"github.com/imagegen/orchestrator/pkg/scheduling"
)

type serveFlags struct {
	listen            string
	backendsFile      string
	origins           []string
	maxInitAttempts   int
	requestTimeout    time.Duration
	stagnationTimeout time.Duration
	failOnlyExpired   bool
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator service",
		Long: `Run the orchestrator service: restore persisted backends, start the init
worker and scheduler, and expose the admin and generation API.

Examples:
  orchestrator serve
  orchestrator serve --backends-file /var/lib/orchestrator/backends.json
  orchestrator serve --listen :7801 --origins http://localhost:3000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.listen, "listen", "l", ":7801", "Address to serve the API on")
	cmd.Flags().StringVar(&flags.backendsFile, "backends-file", "backends.json", "Path of the persisted backend configuration")
	cmd.Flags().StringSliceVar(&flags.origins, "origins", nil, "Allowed CORS origins (use '*' for all)")
	cmd.Flags().IntVar(&flags.maxInitAttempts, "max-init-attempts", 0, "Backend init attempts before giving up (0 = default)")
	cmd.Flags().DurationVar(&flags.requestTimeout, "request-timeout", 0, "Per-request wait bound (0 = default)")
	cmd.Flags().DurationVar(&flags.stagnationTimeout, "stagnation-timeout", 0, "Scheduler stagnation failsafe (0 = default)")
	cmd.Flags().BoolVar(&flags.failOnlyExpired, "fail-only-expired", false, "On stagnation, fail only requests past their own deadline")

	return cmd
}

func runServe(ctx context.Context, flags *serveFlags) error {
	logger := logging.NewLogrusAdapterFromEntry(log)

	generation.Register(comfyui.Type())
	generation.Register(remote.Type())

	cfg := &scheduling.Config{
		MaxInitAttempts:             flags.maxInitAttempts,
		PerRequestTimeout:           flags.requestTimeout,
		StagnationTimeout:           flags.stagnationTimeout,
		FailOnlyExpiredOnStagnation: flags.failOnlyExpired,
		BackendsFile:                flags.backendsFile,
	}
	registry := scheduling.NewRegistry(logger, cfg, generation.Types())
	if err := registry.Load(); err != nil {
		return fmt.Errorf("unable to restore backend configuration: %w", err)
	}

	sessions := scheduling.NewSessionManager()
	apiHandler := scheduling.NewHTTPHandler(registry, sessions, flags.origins)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    flags.listen,
		Handler: mux,
	}

	logger.Infof("Serving on %s", flags.listen)

	workers, workerCtx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		return registry.Run(workerCtx)
	})
	workers.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	workers.Go(func() error {
		<-workerCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
