package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
	httpserver "github.com/fyrsmithlabs/tierd/internal/http"
	"github.com/fyrsmithlabs/tierd/internal/pipeline"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the tierd HTTP server with the permission store, retrieval backend,
semantic caches and LLM endpoints from the configuration.

Examples:
  # Start with the default config file
  tierd serve

  # Override the port
  TIERD_SERVER_HTTP_PORT=8088 tierd serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe starts the server and blocks until ctx is cancelled.
//
//  1. Loads configuration, logging and telemetry
//  2. Opens the permission store and clearance service
//  3. Connects the embedding provider and retrieval backend
//  4. Builds the semantic caches and LLM router
//  5. Serves HTTP until shutdown
func runServe(ctx context.Context, opts *rootOptions) error {
	deps, err := initDependencies(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), deps.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		deps.Close(closeCtx)
	}()

	cfg := deps.cfg
	deps.logger.Info(ctx, "starting tierd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("retrieval_backend", cfg.Retrieval.Backend),
		zap.String("llm_policy", cfg.LLM.Policy))

	svc, err := buildService(ctx, deps)
	if err != nil {
		return err
	}

	store, err := deps.permissionStore(ctx)
	if err != nil {
		return err
	}
	srv, err := httpserver.NewServer(svc.pipeline, svc.clearance, deps.zap(), &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	}, httpserver.WithOverrideStore(store))
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	if sweep := cfg.Clearance.ExpirySweep.Duration(); sweep > 0 {
		go sweepExpired(ctx, svc.clearance, sweep, deps)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	deps.logger.Info(ctx, "server listening", zap.String("addr", cfg.Server.Addr()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("server shutdown: %w", err)
	}
	deps.logger.Info(context.Background(), "server shutdown complete")
	return nil
}

// services holds the request-path components.
type services struct {
	clearance *clearance.Service
	pipeline  *pipeline.Service
}

func buildService(ctx context.Context, deps *dependencies) (*services, error) {
	cl, err := deps.clearanceService(ctx)
	if err != nil {
		return nil, err
	}
	embedder, err := deps.embeddingProvider(ctx)
	if err != nil {
		return nil, err
	}
	retriever, err := deps.retriever(ctx)
	if err != nil {
		return nil, err
	}
	contexts, responses, err := deps.semanticCaches(embedder)
	if err != nil {
		return nil, err
	}
	router, err := deps.router()
	if err != nil {
		return nil, err
	}

	popts := []pipeline.Option{pipeline.WithLogger(deps.zap())}
	if contexts != nil {
		popts = append(popts, pipeline.WithContextCache(contexts))
	}
	if responses != nil {
		popts = append(popts, pipeline.WithResponseCache(responses))
	}
	p, err := pipeline.New(pipeline.Config{TopK: deps.cfg.Retrieval.TopK}, cl, embedder, retriever, router, popts...)
	if err != nil {
		return nil, err
	}
	return &services{clearance: cl, pipeline: p}, nil
}

// sweepExpired expires lapsed overrides every interval until ctx is done.
func sweepExpired(ctx context.Context, cl *clearance.Service, interval time.Duration, deps *dependencies) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := cl.ExpireOverrides(ctx, now)
			if err != nil {
				deps.logger.Error(ctx, "override expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				deps.logger.Info(ctx, "expired overrides", zap.Int("count", n))
			}
		}
	}
}
