package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/middleware"
	"agentfabric/internal/infra/tracer"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.resolvedConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if workers > 0 {
				cfg.Workers.Count = workers
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "override workers.count")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	var ops *http.Server
	if cfg.Metrics.Enabled {
		ops = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           a.opsHandler(ctx),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("ops endpoint listening", "addr", cfg.Metrics.Addr)
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops endpoint failed", "error", err)
			}
		}()
	}

	a.start(ctx)
	log.Info("agentfabric started",
		"workers", cfg.Workers.Count,
		"bus", cfg.Bus.Backend,
		"hosted", cfg.Hosted.Enabled,
		"memory", cfg.Memory.Enabled,
	)
	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ops != nil {
		_ = ops.Shutdown(sctx)
	}
	if err := a.shutdown(sctx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
	return nil
}

// opsHandler serves /metrics, /healthz and /readyz.
func (a *app) opsHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, a.logger, map[string]any{
			"sessions":        a.registry.Len(),
			"active_sessions": a.locker.ActiveCount(),
			"agents":          a.factory.Len(),
		})
	})
	return middleware.Chain(mux,
		middleware.Recover(a.logger),
		middleware.SecurityHeaders,
		middleware.Logging(a.logger),
		middleware.RateLimit(ctx, 600, 60),
	)
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode ops response", "error", err)
	}
}
