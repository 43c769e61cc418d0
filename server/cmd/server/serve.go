package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/config"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/database"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/generation"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/handler"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/middleware"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/ollama"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/sandbox"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/store"
)

const checkpointSweepInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.AuthEnabled {
		log.Info("identity taken from trusted header", zap.String("header", cfg.AuthHeader))
	} else {
		log.Info("authentication disabled, using anonymous user")
	}

	checkpoints, err := openCheckpoints(ctx, cfg)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	upstream, err := ollama.New(cfg.OllamaURL, cfg.UpstreamTimeout)
	if err != nil {
		return fmt.Errorf("failed to create ollama client: %w", err)
	}

	gen := generation.NewService(upstream, checkpoints, generation.NewStoreHistory(store.New(db.DB)), generation.Options{
		DefaultModel:    cfg.DefaultModel,
		HistoryLimit:    cfg.HistoryLimit,
		UpstreamTimeout: cfg.UpstreamTimeout,
	}, log.Named("generation"))

	if pending, err := gen.PendingCheckpoints(ctx); err != nil {
		log.Warn("failed to list pending checkpoints", zap.Error(err))
	} else if len(pending) > 0 {
		log.Info("interrupted generations awaiting recovery", zap.Int("count", len(pending)))
	}

	janitor := generation.NewJanitor(gen, checkpointSweepInterval, cfg.CheckpointTTL, log.Named("janitor"))
	janitor.Start(ctx)
	defer janitor.Stop()

	sb, closeSandbox, err := newSandbox(ctx, cfg, log.Named("sandbox"))
	if err != nil {
		return err
	}
	defer closeSandbox()

	if cfg.SandboxPolicyFile != "" {
		w, err := sandbox.WatchPolicy(ctx, sb, cfg.SandboxPolicyFile, log.Named("sandbox"))
		if err != nil {
			log.Warn("sandbox policy will not be reloaded", zap.Error(err))
		} else {
			defer w.Close()
		}
	}

	h := handler.New(cfg, gen, sb, upstream, log.Named("http"))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog(log.Named("access")))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", cfg.AuthHeader, middleware.SecretHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity(cfg))
		h.Routes(r)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.Int("port", cfg.Port), zap.String("ollama_url", cfg.OllamaURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	if n := gen.Registry().Active(); n > 0 {
		log.Info("waiting for running generations", zap.Int("count", n))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func openCheckpoints(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	cp, err := checkpoint.Open(ctx, checkpoint.Options{
		Backend:  cfg.CheckpointBackend,
		Dir:      cfg.StreamCacheDir(),
		RedisURL: cfg.RedisURL,
		TTL:      cfg.CheckpointTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return cp, nil
}

// newSandbox builds the configured runner and loads the policy file.
func newSandbox(ctx context.Context, cfg *config.Config, log *zap.Logger) (*sandbox.Sandbox, func(), error) {
	policy := sandbox.Default()
	if cfg.SandboxPolicyFile != "" {
		p, err := sandbox.Load(cfg.SandboxPolicyFile)
		if err != nil {
			return nil, nil, err
		}
		policy = p
	}

	var (
		runner  sandbox.Runner
		cleanup = func() {}
	)
	switch cfg.SandboxRunner {
	case "docker":
		dr, err := sandbox.NewDockerRunner(ctx, cfg.DockerHost, cfg.SandboxDockerImage, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize docker sandbox: %w", err)
		}
		runner = dr
		cleanup = func() { _ = dr.Close() }
	default:
		pr, err := sandbox.NewProcessRunner(cfg.SandboxPython, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize process sandbox: %w", err)
		}
		runner = pr
	}

	log.Info("sandbox ready",
		zap.String("runner", runner.Name()),
		zap.Int("allowed_imports", len(policy.AllowedImports)),
	)
	return sandbox.New(runner, policy, log), cleanup, nil
}
