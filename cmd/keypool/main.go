package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	geminiadapter "github.com/frogbytes-xyz/keypool/internal/adapter/driven/gemini"
	githubadapter "github.com/frogbytes-xyz/keypool/internal/adapter/driven/github"
	sqliteadapter "github.com/frogbytes-xyz/keypool/internal/adapter/driven/sqlite"
	httphandler "github.com/frogbytes-xyz/keypool/internal/adapter/driving/http"
	"github.com/frogbytes-xyz/keypool/internal/application"
	"github.com/frogbytes-xyz/keypool/internal/config"
	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (.env first, then environment).
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"probe_model", cfg.ProbeModel,
		"encryption", len(cfg.SecretKey) == 32,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire driven adapters.
	candidateStore := sqliteadapter.NewCandidateRepo(db)
	tokenStore := sqliteadapter.NewTokenRepo(db, cfg.SecretKey)
	runStore := sqliteadapter.NewRunRepo(db)

	searchClient, err := githubadapter.NewSearchClient()
	if err != nil {
		return err
	}
	prober := geminiadapter.NewProber(cfg.ProbeModel, cfg.ProbeTimeout)
	generator, err := geminiadapter.NewGenerator(cfg.ProbeModel)
	if err != nil {
		return err
	}

	// 6. Fail runs left over from a previous process.
	if failed, err := runStore.FailStaleRuns(ctx); err != nil {
		return err
	} else if failed > 0 {
		slog.Warn("failed stale runs from previous process", "count", failed)
	}

	// 7. Register bootstrap tokens if the pool is empty.
	if err := bootstrapTokens(ctx, tokenStore, cfg.BootstrapTokens); err != nil {
		return err
	}

	// 8. Wire application services.
	tokenPool := application.NewTokenPool(tokenStore)
	scanner := application.NewScanService(searchClient, candidateStore, tokenPool, nil)
	validator := application.NewValidateService(candidateStore, prober)
	revalidator := application.NewRevalidateService(candidateStore, validator, runStore)
	supervisor := application.NewSupervisor(ctx, scanner, revalidator, runStore)
	dispatch := application.NewDispatchPool(candidateStore, geminiadapter.IsQuotaError)

	// 9. Start the revalidation loop with configured defaults.
	if _, err := supervisor.StartRevalidator(application.RevalidateParams{
		BatchSize:  cfg.RevalidateBatchSize,
		Interval:   cfg.RevalidateInterval,
		ProbeDelay: cfg.RevalidateProbeDelay,
	}); err != nil {
		return err
	}

	// 10. Create HTTP handler and server.
	apiHandler := httphandler.NewHandler(candidateStore, tokenStore, supervisor, dispatch, generator, slog.Default())
	handler := httphandler.NewServeMux(apiHandler, cfg.AdminToken, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      120 * time.Second, // streaming generations hold the response open
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("keypool started", "listen_addr", cfg.ListenAddr)

	// 11. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 12. Stop background loops, then drain HTTP with a 10s timeout.
	supervisor.StopRevalidator()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// bootstrapTokens registers configured code-host tokens when the store has
// none. A non-empty store wins over the environment so deactivations survive
// restarts.
func bootstrapTokens(ctx context.Context, store *sqliteadapter.TokenRepo, values []string) error {
	if len(values) == 0 {
		return nil
	}

	existing, err := store.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for i, value := range values {
		token := model.SearchToken{
			Value:  value,
			Name:   fmt.Sprintf("bootstrap-%d", i+1),
			Active: true,
		}
		if _, err := store.Add(ctx, token); err != nil {
			return err
		}
	}
	slog.Info("bootstrap tokens registered", "count", len(values))

	return nil
}
