package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/apsara-ai/apsara-live/pkg/gateway/config"
	gatewayserver "github.com/apsara-ai/apsara-live/pkg/gateway/server"
	"github.com/apsara-ai/apsara-live/pkg/live/provider"
	"github.com/apsara-ai/apsara-live/pkg/store"
	"github.com/apsara-ai/apsara-live/pkg/store/memory"
	"github.com/apsara-ai/apsara-live/pkg/store/postgres"
)

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  openStore,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// openStore selects the conversation store: Postgres (with migrations) when a
// database URL is configured, in-memory otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory conversation store")
		return memory.New(), func() {}, nil
	}
	if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	st, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("using postgres conversation store")
	return st, st.Close, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, logger *slog.Logger, deps serveDeps) error {
	if deps.loadConfig == nil || deps.openStore == nil {
		return errors.New("missing store or config dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, closeStore, err := deps.openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	factories := map[string]provider.Factory{
		"gemini": &provider.GeminiFactory{APIKey: cfg.GeminiAPIKey, Logger: logger},
	}

	srv := gatewayserver.New(cfg, logger, st, factories)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting live gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"default_provider", cfg.DefaultProvider,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	// Periodically release conversations whose live sessions went quiet
	// without a clean close.
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(cfg.LiveInactiveCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				n, err := srv.Bridge().CleanupInactive(cleanupCtx, cfg.LiveIdleTimeout)
				if err != nil {
					logger.Warn("inactive cleanup failed", "error", err)
				} else if n > 0 {
					logger.Info("released inactive conversations", "count", n)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.Drain(cfg.ShutdownGracePeriod)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("live gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serveDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "apsara-live: load .env: %v\n", err)
		return 1
	}

	if err := runServe(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "apsara-live: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServeDeps()))
}
