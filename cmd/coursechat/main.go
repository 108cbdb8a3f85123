package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"coursechat/internal/app"
	"coursechat/internal/config"
	"coursechat/internal/logging"
)

func main() {
	if err := run(context.Background()); err != nil {
		log.Fatal(err)
	}
}

// loadDotEnv reads .env into the process environment. A missing file is not
// an error; variables already set are never overwritten.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func run(ctx context.Context) error {
	if err := loadDotEnv(".env"); err != nil {
		return err
	}

	// Configuration precedence: file > env > defaults
	cfg, err := config.LoadConfigWithPrecedence(os.Getenv("COURSECHAT_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	var serveErr error
	select {
	case err, ok := <-application.Err():
		if ok {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration())
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", zap.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	if serveErr != nil {
		return fmt.Errorf("application error: %w", serveErr)
	}
	return nil
}
