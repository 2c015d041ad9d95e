package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/stevemurr/docgate/config"
	"github.com/stevemurr/docgate/engine"
	"github.com/stevemurr/docgate/handler"
	"github.com/stevemurr/docgate/schema"
	"github.com/stevemurr/docgate/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, config.ErrHelp) {
		fmt.Print(config.Usage())
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		fmt.Fprint(os.Stderr, config.Usage())
		os.Exit(2)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: failed to build logger:", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(cfg config.Config, logger *zap.Logger) error {
	s, err := store.New(store.Options{
		Backend:     cfg.StoreBackend,
		DataDir:     cfg.DataDir,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create store (backend=%s): %w", cfg.StoreBackend, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("Failed to close store", zap.Error(err))
		}
	}()

	sc := schema.Default()
	if cfg.SchemaFile != "" {
		if sc, err = schema.LoadFile(cfg.SchemaFile); err != nil {
			return err
		}
	}

	sink, err := engine.NewEventSink()
	if err != nil {
		return err
	}
	defer sink.Close()
	sink.Subscribe(engine.NewLogSink(logger))

	e := engine.New(s, schema.NewStaticProvider(sc), sink, logger)
	h := handler.New(e, handler.Options{
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:     cfg.Addr(),
		Handler:  h,
		ErrorLog: zap.NewStdLog(logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreBackend),
			zap.String("data", cfg.DataDir),
			zap.String("schema", sc.Name),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
