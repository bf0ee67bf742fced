package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tutortoise/detection-api/config"
	"github.com/Tutortoise/detection-api/detections"
	"github.com/Tutortoise/detection-api/logging"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal(err)
	}
}

// run loads the model and serves until a shutdown signal arrives. Any model
// failure is returned before the listener is bound.
func run(cfg *config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"model":     cfg.ModelPath,
		"library":   cfg.LibraryPath,
		"pool_size": cfg.PoolSize,
	}).Info("Loading model")

	if err := initRuntime(cfg.LibraryPath); err != nil {
		return err
	}
	defer destroyRuntime()

	meta, err := detections.LoadMetadata(cfg.ModelPath, cfg.MetadataPath)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	pipeline, err := detections.NewPipeline(meta, float32(cfg.ConfThreshold), float32(cfg.IouThreshold))
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	threads := sessionThreads(cfg.PoolSize)
	pool, err := NewModelSessionPool(func() (Session, error) {
		session, err := initSession(cfg.ModelPath, meta, threads)
		if err != nil {
			return nil, err
		}
		return session, nil
	}, cfg.PoolSize, cfg.AcquireTimeout)
	if err != nil {
		return fmt.Errorf("failed to create model session pool: %w", err)
	}
	defer pool.Destroy()

	logger.WithFields(logrus.Fields{
		"input":        meta.InputName,
		"input_shape":  meta.InputShape,
		"output_shape": meta.OutputShape,
		"classes":      len(meta.Classes),
		"cpu_features": detections.CPUFeatures(),
	}).Info("Model loaded")

	state := &AppState{
		Config:   cfg,
		Detector: newPooledDetector(pool, pipeline, logger),
		Pool:     pool,
		Log:      logger,
		Clock:    time.Now,
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.Addr(),
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", srv.Addr)
		serverErr <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Infof("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
