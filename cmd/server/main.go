package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/flower-api/internal/config"
	"github.com/Brownie44l1/flower-api/internal/handlers"
	"github.com/Brownie44l1/flower-api/internal/labels"
	"github.com/Brownie44l1/flower-api/internal/logger"
	"github.com/Brownie44l1/flower-api/internal/metrics"
	"github.com/Brownie44l1/flower-api/internal/model"
	"github.com/Brownie44l1/flower-api/internal/predict"
	"github.com/Brownie44l1/flower-api/internal/preprocess"
)

func main() {
	cfg, err := config.Load(config.ParseConfigFlag())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.New(cfg.Server.Debug)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	classifier := loadClassifier(cfg.Model, logger)
	defer func() {
		if classifier != nil {
			if err := classifier.Close(); err != nil {
				logger.Warn("failed to close classifier", zap.Error(err))
			}
		}
		if err := model.ShutdownRuntime(); err != nil {
			logger.Warn("failed to destroy ONNX environment", zap.Error(err))
		}
	}()

	catalog := labels.Load(ctx, labels.Options{
		Path:    cfg.Labels.Path,
		URL:     cfg.Labels.URL,
		Timeout: cfg.Labels.Timeout,
	}, logger)

	// A nil *Classifier must not become a non-nil Scorer.
	var scorer predict.Scorer
	if classifier != nil {
		scorer = classifier
	}
	service := predict.NewService(scorer, preprocess.Transformer{}, catalog, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	handler := handlers.NewHandler(service, metrics.New(reg), reg, logger, cfg.Server.MaxUploadBytes)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Routes(),
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.Bool("model_loaded", service.ModelLoaded()),
			zap.Stringer("labels", catalog.State()),
			zap.Int("classes", catalog.Len()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// loadClassifier returns nil when the runtime or the weights are unusable so
// the server starts in degraded mode.
func loadClassifier(cfg config.ModelConfig, logger *zap.Logger) *model.Classifier {
	if err := model.InitRuntime(cfg.LibPath); err != nil {
		logger.Error("model disabled", zap.Error(err))
		return nil
	}

	logger.Info("loading model", zap.String("path", cfg.Path))
	classifier, err := model.Load(model.Options{Path: cfg.Path, IntraOpThreads: cfg.IntraOpThreads})
	if err != nil {
		logger.Error("model disabled", zap.String("path", cfg.Path), zap.Error(err))
		return nil
	}

	logger.Info("model loaded",
		zap.String("input", classifier.Metadata.InputName),
		zap.Int64s("input_shape", classifier.Metadata.InputShape),
		zap.Int("classes", classifier.Metadata.NumClasses))
	return classifier
}
