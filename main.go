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
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/answer"
	"github.com/paymentops/runbookqa/internal/chunking"
	"github.com/paymentops/runbookqa/internal/config"
	"github.com/paymentops/runbookqa/internal/guardrail"
	"github.com/paymentops/runbookqa/internal/httpapi"
	"github.com/paymentops/runbookqa/internal/ingest"
	"github.com/paymentops/runbookqa/internal/llm"
	"github.com/paymentops/runbookqa/internal/retrieval"
	"github.com/paymentops/runbookqa/internal/tracing"
	"github.com/paymentops/runbookqa/internal/vectordb"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(settings.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(settings.Tracing, logger); err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	modelCfg := llm.Config{
		Provider:        settings.Model.Provider,
		APIKey:          settings.Model.APIKey,
		BaseURL:         settings.Model.BaseURL,
		EmbedModel:      settings.Model.EmbedModel,
		ChatModel:       settings.Model.ChatModel,
		Dimension:       settings.Model.Dimension,
		AzureEndpoint:   settings.Model.AzureEndpoint,
		AzureAPIVersion: settings.Model.AzureAPIVersion,
		AWSRegion:       settings.Model.AWSRegion,
		EmbedTimeout:    settings.Model.EmbedTimeout,
		ChatTimeout:     settings.Model.ChatTimeout,
	}
	embedder, err := llm.NewEmbedder(modelCfg, logger)
	if err != nil {
		logger.Fatal("create embedder", zap.Error(err))
	}
	chatModel, err := llm.NewChatModel(modelCfg, logger)
	if err != nil {
		logger.Fatal("create chat model", zap.Error(err))
	}

	index, err := vectordb.New(vectordb.Config{
		Backend:       settings.Vector.Backend,
		Collection:    settings.Vector.Collection,
		Dimension:     settings.Model.Dimension,
		Timeout:       settings.Vector.Timeout,
		BaseURL:       settings.Vector.BaseURL,
		APIKey:        settings.Vector.APIKey,
		PostgresDSN:   settings.Vector.PostgresDSN,
		RedisAddr:     settings.Vector.RedisAddr,
		RedisPassword: settings.Vector.RedisPassword,
		AzureEndpoint: settings.Vector.AzureEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("create vector index", zap.Error(err))
	}
	defer index.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := index.Initialize(initCtx); err != nil {
		cancelInit()
		logger.Fatal("initialize vector index", zap.Error(err))
	}
	cancelInit()

	ingestor, err := ingest.New(ingest.Config{
		Chunking: chunking.Config{
			Size:                 settings.Ingest.ChunkSize,
			Overlap:              settings.Ingest.ChunkOverlap,
			MaxChunksPerDocument: settings.Ingest.MaxChunksPerDocument,
		},
		EmbeddingBatchSize:   settings.Ingest.EmbeddingBatchSize,
		VectorStoreBatchSize: settings.Ingest.VectorStoreBatchSize,
		MaxFileSizeBytes:     settings.Ingest.MaxFileSizeBytes,
		MaxEmbedRPS:          settings.Ingest.EmbedRatePerSec,
	}, embedder, index, logger)
	if err != nil {
		logger.Fatal("create ingestor", zap.Error(err))
	}

	guard := guardrail.NewInspector(logger)
	if path := settings.Guardrail.DictionaryPath; path != "" {
		guard, err = guardrail.NewInspectorFromFile(path, logger)
		if err != nil {
			logger.Fatal("load guardrail dictionary", zap.Error(err))
		}
	}

	retriever := retrieval.New(retrieval.Config{
		TopK:     settings.Ask.TopK,
		MinScore: settings.Ask.MinScore,
	}, embedder, index, logger)

	answerer := answer.New(answer.Config{
		MaxQuestionLength: settings.Ask.MaxQuestionLength,
		TopK:              settings.Ask.TopK,
		Temperature:       settings.Ask.Temperature,
		MaxTokens:         settings.Ask.MaxTokens,
	}, guard, retriever, chatModel, logger)

	apiMux := http.NewServeMux()
	httpapi.NewHandler(ingestor, answerer, index, settings.Ingest.SamplesDir, logger).RegisterRoutes(apiMux)
	health := httpapi.NewHealthHandler(index, logger)
	health.RegisterRoutes(apiMux)

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	health.RegisterRoutes(adminMux)

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Service.Port),
		Handler:           httpapi.WithRequestLogging(apiMux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Service.AdminPort),
		Handler:           adminMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", zap.String("addr", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("api server listening",
			zap.String("addr", apiServer.Addr),
			zap.String("vector_backend", settings.Vector.Backend),
			zap.String("model_provider", settings.Model.Provider),
		)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}
