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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chat-archiver/internal/adapters/exporter"
	"chat-archiver/internal/adapters/tgsource"
	"chat-archiver/internal/core/services"
	applog "chat-archiver/internal/log"
	"chat-archiver/internal/pkg/balancer"
	"chat-archiver/internal/pkg/config"
	"chat-archiver/internal/ports"
	"chat-archiver/internal/server"
	"chat-archiver/internal/storage/sqlite"
	"chat-archiver/internal/telegram/router"
	"chat-archiver/internal/upload"
	"chat-archiver/internal/usecase"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("application run failed", "error", err)
		os.Exit(1)
	}
}

// run инкапсулирует всю логику инициализации и запуска архивации.
func run(args []string) error {
	// 1. Флаги и конфигурация
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		// Логгер еще не инициализирован, выводим в stderr
		_, _ = fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}
	flags.apply(cfg)

	// 2. Инициализация логгера
	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	// 3. Валидация конфигурации (после инициализации логгера)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if len(cfg.Channels) == 0 {
		return errors.New("no channels given, use -id")
	}
	if len(cfg.Upload.Webhooks) == 0 {
		logger.Warn("No webhooks given, attachments and avatars will not be re-hosted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Инициализация зависимостей
	clientStrategy, err := balancer.ByName[ports.TelegramClient](cfg.Source.ClientStrategy)
	if err != nil {
		return fmt.Errorf("source.client_strategy: %w", err)
	}
	targetStrategy, err := balancer.ByName[string](cfg.Upload.TargetStrategy)
	if err != nil {
		return fmt.Errorf("upload.target_strategy: %w", err)
	}

	tgRouter, err := router.NewRouter(ctx,
		router.WithLogger(logger.With("component", "router")),
		router.WithServerConfigs(cfg.GetTelegramServers()),
		router.WithHealthCheckInterval(cfg.Source.HealthCheckInterval),
		router.WithStrategy(clientStrategy),
	)
	if err != nil {
		return fmt.Errorf("failed to create telegram router: %w", err)
	}
	// В конце останавливаем роутер (его health-check тикер)
	defer tgRouter.Stop()

	source := tgsource.New(tgRouter,
		tgsource.WithLogger(logger.With("component", "source")),
		tgsource.WithRequestsPerSecond(cfg.Source.RequestsPerSecond),
	)

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", "error", err)
		}
	}()

	uploader := upload.New(source,
		upload.WithLogger(logger.With("component", "uploader")),
		upload.WithMaxSize(int64(cfg.Upload.MaxAttachmentSize)),
		upload.WithReferer(cfg.Upload.RefererScheme, cfg.Upload.ClientID),
		upload.WithRateLimitFallback(cfg.Upload.RateLimitFallback),
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(promReg)
	runs := server.NewRunRegistry(server.WithRunTTL(cfg.Status.RunTTL))

	// 5. Необязательный сервер состояния
	if cfg.Status.Address != "" {
		srv := server.New(cfg.Status.Address, runs, promReg, server.WithLogger(logger.With("component", "status")))
		serverDone := make(chan struct{})
		go func() {
			defer close(serverDone)
			logger.Info("Starting status server", "addr", cfg.Status.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Status server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Status.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Status server forced to shutdown", "error", err)
			}
			<-serverDone
		}()
	}

	archiver := usecase.NewArchiveChannelUseCase(source, store, uploader, cfg.Upload.Webhooks,
		usecase.Config{
			PageSize:            cfg.Source.MessagesPerFetch,
			PoolSize:            cfg.Upload.PoolSize,
			WriterQueueSize:     cfg.Queues.WriterSize,
			AttachmentQueueSize: cfg.Queues.AttachmentSize,
			ProgressInterval:    cfg.Logging.ProgressInterval,
			RateLimitWait:       cfg.Source.RateLimitWait,
		},
		usecase.WithLogger(logger),
		usecase.WithRunRegistry(runs),
		usecase.WithMetrics(metrics),
		usecase.WithServiceOptions(services.WithTargetStrategy(targetStrategy)),
	)

	// 6. Архивация
	results, runErr := archiver.ArchiveAll(ctx, cfg.Channels)

	if err := exporter.NewConsoleExporter(os.Stdout, store).Export(context.WithoutCancel(ctx), results); err != nil {
		logger.Error("Failed to print summary", "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("archive run failed: %w", runErr)
	}
	logger.Info("Archive run finished", "channels", len(results))
	return nil
}

// newLogger строит slog.Logger по настройкам логирования; секреты маскируются.
func newLogger(cfg config.Logging, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return applog.NewMaskedLogger(handler)
}
