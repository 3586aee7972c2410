// Package main запускает HTTP-сервер сервиса складских списаний.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/stockout-system/internal/backend"
	"github.com/mmeshcher/stockout-system/internal/config"
	"github.com/mmeshcher/stockout-system/internal/events"
	"github.com/mmeshcher/stockout-system/internal/handler"
	"github.com/mmeshcher/stockout-system/internal/journal"
	"github.com/mmeshcher/stockout-system/internal/metrics"
	"github.com/mmeshcher/stockout-system/internal/middleware"
	"github.com/mmeshcher/stockout-system/internal/workflow"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	backendClient := backend.NewClient(cfg.BackendAddress)

	var batchJournal *journal.PostgresJournal
	if cfg.DatabaseURI != "" {
		batchJournal, err = journal.NewPostgresJournal(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("journal initialization error", "error", err.Error())
		}
		defer batchJournal.Close()
	}

	publisher := events.NewPublisher(cfg.KafkaAddress, cfg.KafkaTopic, logger)
	defer publisher.Close()

	m := metrics.New()

	var journalWriter workflow.Journal
	var journalReader handler.JournalReader
	if batchJournal != nil {
		journalWriter = batchJournal
		journalReader = batchJournal
	}

	svc := workflow.NewService(backendClient, backendClient, journalWriter, publisher, logger, m, workflow.Config{
		Debounce:        time.Duration(cfg.DebounceMS) * time.Millisecond,
		CompletionDelay: time.Duration(cfg.CompletionDelayMS) * time.Millisecond,
		SessionTTL:      time.Duration(cfg.SessionTTLMin) * time.Minute,
	})

	identity := middleware.NewIdentity("stockout-secret")
	h := handler.NewHandler(svc, journalReader, logger, identity)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой уборки неактивных сессий
	g.Go(func() error {
		svc.StartSessionSweep(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting stockout server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
