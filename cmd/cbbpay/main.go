// Package main запускает HTTP-сервер сервиса интеграции с платёжным шлюзом CBB.
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

	"github.com/mmeshcher/cbbpay-system/internal/cbb"
	"github.com/mmeshcher/cbbpay-system/internal/config"
	"github.com/mmeshcher/cbbpay-system/internal/handler"
	"github.com/mmeshcher/cbbpay-system/internal/repository"
	"github.com/mmeshcher/cbbpay-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		sugar.Warnw("incomplete gateway configuration", "errors", errs)
	}

	var store repository.OrderStore
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresStore(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		store = pg
	} else {
		sugar.Info("DATABASE_URI is empty, using in-memory order store")
		store = repository.NewMemoryStore()
	}

	creds := cfg.Credentials()
	gatewayClient := cbb.NewClient(creds.GatewayURL, creds.ClientID, creds.ClientSecret, creds.CustomerCode, logger)

	svc := service.NewService(store, gatewayClient, creds, logger)
	defer svc.Close()

	h := handler.NewHandler(svc, logger, creds.PublicKey, cfg.CallbackBaseURL)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting cbbpay server",
			"addr", cfg.RunAddress,
			"gateway", creds.GatewayURL)
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
