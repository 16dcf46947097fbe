// Package main запускает HTTP-сервер сервиса обмена баллов.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pointshop/internal/approval"
	"github.com/mmeshcher/pointshop/internal/catalog"
	"github.com/mmeshcher/pointshop/internal/config"
	"github.com/mmeshcher/pointshop/internal/handler"
	"github.com/mmeshcher/pointshop/internal/identity"
	"github.com/mmeshcher/pointshop/internal/metrics"
	"github.com/mmeshcher/pointshop/internal/middleware"
	"github.com/mmeshcher/pointshop/internal/repository"
	"github.com/mmeshcher/pointshop/internal/service"
	"github.com/mmeshcher/pointshop/internal/session"
)

type store interface {
	service.Repository
	approval.MessageRecorder
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		sugar.Fatalw("metrics registration error", "error", err.Error())
	}

	var repo store
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		sugar.Fatalw("catalog load error", "error", err.Error(), "path", cfg.CatalogPath)
	}
	sugar.Infow("catalog loaded", "products", cat.Len())

	secret := cfg.SessionSecret
	if secret == "" {
		secret = randomSecret()
		sugar.Warn("SESSION_SECRET is not set, sessions will not survive a restart")
	}
	sessions, err := session.NewManager(secret, cfg.SessionTTL)
	if err != nil {
		sugar.Fatalw("session manager error", "error", err.Error())
	}

	identityClient := identity.NewClient(identity.Config{
		BaseURL:      cfg.OAuthAPIBase,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURI:  cfg.OAuthRedirectURI,
		Timeout:      10 * time.Second,
	})

	notifier := approval.NewDiscordNotifier(approval.DiscordConfig{
		BaseURL:   cfg.DiscordAPIBase,
		BotToken:  cfg.DiscordBotToken,
		ChannelID: cfg.ReviewChannelID,
		Timeout:   10 * time.Second,
	})
	if cfg.DiscordBotToken == "" || cfg.ReviewChannelID == "" {
		sugar.Warn("review channel is not configured, approval requests will not be delivered")
	}
	dispatcher := approval.NewDispatcher(notifier, repo, logger)

	svc := service.NewService(repo, cat, service.Dependencies{
		Identity:  identityClient,
		Sessions:  sessions,
		Approvals: dispatcher,
		Logger:    logger,
	})
	defer svc.Close()

	h := handler.NewHandler(svc, logger, middleware.NewSessionAuth(sessions), handler.Config{
		ReviewerToken:  cfg.ReviewerToken,
		LoginLimiter:   middleware.NewRateLimiter(cfg.LoginRatePerSec, cfg.LoginRateBurst),
		RequestTimeout: cfg.RequestTimeout,
		TrustProxy:     cfg.TrustProxy,
	})

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Отправка транзакций на проверку
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting pointshop server", "addr", cfg.RunAddress)
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

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("generate session secret: %v", err))
	}
	return hex.EncodeToString(b)
}
