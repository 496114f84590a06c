package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"completion-relay/internal/adapter/openai"
	"completion-relay/internal/adapter/rest"
	"completion-relay/internal/adapter/telegram"
	"completion-relay/internal/config"
	"completion-relay/internal/usecase/article"
	"completion-relay/internal/usecase/relay"
	"completion-relay/internal/usecase/tts"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	openAIClient := openai.NewClient(cfg.OpenAIBaseURL, cfg.UpstreamTimeout)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, openAIClient, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.TelegramToken != "" {
		chat := relay.NewService(cfg.Profile(config.RouteChat), openAIClient, openAIClient, cfg, logger)
		bot, err := telegram.NewBot(cfg.TelegramToken, cfg.TelegramAllowedUserIDs, chat, logger)
		if err != nil {
			log.Fatalf("failed to init telegram bot: %v", err)
		}
		go func() {
			if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram bot stopped", slog.Any("err", err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped with error: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", slog.Any("err", err))
		}
	}
}

func newRouter(cfg config.Config, openAIClient *openai.Client, logger *slog.Logger) *gin.Engine {
	chats := make(map[config.Route]rest.Answerer, len(config.Routes))
	var blog *relay.Service
	for _, r := range config.Routes {
		svc := relay.NewService(cfg.Profile(r), openAIClient, openAIClient, cfg, logger)
		if r == config.RouteBlog {
			blog = svc
			continue
		}
		chats[r] = svc
	}
	articleSvc := article.NewService(blog)
	ttsSvc := tts.NewService(openAIClient, cfg, logger)

	var limiter *rest.RateLimiter
	if cfg.RateLimitPerMin > 0 {
		limiter = rest.NewRateLimiter(cfg.RateLimitPerMin)
	}

	h := rest.NewHandler(cfg, chats, articleSvc, ttsSvc, openAIClient, logger)
	return rest.NewRouter(h, limiter, logger)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
