package rest

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"completion-relay/internal/config"
)

// NewRouter wires middleware and routes. limiter may be nil.
func NewRouter(h *Handler, limiter *RateLimiter, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	// Client IPs key the rate limiter, so forwarding headers count only from
	// configured proxies. None are trusted by default.
	if err := r.SetTrustedProxies(h.cfg.TrustedProxies); err != nil {
		logger.Warn("invalid trusted proxies, trusting none", slog.Any("err", err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(logger))
	r.Use(CORS())

	r.GET("/", h.Health)
	r.GET("/health", h.Health)

	api := r.Group("/")
	if limiter != nil {
		api.Use(limiter.Middleware())
	}
	for _, route := range []config.Route{config.RouteChat, config.RouteSchool, config.RouteAvatar} {
		api.POST("/"+string(route), h.Chat(route))
	}
	api.POST("/"+string(config.RouteBlog), h.Blog)
	api.POST("/v1/chat/completions", h.Forward("chat/completions"))
	api.POST("/v1/responses", h.Forward("responses"))

	return r
}
