package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/openloom/connector-rollout/internal/handlers"
	"github.com/openloom/connector-rollout/internal/middleware"
	"github.com/openloom/connector-rollout/internal/platform/envutil"
)

type RouterConfig struct {
	ServiceName    string
	AuthMiddleware *middleware.ServiceAuthMiddleware
	RolloutHandler *handlers.RolloutHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.ServiceName))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins(),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api/v1")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireServiceToken())
	}

	if cfg.RolloutHandler != nil {
		api.POST("/rollouts", cfg.RolloutHandler.Create)
		api.GET("/rollouts", cfg.RolloutHandler.List)
		api.GET("/rollouts/:id", cfg.RolloutHandler.Get)
		api.POST("/rollouts/:id/advance", cfg.RolloutHandler.Advance)
		api.POST("/rollouts/:id/pause", cfg.RolloutHandler.Pause)
		api.POST("/rollouts/:id/resume", cfg.RolloutHandler.Resume)
		api.POST("/rollouts/:id/cancel", cfg.RolloutHandler.Cancel)
	}

	return router
}

func allowedOrigins() []string {
	raw := envutil.String("CORS_ALLOW_ORIGINS", "http://localhost:3000")
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
