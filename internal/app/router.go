package app

import (
	"time"

	"geochat_backend/internal/config"
	"geochat_backend/internal/middleware"
	"geochat_backend/pkg/monitoring"
	"geochat_backend/pkg/security"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
	}

	// 2. 需要授权的路由，登录后按用户限流
	authGroup := router.Group("/api")
	authGroup.Use(
		middleware.AuthMiddleware(cfg.JWT.Secret),
		security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute),
	)
	{
		a.registerMapRoutes(authGroup, c)
		a.registerChatRoutes(authGroup, c)
		a.registerLiveRoutes(authGroup, c)
	}
}

func (a *App) registerMapRoutes(rg *gin.RouterGroup, c *controllers) {
	rg.PUT("/me/location", c.location.UpdateLocation)
	rg.DELETE("/me/location", c.location.ClearLocation)
	rg.GET("/friends", c.friends.List)
	rg.GET("/friends/nearby", c.friends.Nearby)
}

func (a *App) registerChatRoutes(rg *gin.RouterGroup, c *controllers) {
	rg.GET("/chat/:friendId/messages", c.chat.GetMessages)
	rg.POST("/chat/:friendId/messages", c.chat.SendMessage)
}

func (a *App) registerLiveRoutes(rg *gin.RouterGroup, c *controllers) {
	ws := rg.Group("/ws")
	{
		ws.GET("/chat/:friendId", c.live.ChatSocket)
		ws.GET("/friends", c.live.FriendsSocket)
	}
}
