package controller

import (
	"context"
	"net/http"
	"time"

	"geochat_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthController struct {
	Components map[string]Pinger
	Timeout    time.Duration
}

func NewHealthController(components map[string]Pinger) *HealthController {
	return &HealthController{Components: components, Timeout: 2 * time.Second}
}

// @Summary 健康检查
// @Description 检查数据库、Redis 等依赖状态
// @Tags 系统
// @Produce json
// @Success 200 {object} util.Response
// @Failure 503 {object} util.Response
// @Router /health [get]
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	pctx, cancel := context.WithTimeout(ctx.Request.Context(), c.Timeout)
	defer cancel()

	components := gin.H{}
	healthy := true
	for name, p := range c.Components {
		if err := p.Ping(pctx); err != nil {
			components[name] = "down"
			healthy = false
			continue
		}
		components[name] = "up"
	}

	if !healthy {
		ctx.JSON(http.StatusServiceUnavailable, util.Response{
			Code:    http.StatusServiceUnavailable,
			Message: "Dependency unavailable",
			Data:    gin.H{"status": "degraded", "components": components},
		})
		return
	}
	util.Success(ctx, gin.H{
		"status":     "ok",
		"components": components,
	})
}
