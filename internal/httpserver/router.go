package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"newsletter/internal/handler"
	"newsletter/pkg/otel"
	"newsletter/pkg/rbac"
)

// Pinger 用于 readyz 检查数据库连通性
type Pinger interface {
	Ping(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

// NewRouter adminHandler 为 nil 时不注册 outbox 管理接口
func NewRouter(
	newsletterHandler *handler.NewsletterHandler,
	adminHandler *handler.AdminHandler,
	jwtSecret string,
	db Pinger,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		otel.GinMiddleware(),
		TraceIDMiddleware(),
		MetricsMiddleware(),
		AccessLogMiddleware(logger),
	)

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	admin := r.Group("/admin")
	admin.Use(AuthMiddleware(jwtSecret))
	{
		admin.POST("/newsletters", RequirePermission(rbac.PermissionPublishNewsletter), newsletterHandler.PublishIssue)
		admin.GET("/newsletters/:id", RequirePermission(rbac.PermissionReadNewsletter), newsletterHandler.GetIssue)
		if adminHandler != nil {
			admin.GET("/outbox/failed", RequirePermission(rbac.PermissionReplayOutbox), adminHandler.ListFailedEvents)
			admin.POST("/outbox/replay-failed", RequirePermission(rbac.PermissionReplayOutbox), adminHandler.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}
