package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"broadcast-platform/internal/httpapi"
	"broadcast-platform/internal/telephony"
	"broadcast-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// publicDeps are what the unauthenticated endpoints need.
type publicDeps struct {
	db       *sql.DB
	rdb      *redis.Client
	gatherer prometheus.Gatherer
	// sink is nil for transports that do not call back over HTTP.
	sink telephony.CallbackSink
}

// registerPublicRoutes mounts health, metrics and carrier webhooks.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerPublicRoutes(r *gin.Engine, d publicDeps) {
	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		checks := gin.H{}
		healthy := true
		if d.db != nil {
			checks["postgres"] = "ok"
			if err := utils.HealthCheck(ctx, d.db, time.Second); err != nil {
				checks["postgres"] = err.Error()
				healthy = false
			}
		}
		if d.rdb != nil {
			checks["redis"] = "ok"
			if err := d.rdb.Ping(ctx).Err(); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			}
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))

	// Carrier webhooks are correlated by an unguessable call id, not by auth.
	if d.sink != nil {
		telephony.WebhookHandler{Sink: d.sink}.Register(r.Group("/webhooks/telephony"))
	}
}

func registerAuthRoutes(r *gin.Engine, h httpapi.Handlers) {
	if !h.DevLogin {
		return
	}
	r.POST("/v1/auth/login", h.Login)
}

func registerProtectedRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers) {
	v1 := r.Group("/v1")
	v1.Use(authMW)
	h.Register(v1)
}
