// Package router wires the gin engine: CORS, health, metrics, and the
// flow-tracking API surface of spec.md §6, grounded on the teacher's
// internal/router/router.go CORS-middleware/health/metrics/NoRoute shape.
package router

import (
	"net/http"
	"strconv"

	"github.com/circle-fin/usdc-flow-tracker/internal/config"
	"github.com/circle-fin/usdc-flow-tracker/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware reads its allow-list from config.AppConfig.CORS, populated
// by CORS_ORIGINS per spec.md §6's environment-variable table - an allow-all
// default ships when unset, same as the teacher's CORS() default branch.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		logrus.WithFields(logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
			"origin": origin,
		}).Debug("🌐 CORS: request received")

		allowedOrigins := []string{"*"}
		maxAge := 3600
		allowCredentials := true
		if cfg := config.AppConfig; cfg != nil && len(cfg.CORS.AllowedOrigins) > 0 {
			allowedOrigins = cfg.CORS.AllowedOrigins
			allowCredentials = cfg.CORS.AllowCredentials
			if cfg.CORS.MaxAge > 0 {
				maxAge = cfg.CORS.MaxAge
			}
		}

		allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowed := range allowedOrigins {
				if allowed == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept")
		if allowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SetupRouter builds the gin engine for the flow-tracking API.
func SetupRouter(flowHandler *handlers.FlowHandler, wsHandler *handlers.WebSocketHandler) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/health", handlers.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", func(c *gin.Context) {
		wsHandler.HandleWebSocket(c.Writer, c.Request)
	})

	api := r.Group("/api")
	{
		api.POST("/track/flow", flowHandler.TrackFlow)
		api.GET("/flow/by-hash/:chain/:hash", flowHandler.GetFlowByHash)
		api.GET("/flow/:id", flowHandler.GetFlow)
		api.GET("/flow/:id/status", flowHandler.GetFlowStatus)
		api.GET("/flow/:id/logs", flowHandler.GetFlowLogs)
		api.GET("/flow/:id/job", flowHandler.GetFlowJob)
		api.POST("/flow/:id/stage", flowHandler.AppendStage)
		api.GET("/health", handlers.Health)
	}

	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		logrus.WithFields(logrus.Fields{
			"path":   path,
			"method": c.Request.Method,
		}).Warn("🚫 route not found")
		c.JSON(http.StatusNotFound, gin.H{
			"message":    "endpoint not found",
			"path":       path,
			"suggestion": "check /api endpoints for available routes",
		})
	})

	return r
}
